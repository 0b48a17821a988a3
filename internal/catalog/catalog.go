package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// TestCase is one attack definition from the payload catalog. FollowUpPayload
// is only meaningful together with SuccessTrigger: the follow-up is sent when
// the trigger text appears in the initial response.
type TestCase struct {
	ID              string `yaml:"-" json:"id"`
	Category        string `yaml:"category" json:"category"`
	Payload         string `yaml:"payload" json:"payload"`
	SuccessTrigger  string `yaml:"success_trigger" json:"success_trigger,omitempty"`
	FollowUpPayload string `yaml:"follow_up_payload" json:"follow_up_payload,omitempty"`
}

func (c TestCase) MultiTurn() bool {
	return c.FollowUpPayload != "" && c.SuccessTrigger != ""
}

type entry struct {
	Category        string   `yaml:"category"`
	Payload         string   `yaml:"payload"`
	Payloads        []string `yaml:"payloads"`
	SuccessTrigger  string   `yaml:"success_trigger"`
	FollowUpPayload string   `yaml:"follow_up_payload"`
}

// Load reads a YAML catalog keyed by test id. Malformed entries are skipped
// with a warning; loading fails only when no valid test case remains.
func Load(path string) ([]TestCase, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	cases, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return cases, nil
}

func Parse(data []byte) ([]TestCase, error) {
	// Decode entries individually so one wrong-typed value (a bare string
	// where a mapping is expected) skips that entry instead of failing the
	// whole catalog.
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse catalog yaml: %w", err)
	}

	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	cases := make([]TestCase, 0, len(raw))
	for _, id := range ids {
		node := raw[id]
		var item entry
		if err := node.Decode(&item); err != nil {
			slog.Warn("skipping invalid catalog entry", "id", id, "error", err)
			continue
		}
		expanded, err := expandEntry(id, item)
		if err != nil {
			slog.Warn("skipping invalid catalog entry", "id", id, "error", err)
			continue
		}
		cases = append(cases, expanded...)
	}
	if len(cases) == 0 {
		return nil, fmt.Errorf("no valid test cases in catalog")
	}
	return cases, nil
}

func expandEntry(id string, item entry) ([]TestCase, error) {
	category := strings.TrimSpace(item.Category)
	if category == "" {
		category = "general"
	}
	if item.FollowUpPayload != "" && strings.TrimSpace(item.SuccessTrigger) == "" {
		return nil, fmt.Errorf("follow_up_payload requires success_trigger")
	}

	payloads := item.Payloads
	if strings.TrimSpace(item.Payload) != "" {
		payloads = []string{item.Payload}
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("missing payload")
	}

	out := make([]TestCase, 0, len(payloads))
	for i, payload := range payloads {
		if strings.TrimSpace(payload) == "" {
			slog.Warn("skipping empty payload in catalog entry", "id", id, "index", i)
			continue
		}
		caseID := id
		if len(payloads) > 1 {
			caseID = fmt.Sprintf("%s_%d", id, i+1)
		}
		out = append(out, TestCase{
			ID:              caseID,
			Category:        category,
			Payload:         payload,
			SuccessTrigger:  item.SuccessTrigger,
			FollowUpPayload: item.FollowUpPayload,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("missing payload")
	}
	return out, nil
}
