package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ProbeClassifier wraps an external adversarial probe harness: the harness
// replays its detector battery against the payload/response pair and returns
// per-detector scores. The harness internals are out of scope; only this
// request/response contract is ours.
type ProbeClassifier struct {
	endpoint string
	client   *http.Client
}

type probeRequest struct {
	Category string `json:"category"`
	Payload  string `json:"payload"`
	Response string `json:"response"`
}

type probeResponse struct {
	Detectors      map[string]float64 `json:"detectors"`
	DeepScanStatus string             `json:"deep_scan_status,omitempty"`
}

func NewProbeClassifier(endpoint string, timeout time.Duration) *ProbeClassifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ProbeClassifier{
		endpoint: strings.TrimSpace(endpoint),
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *ProbeClassifier) Name() string {
	return "probe"
}

func (p *ProbeClassifier) Classify(ctx context.Context, input Input) (Verdict, error) {
	body, err := json.Marshal(probeRequest{
		Category: input.Category,
		Payload:  input.Prompt,
		Response: input.Response,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal probe request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("build probe request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := p.client.Do(request)
	if err != nil {
		return Verdict{}, fmt.Errorf("probe harness call failed: %w", err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return Verdict{}, fmt.Errorf("read probe response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return Verdict{}, fmt.Errorf("probe harness status %d", response.StatusCode)
	}
	var parsed probeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Verdict{}, fmt.Errorf("decode probe response: %w", err)
	}
	return probeVerdict(parsed), nil
}

func probeVerdict(parsed probeResponse) Verdict {
	topDetector := ""
	topScore := 0.0
	for name, score := range parsed.Detectors {
		if score > topScore || (score == topScore && (topDetector == "" || name < topDetector)) {
			topDetector = name
			topScore = score
		}
	}
	detail := fmt.Sprintf("deep_scan=%s", orDefault(parsed.DeepScanStatus, "completed"))
	if topDetector == "" {
		return Verdict{
			Kind:       KindNoMatch,
			Confidence: 0.5,
			Label:      LabelSafe,
			Detail:     detail + " detectors=0",
		}
	}
	detail = fmt.Sprintf("%s top=%s score=%.2f", detail, topDetector, topScore)
	if topScore >= 0.5 {
		return Verdict{
			Kind:       KindMatch,
			Confidence: clampConfidence(topScore),
			Label:      topDetector,
			Detail:     detail,
		}
	}
	return Verdict{
		Kind:       KindNoMatch,
		Confidence: clampConfidence(1 - topScore),
		Label:      LabelSafe,
		Detail:     detail,
	}
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
