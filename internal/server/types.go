package server

import (
	"time"
)

type Principal struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// RunRequest is the client's description of a scan to launch. The API key is
// used for the duration of the run and never persisted.
type RunRequest struct {
	ScanName    string `json:"scan_name"`
	Endpoint    string `json:"api_endpoint"`
	Model       string `json:"model_identifier"`
	APIKey      string `json:"api_key,omitempty"`
	CatalogPath string `json:"catalog_path,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	TimeoutSec  int    `json:"timeout_sec,omitempty"`
}

type ReviewRequest struct {
	Status string `json:"status"`
}

type AuditEvent struct {
	Timestamp string `json:"timestamp"`
	RunID     string `json:"run_id,omitempty"`
	ResultID  string `json:"result_id,omitempty"`
	ActorType string `json:"actor_type"`
	ActorSub  string `json:"actor_sub,omitempty"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	Detail    string `json:"detail,omitempty"`
}

type RunEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type MetricsOverview struct {
	GeneratedAt        string         `json:"generated_at"`
	TotalRuns          int            `json:"total_runs"`
	ActiveRuns         int            `json:"active_runs"`
	CompletedRuns      int            `json:"completed_runs"`
	FailedRuns         int            `json:"failed_runs"`
	CancelledRuns      int            `json:"cancelled_runs"`
	TotalResults       int            `json:"total_results"`
	PendingReviews     int            `json:"pending_reviews"`
	AverageScore       float64        `json:"average_score"`
	FailuresByCategory map[string]int `json:"failures_by_category,omitempty"`
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func cloneMap(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
