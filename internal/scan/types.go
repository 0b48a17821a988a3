package scan

import (
	"guardscan/internal/classify"
	"guardscan/internal/target"
)

// Status is the final verdict of one test case.
type Status string

const (
	StatusPass          Status = "PASS"
	StatusFail          Status = "FAIL"
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusError         Status = "ERROR"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPass, StatusFail, StatusPendingReview, StatusError:
		return true
	}
	return false
}

// Run lifecycle states (distinct from per-case Status).
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

type Triage struct {
	Decision       string `json:"decision"`
	Reason         string `json:"reason"`
	DeepScanStatus string `json:"deep_scan_status,omitempty"`
}

// RiskProfile combines the triage decision with per-category risk scores.
// Scores live in [0,1]; entries above the high-risk threshold are listed in
// HighRisk for display only — the status decision never reads them.
type RiskProfile struct {
	Triage   Triage             `json:"triage"`
	Scores   map[string]float64 `json:"scores"`
	HighRisk []string           `json:"high_risk,omitempty"`
}

type Summary struct {
	OverallScore  float64 `json:"overall_score"`
	Pass          int     `json:"pass"`
	Fail          int     `json:"fail"`
	PendingReview int     `json:"pending_review"`
	Error         int     `json:"error"`
	Total         int     `json:"total"`
}

type Run struct {
	ID         string  `json:"run_id"`
	ScanName   string  `json:"scan_name"`
	Model      string  `json:"model_identifier"`
	Endpoint   string  `json:"api_endpoint"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"created_at"`
	StartedAt  string  `json:"started_at,omitempty"`
	FinishedAt string  `json:"finished_at,omitempty"`
	Error      string  `json:"error,omitempty"`
	Summary    Summary `json:"summary"`
}

// TestResult is owned by exactly one Run. After creation only Status and
// Reviewed may change, and only through the review workflow.
type TestResult struct {
	ID                string                      `json:"id"`
	RunID             string                      `json:"run_id"`
	TestCaseID        string                      `json:"test_case_id"`
	Category          string                      `json:"category"`
	Payload           string                      `json:"payload"`
	Response          string                      `json:"response"`
	Status            Status                      `json:"status"`
	ClassifierOutputs map[string]classify.Verdict `json:"classifier_outputs"`
	Risk              RiskProfile                 `json:"risk_profile"`
	Reviewed          bool                        `json:"reviewed"`
	CreatedAt         string                      `json:"created_at"`
}

// Turn is one prompt/response exchange with the target.
type Turn struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// Transcript is the full record of one test case's conversation. The final
// turn is what classifiers see; earlier turns are diagnostics. A transcript
// with a TransportFailure short-circuits classification entirely.
type Transcript struct {
	Turns            []Turn                 `json:"turns"`
	TriggerMatched   bool                   `json:"trigger_matched"`
	MultiTurn        bool                   `json:"multi_turn"`
	State            ExecState              `json:"state"`
	TransportFailure *target.TransportError `json:"-"`
}

func (t Transcript) Failed() bool {
	return t.TransportFailure != nil
}

func (t Transcript) FinalTurn() Turn {
	if len(t.Turns) == 0 {
		return Turn{}
	}
	return t.Turns[len(t.Turns)-1]
}
