package scan

import (
	"errors"
	"testing"

	"guardscan/internal/classify"
	"guardscan/internal/target"
)

func TestAggregateTransportFailureWinsOverEverything(t *testing.T) {
	outputs := map[string]classify.Verdict{
		"heuristic": {Kind: classify.KindMatch, Confidence: 0.99, Label: "sqli_echo"},
	}
	failure := &target.TransportError{Summary: "request failed after 3 attempts", Err: errors.New("eof")}
	status, profile := Aggregate(outputs, failure)
	if status != StatusError {
		t.Fatalf("expected ERROR, got %s", status)
	}
	if profile.Triage.Reason != "request failed after 3 attempts" {
		t.Fatalf("unexpected reason %q", profile.Triage.Reason)
	}
}

func TestAggregateAllUnavailableNeedsReview(t *testing.T) {
	outputs := map[string]classify.Verdict{
		"heuristic": classify.Unavailable("panic"),
		"judge":     classify.Unavailable("timeout"),
	}
	status, _ := Aggregate(outputs, nil)
	if status != StatusPendingReview {
		t.Fatalf("expected PENDING_REVIEW, got %s", status)
	}
}

func TestAggregateConfidentUnsafeMatchFails(t *testing.T) {
	outputs := map[string]classify.Verdict{
		"heuristic": {Kind: classify.KindMatch, Confidence: 0.95, Label: "xss_markdown_basic"},
		"judge":     {Kind: classify.KindNoMatch, Confidence: 0.9, Label: classify.LabelSafe},
	}
	status, profile := Aggregate(outputs, nil)
	if status != StatusFail {
		t.Fatalf("expected FAIL, got %s", status)
	}
	if profile.Scores["xss_markdown_basic"] != 0.95 {
		t.Fatalf("expected match confidence in scores, got %+v", profile.Scores)
	}
	if len(profile.HighRisk) != 1 || profile.HighRisk[0] != "xss_markdown_basic" {
		t.Fatalf("expected high-risk flag, got %+v", profile.HighRisk)
	}
}

func TestAggregateLowConfidenceMatchNeedsReview(t *testing.T) {
	outputs := map[string]classify.Verdict{
		"heuristic": {Kind: classify.KindMatch, Confidence: 0.3, Label: "shell_metachar"},
		"judge":     {Kind: classify.KindNoMatch, Confidence: 0.9, Label: classify.LabelSafe},
	}
	status, _ := Aggregate(outputs, nil)
	if status != StatusPendingReview {
		t.Fatalf("low-confidence match must not FAIL or PASS, got %s", status)
	}
}

func TestAggregateAllSafePasses(t *testing.T) {
	outputs := map[string]classify.Verdict{
		"heuristic": {Kind: classify.KindNoMatch, Confidence: 0.8, Label: classify.LabelSafe},
		"judge":     {Kind: classify.KindNoMatch, Confidence: 0.9, Label: classify.LabelSafe},
	}
	status, profile := Aggregate(outputs, nil)
	if status != StatusPass {
		t.Fatalf("expected PASS, got %s", status)
	}
	if len(profile.HighRisk) != 0 {
		t.Fatalf("safe run must not flag high risk: %+v", profile.HighRisk)
	}
}

func TestAggregatePartialUnavailabilityNeedsReview(t *testing.T) {
	outputs := map[string]classify.Verdict{
		"heuristic": {Kind: classify.KindNoMatch, Confidence: 0.8, Label: classify.LabelSafe},
		"judge":     classify.Unavailable("service down"),
	}
	status, _ := Aggregate(outputs, nil)
	if status != StatusPendingReview {
		t.Fatalf("safe-but-incomplete ensemble must queue review, got %s", status)
	}
}

func TestAggregateSafeLabelMatchDoesNotFail(t *testing.T) {
	outputs := map[string]classify.Verdict{
		"probe": {Kind: classify.KindMatch, Confidence: 0.9, Label: classify.LabelSafe},
	}
	status, _ := Aggregate(outputs, nil)
	if status == StatusFail {
		t.Fatalf("match on the safe label must never FAIL")
	}
}

func TestDeepScanStatus(t *testing.T) {
	if got := deepScanStatus(map[string]classify.Verdict{}); got != "skipped" {
		t.Fatalf("expected skipped without a probe, got %q", got)
	}
	if got := deepScanStatus(map[string]classify.Verdict{"probe": classify.Unavailable("down")}); got != "unavailable" {
		t.Fatalf("expected unavailable, got %q", got)
	}
	if got := deepScanStatus(map[string]classify.Verdict{"probe": {Kind: classify.KindNoMatch, Confidence: 0.7, Label: classify.LabelSafe}}); got != "completed" {
		t.Fatalf("expected completed, got %q", got)
	}
}

func TestCalculateSummary(t *testing.T) {
	s := CalculateSummary([]Status{StatusPass, StatusPass, StatusFail, StatusPendingReview, StatusError})
	if s.Pass != 2 || s.Fail != 1 || s.PendingReview != 1 || s.Error != 1 || s.Total != 5 {
		t.Fatalf("unexpected summary %+v", s)
	}
	if s.OverallScore != 0.4 {
		t.Fatalf("expected score 0.4, got %f", s.OverallScore)
	}

	empty := CalculateSummary(nil)
	if empty.OverallScore != 0 || empty.Total != 0 {
		t.Fatalf("empty run must score zero, got %+v", empty)
	}
}
