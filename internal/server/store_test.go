package server

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"guardscan/internal/scan"
)

func newRun(id string) scan.Run {
	return scan.Run{
		ID:        id,
		ScanName:  "nightly",
		Model:     "gpt-4o-mini",
		Endpoint:  "https://api.example.com/v1",
		Status:    scan.RunQueued,
		CreatedAt: nowRFC3339(),
	}
}

func TestMemoryStoreRunLifecycle(t *testing.T) {
	store, err := NewMemoryStore("")
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	if err := store.CreateRun(newRun("run_1")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := store.CreateRun(newRun("run_1")); err == nil {
		t.Fatalf("expected duplicate run error")
	}
	updated, err := store.UpdateRun("run_1", func(r *scan.Run) {
		r.Status = scan.RunRunning
		r.StartedAt = nowRFC3339()
	})
	if err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	if updated.Status != scan.RunRunning {
		t.Fatalf("mutation lost: %+v", updated)
	}
	if _, err := store.UpdateRun("missing", nil); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestMemoryStoreReviewTransitions(t *testing.T) {
	store, err := NewMemoryStore("")
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	if err := store.CreateRun(newRun("run_1")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := store.InsertResult(scan.TestResult{
		ID: "res_1", RunID: "run_1", TestCaseID: "case_1", Category: "general",
		Status: scan.StatusPendingReview, CreatedAt: nowRFC3339(),
	}); err != nil {
		t.Fatalf("InsertResult: %v", err)
	}

	result, err := store.ReviewResult("res_1", scan.StatusFail)
	if err != nil {
		t.Fatalf("ReviewResult: %v", err)
	}
	if result.Status != scan.StatusFail || !result.Reviewed {
		t.Fatalf("review not applied: %+v", result)
	}

	if _, err := store.ReviewResult("res_1", scan.StatusPass); !errors.Is(err, ErrReviewConflict) {
		t.Fatalf("expected conflict on second review, got %v", err)
	}
	if _, err := store.ReviewResult("missing", scan.StatusPass); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound, got %v", err)
	}
}

func TestMemoryStoreRecalculateSummary(t *testing.T) {
	store, err := NewMemoryStore("")
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	if err := store.CreateRun(newRun("run_1")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	statuses := []scan.Status{scan.StatusPass, scan.StatusPass, scan.StatusFail, scan.StatusPendingReview}
	for i, status := range statuses {
		if err := store.InsertResult(scan.TestResult{
			ID:     "res_" + string(rune('a'+i)),
			RunID:  "run_1",
			Status: status, CreatedAt: nowRFC3339(),
		}); err != nil {
			t.Fatalf("InsertResult: %v", err)
		}
	}
	summary, err := store.RecalculateSummary("run_1")
	if err != nil {
		t.Fatalf("RecalculateSummary: %v", err)
	}
	if summary.Pass != 2 || summary.Fail != 1 || summary.PendingReview != 1 || summary.Total != 4 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.OverallScore != 0.5 {
		t.Fatalf("expected score 0.5, got %f", summary.OverallScore)
	}
	run, _ := store.GetRun("run_1")
	if run.Summary != summary {
		t.Fatalf("summary not persisted on run: %+v", run.Summary)
	}
}

func TestMemoryStoreConcurrentReviewsKeepSummaryConsistent(t *testing.T) {
	store, err := NewMemoryStore("")
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	if err := store.CreateRun(newRun("run_1")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	const n = 16
	for i := 0; i < n; i++ {
		if err := store.InsertResult(scan.TestResult{
			ID: fmt.Sprintf("res_%d", i), RunID: "run_1", TestCaseID: fmt.Sprintf("case_%d", i),
			Status: scan.StatusPendingReview, CreatedAt: nowRFC3339(),
		}); err != nil {
			t.Fatalf("InsertResult: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := scan.StatusPass
			if i%2 == 1 {
				status = scan.StatusFail
			}
			if _, err := store.ReviewResult(fmt.Sprintf("res_%d", i), status); err != nil {
				t.Errorf("ReviewResult res_%d: %v", i, err)
				return
			}
			if _, err := store.RecalculateSummary("run_1"); err != nil {
				t.Errorf("RecalculateSummary: %v", err)
			}
		}(i)
	}
	wg.Wait()

	statuses := make([]scan.Status, 0, n)
	for _, result := range store.ListResults("run_1") {
		if !result.Reviewed {
			t.Fatalf("review lost: %+v", result)
		}
		statuses = append(statuses, result.Status)
	}
	want := scan.CalculateSummary(statuses)
	run, _ := store.GetRun("run_1")
	if run.Summary != want {
		t.Fatalf("summary drifted under concurrent reviews: got %+v, want %+v", run.Summary, want)
	}
	if want.Pass != n/2 || want.Fail != n/2 {
		t.Fatalf("reviews lost: %+v", want)
	}
}

func TestMemoryStoreEventsAndAudit(t *testing.T) {
	store, err := NewMemoryStore("")
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	if err := store.CreateRun(newRun("run_1")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.AppendRunEvent("run_1", "case_result", "case finished", nil); err != nil {
			t.Fatalf("AppendRunEvent: %v", err)
		}
	}
	events := store.ListRunEvents("run_1", 1)
	if len(events) != 2 || events[0].Seq != 2 {
		t.Fatalf("cursor filtering broken: %+v", events)
	}
	if err := store.AppendAudit(AuditEvent{Action: "run.create", Result: "queued"}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	audit := store.ListAudit(10)
	if len(audit) != 1 || audit[0].Timestamp == "" {
		t.Fatalf("audit missing timestamp: %+v", audit)
	}
}

func TestMemoryStoreSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewMemoryStore(path)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	if err := store.CreateRun(newRun("run_1")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := store.InsertResult(scan.TestResult{
		ID: "res_1", RunID: "run_1", Status: scan.StatusPass, CreatedAt: nowRFC3339(),
	}); err != nil {
		t.Fatalf("InsertResult: %v", err)
	}

	reloaded, err := NewMemoryStore(path)
	if err != nil {
		t.Fatalf("reload store: %v", err)
	}
	if _, ok := reloaded.GetRun("run_1"); !ok {
		t.Fatalf("run lost across restart")
	}
	results := reloaded.ListResults("run_1")
	if len(results) != 1 || results[0].ID != "res_1" {
		t.Fatalf("results lost across restart: %+v", results)
	}
}

func TestMetricsOverviewCountsPendingAndFailures(t *testing.T) {
	store, err := NewMemoryStore("")
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	run := newRun("run_1")
	run.Status = scan.RunCompleted
	run.Summary = scan.Summary{OverallScore: 0.75}
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	seed := []scan.TestResult{
		{ID: "res_1", RunID: "run_1", Category: "xss", Status: scan.StatusFail},
		{ID: "res_2", RunID: "run_1", Category: "xss", Status: scan.StatusFail},
		{ID: "res_3", RunID: "run_1", Category: "sqli", Status: scan.StatusPendingReview},
		{ID: "res_4", RunID: "run_1", Category: "general", Status: scan.StatusPass},
	}
	for _, result := range seed {
		result.CreatedAt = nowRFC3339()
		if err := store.InsertResult(result); err != nil {
			t.Fatalf("InsertResult: %v", err)
		}
	}
	overview := store.GetMetricsOverview()
	if overview.PendingReviews != 1 {
		t.Fatalf("expected 1 pending review, got %d", overview.PendingReviews)
	}
	if overview.FailuresByCategory["xss"] != 2 {
		t.Fatalf("expected 2 xss failures, got %+v", overview.FailuresByCategory)
	}
	if overview.AverageScore != 0.75 {
		t.Fatalf("expected average score 0.75, got %f", overview.AverageScore)
	}
}
