package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"guardscan/internal/scan"
)

type fakeScans struct {
	created   []RunRequest
	cancelled []string
}

func (f *fakeScans) CreateRun(request RunRequest, principal Principal, source string) (scan.Run, error) {
	f.created = append(f.created, request)
	return scan.Run{
		ID:        "run_fake",
		ScanName:  request.ScanName,
		Model:     request.Model,
		Status:    scan.RunQueued,
		CreatedAt: nowRFC3339(),
	}, nil
}

func (f *fakeScans) CancelRun(runID string, principal Principal) (scan.Run, error) {
	f.cancelled = append(f.cancelled, runID)
	return scan.Run{ID: runID, Status: scan.RunRunning}, nil
}

func newTestAPI(t *testing.T) (*API, *MemoryStore, *fakeScans) {
	t.Helper()
	store, err := NewMemoryStore("")
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	auth := NewAuth(nil, ServerConfig{
		Security: SecurityConfig{AdminToken: "secret-token"},
	})
	scans := &fakeScans{}
	api := NewAPI(auth, store, scans, NewReviewManager(store, nil), nil)
	return api, store, scans
}

func TestRouterHealthz(t *testing.T) {
	api, _, _ := newTestAPI(t)
	server := httptest.NewServer(api.Handler())
	defer server.Close()

	response, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
}

func TestRouterCreateRunRequiresAdmin(t *testing.T) {
	api, _, scans := newTestAPI(t)
	server := httptest.NewServer(api.Handler())
	defer server.Close()

	body := map[string]any{
		"scan_name":        "nightly",
		"model_identifier": "gpt-4o-mini",
		"api_endpoint":     "https://api.example.com/v1",
	}
	rawBody, _ := json.Marshal(body)

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/v1/runs", bytes.NewReader(rawBody))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create without auth failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	req2, _ := http.NewRequest(http.MethodPost, server.URL+"/api/v1/runs", bytes.NewReader(rawBody))
	req2.Header.Set("Content-Type", "application/json")
	req2.Header.Set("X-Admin-Token", "secret-token")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("create with token failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp2.StatusCode)
	}
	if len(scans.created) != 1 || scans.created[0].ScanName != "nightly" {
		t.Fatalf("create request not forwarded: %+v", scans.created)
	}
}

func TestRouterResultsAndCSV(t *testing.T) {
	api, store, _ := newTestAPI(t)
	server := httptest.NewServer(api.Handler())
	defer server.Close()

	if err := store.CreateRun(scan.Run{ID: "run_1", ScanName: "s", Status: scan.RunCompleted, CreatedAt: nowRFC3339()}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := store.InsertResult(scan.TestResult{
		ID: "res_1", RunID: "run_1", TestCaseID: "case_1", Category: "xss",
		Payload: "p", Response: "r", Status: scan.StatusFail,
		Risk:      scan.RiskProfile{Triage: scan.Triage{Decision: "FAIL", Reason: "heuristic matched xss"}},
		CreatedAt: nowRFC3339(),
	}); err != nil {
		t.Fatalf("InsertResult: %v", err)
	}

	get := func(path string) *http.Response {
		req, _ := http.NewRequest(http.MethodGet, server.URL+path, nil)
		req.Header.Set("X-Admin-Token", "secret-token")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		return resp
	}

	resp := get("/api/v1/runs/run_1/results")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("results: expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		ScanName         string                    `json:"scan_name"`
		OverallScore     float64                   `json:"overall_score"`
		Results          []scan.TestResult         `json:"detailed_results"`
		StatusByCategory map[string]map[string]int `json:"status_by_category"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if payload.ScanName != "s" {
		t.Fatalf("unexpected scan name %q", payload.ScanName)
	}
	if len(payload.Results) != 1 || payload.Results[0].ID != "res_1" {
		t.Fatalf("unexpected results %+v", payload.Results)
	}
	if payload.StatusByCategory["xss"]["FAIL"] != 1 {
		t.Fatalf("missing category breakdown: %+v", payload.StatusByCategory)
	}

	csvResp := get("/api/v1/runs/run_1/results.csv")
	defer csvResp.Body.Close()
	if ct := csvResp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("expected csv content type, got %q", ct)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(csvResp.Body); err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if !strings.Contains(buf.String(), "case_1") || !strings.Contains(buf.String(), "FAIL") {
		t.Fatalf("csv missing expected rows: %q", buf.String())
	}
}

func TestRouterReviewEndpoint(t *testing.T) {
	api, store, _ := newTestAPI(t)
	server := httptest.NewServer(api.Handler())
	defer server.Close()

	if err := store.CreateRun(scan.Run{ID: "run_1", ScanName: "s", Status: scan.RunCompleted, CreatedAt: nowRFC3339()}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := store.InsertResult(scan.TestResult{
		ID: "res_1", RunID: "run_1", TestCaseID: "case_1", Category: "general",
		Status: scan.StatusPendingReview, CreatedAt: nowRFC3339(),
	}); err != nil {
		t.Fatalf("InsertResult: %v", err)
	}

	post := func(body string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/v1/results/res_1/review", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Admin-Token", "secret-token")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST review: %v", err)
		}
		return resp
	}

	resp := post(`{"status":"pass"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("review: expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Summary scan.Summary `json:"summary"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode review: %v", err)
	}
	if out.Summary.Pass != 1 || out.Summary.OverallScore != 1 {
		t.Fatalf("summary not recomputed: %+v", out.Summary)
	}

	// second review on the same result conflicts
	resp2 := post(`{"status":"fail"}`)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on re-review, got %d", resp2.StatusCode)
	}

	resp3 := post(`{"status":"maybe"}`)
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 on bad status, got %d", resp3.StatusCode)
	}
}

func TestRouterCancelRun(t *testing.T) {
	api, store, scans := newTestAPI(t)
	server := httptest.NewServer(api.Handler())
	defer server.Close()

	if err := store.CreateRun(scan.Run{ID: "run_1", ScanName: "s", Status: scan.RunRunning, CreatedAt: nowRFC3339()}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/v1/runs/run_1/cancel", nil)
	req.Header.Set("X-Admin-Token", "secret-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST cancel: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if len(scans.cancelled) != 1 || scans.cancelled[0] != "run_1" {
		t.Fatalf("cancel not forwarded: %+v", scans.cancelled)
	}
}

func TestRouterOverview(t *testing.T) {
	api, store, _ := newTestAPI(t)
	server := httptest.NewServer(api.Handler())
	defer server.Close()

	for i := 0; i < 3; i++ {
		runID := fmt.Sprintf("run_%d", i)
		if err := store.CreateRun(scan.Run{
			ID: runID, ScanName: "s", Status: scan.RunCompleted,
			CreatedAt: nowRFC3339(),
			Summary:   scan.Summary{OverallScore: 0.5},
		}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}
	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/v1/metrics/overview", nil)
	req.Header.Set("X-Admin-Token", "secret-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET overview: %v", err)
	}
	defer resp.Body.Close()
	var overview MetricsOverview
	if err := json.NewDecoder(resp.Body).Decode(&overview); err != nil {
		t.Fatalf("decode overview: %v", err)
	}
	if overview.TotalRuns != 3 || overview.CompletedRuns != 3 {
		t.Fatalf("unexpected overview %+v", overview)
	}
	if overview.AverageScore != 0.5 {
		t.Fatalf("expected average score 0.5, got %f", overview.AverageScore)
	}
}
