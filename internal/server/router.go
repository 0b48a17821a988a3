package server

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"guardscan/internal/scan"
)

type API struct {
	auth    *Auth
	store   Store
	scans   ScanService
	reviews *ReviewManager
	obs     *Observability
}

func NewAPI(auth *Auth, store Store, scans ScanService, reviews *ReviewManager, obs *Observability) *API {
	return &API{
		auth:    auth,
		store:   store,
		scans:   scans,
		reviews: reviews,
		obs:     obs,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)

	mux.HandleFunc("POST /api/v1/auth/login", a.auth.HandleLogin)
	mux.HandleFunc("POST /api/v1/auth/logout", a.auth.HandleLogout)
	mux.HandleFunc("GET /api/v1/auth/me", a.auth.HandleMe)

	mux.Handle("POST /api/v1/runs", a.auth.RequireAdmin(http.HandlerFunc(a.handleCreateRun)))
	mux.Handle("GET /api/v1/runs", a.auth.Require(http.HandlerFunc(a.handleListRuns)))
	mux.Handle("GET /api/v1/runs/{id}", a.auth.Require(http.HandlerFunc(a.handleGetRun)))
	mux.Handle("GET /api/v1/runs/{id}/results", a.auth.Require(http.HandlerFunc(a.handleGetResults)))
	mux.Handle("GET /api/v1/runs/{id}/results.csv", a.auth.Require(http.HandlerFunc(a.handleExportCSV)))
	mux.Handle("GET /api/v1/runs/{id}/events", a.auth.Require(http.HandlerFunc(a.handleRunEventsSSE)))
	mux.Handle("POST /api/v1/runs/{id}/cancel", a.auth.RequireAdmin(http.HandlerFunc(a.handleCancelRun)))

	mux.Handle("POST /api/v1/results/{id}/review", a.auth.Require(http.HandlerFunc(a.handleReview)))

	mux.Handle("GET /api/v1/metrics/overview", a.auth.Require(http.HandlerFunc(a.handleOverview)))
	mux.Handle("GET /api/v1/audit", a.auth.RequireAdmin(http.HandlerFunc(a.handleAudit)))

	wrapped := otelhttp.NewHandler(mux, "scan-api-http")
	return withCORS(wrapped)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": nowRFC3339(),
	})
}

func (a *API) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("scan-api").Start(r.Context(), "runs.create")
	defer span.End()
	principal, _ := PrincipalFromContext(ctx)
	var req RunRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	span.SetAttributes(attribute.String("scan.model", req.Model))
	run, err := a.scans.CreateRun(req, principal, "api")
	if err != nil {
		span.RecordError(err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": run.ID,
		"status": run.Status,
	})
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs": a.store.ListRuns(limit),
	})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing run id")
		return
	}
	run, ok := a.store.GetRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *API) handleGetResults(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing run id")
		return
	}
	run, ok := a.store.GetRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	results := a.store.ListResults(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"scan_name":          run.ScanName,
		"overall_score":      run.Summary.OverallScore,
		"summary":            run.Summary,
		"detailed_results":   results,
		"status_by_category": statusByCategory(results),
	})
}

// statusByCategory folds a run's results into per-category status counts for
// dashboard charting.
func statusByCategory(results []scan.TestResult) map[string]map[string]int {
	out := map[string]map[string]int{}
	for _, result := range results {
		category := result.Category
		if category == "" {
			category = "general"
		}
		if out[category] == nil {
			out[category] = map[string]int{}
		}
		out[category][string(result.Status)]++
	}
	return out
}

func (a *API) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing run id")
		return
	}
	run, ok := a.store.GetRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s_results.csv", run.ID))
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{
		"result_id", "test_case_id", "category", "status", "reviewed",
		"triage_decision", "triage_reason", "payload", "response",
	})
	for _, result := range a.store.ListResults(id) {
		_ = writer.Write([]string{
			result.ID,
			result.TestCaseID,
			result.Category,
			string(result.Status),
			strconv.FormatBool(result.Reviewed),
			result.Risk.Triage.Decision,
			result.Risk.Triage.Reason,
			result.Payload,
			result.Response,
		})
	}
	writer.Flush()
}

func (a *API) handleRunEventsSSE(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing run id")
		return
	}
	if _, ok := a.store.GetRun(id); !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	cursor := parseCursor(r)
	send := func(events []RunEvent) {
		for _, event := range events {
			payload, marshalErr := json.Marshal(event)
			if marshalErr != nil {
				continue
			}
			fmt.Fprintf(w, "event: run_event\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			cursor = event.Seq
		}
		flusher.Flush()
	}
	send(a.store.ListRunEvents(id, cursor))

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events := a.store.ListRunEvents(id, cursor)
			if len(events) > 0 {
				send(events)
			} else {
				_, _ = fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			}
		}
	}
}

func (a *API) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing run id")
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	run, err := a.scans.CancelRun(id, principal)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": run.ID,
		"status": run.Status,
	})
}

func (a *API) handleReview(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("scan-api").Start(r.Context(), "results.review")
	defer span.End()
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing result id")
		return
	}
	principal, _ := PrincipalFromContext(ctx)
	var req ReviewRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, summary, err := a.reviews.SubmitReview(ctx, id, scan.Status(strings.ToUpper(strings.TrimSpace(req.Status))), principal)
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, ErrInvalidReviewStatus):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrResultNotFound):
			writeError(w, http.StatusNotFound, "result not found")
		case errors.Is(err, ErrReviewConflict):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":  result,
		"summary": summary,
	})
}

func (a *API) handleOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.GetMetricsOverview())
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"audit": a.store.ListAudit(200),
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
