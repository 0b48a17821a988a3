package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"guardscan/internal/scan"
)

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) CreateRun(run scan.Run) error {
	summary, _ := json.Marshal(run.Summary)
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO runs (run_id,scan_name,model,endpoint,status,created_at,summary)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		run.ID, run.ScanName, run.Model, run.Endpoint, run.Status, run.CreatedAt, summary)
	return err
}

func (s *PgStore) UpdateRun(runID string, mutate func(*scan.Run)) (scan.Run, error) {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return scan.Run{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT run_id,scan_name,model,endpoint,status,created_at,started_at,finished_at,error,summary
		 FROM runs WHERE run_id=$1 FOR UPDATE`, runID)
	run, err := scanRun(row)
	if err != nil {
		return scan.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if mutate != nil {
		mutate(&run)
	}
	summary, _ := json.Marshal(run.Summary)
	_, err = tx.Exec(ctx,
		`UPDATE runs SET status=$1,started_at=$2,finished_at=$3,error=$4,summary=$5 WHERE run_id=$6`,
		run.Status, nullStr(run.StartedAt), nullStr(run.FinishedAt), nullStr(run.Error), summary, runID)
	if err != nil {
		return scan.Run{}, err
	}
	return run, tx.Commit(ctx)
}

func (s *PgStore) GetRun(runID string) (scan.Run, bool) {
	row := s.pool.QueryRow(context.Background(),
		`SELECT run_id,scan_name,model,endpoint,status,created_at,started_at,finished_at,error,summary
		 FROM runs WHERE run_id=$1`, runID)
	run, err := scanRun(row)
	if err != nil {
		return scan.Run{}, false
	}
	return run, true
}

func (s *PgStore) ListRuns(limit int) []scan.Run {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT run_id,scan_name,model,endpoint,status,created_at,started_at,finished_at,error,summary
		 FROM runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return []scan.Run{}
	}
	defer rows.Close()
	out := []scan.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			continue
		}
		out = append(out, run)
	}
	return out
}

func (s *PgStore) InsertResult(result scan.TestResult) error {
	outputs, _ := json.Marshal(result.ClassifierOutputs)
	risk, _ := json.Marshal(result.Risk)
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO results (result_id,run_id,test_case_id,category,payload,response,status,classifier_outputs,risk_profile,reviewed,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		result.ID, result.RunID, result.TestCaseID, result.Category, result.Payload,
		result.Response, result.Status, outputs, risk, result.Reviewed, result.CreatedAt)
	return err
}

func (s *PgStore) GetResult(resultID string) (scan.TestResult, bool) {
	row := s.pool.QueryRow(context.Background(),
		`SELECT result_id,run_id,test_case_id,category,payload,response,status,classifier_outputs,risk_profile,reviewed,created_at
		 FROM results WHERE result_id=$1`, resultID)
	result, err := scanResult(row)
	if err != nil {
		return scan.TestResult{}, false
	}
	return result, true
}

func (s *PgStore) ListResults(runID string) []scan.TestResult {
	rows, err := s.pool.Query(context.Background(),
		`SELECT result_id,run_id,test_case_id,category,payload,response,status,classifier_outputs,risk_profile,reviewed,created_at
		 FROM results WHERE run_id=$1 ORDER BY test_case_id`, runID)
	if err != nil {
		return []scan.TestResult{}
	}
	defer rows.Close()
	out := []scan.TestResult{}
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			continue
		}
		out = append(out, result)
	}
	return out
}

func (s *PgStore) ReviewResult(resultID string, status scan.Status) (scan.TestResult, error) {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return scan.TestResult{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT result_id,run_id,test_case_id,category,payload,response,status,classifier_outputs,risk_profile,reviewed,created_at
		 FROM results WHERE result_id=$1 FOR UPDATE`, resultID)
	result, err := scanResult(row)
	if err != nil {
		return scan.TestResult{}, fmt.Errorf("%w: %s", ErrResultNotFound, resultID)
	}
	if result.Status != scan.StatusPendingReview {
		return scan.TestResult{}, fmt.Errorf("%w: %s is %s", ErrReviewConflict, resultID, result.Status)
	}
	result.Status = status
	result.Reviewed = true
	if _, err := tx.Exec(ctx,
		`UPDATE results SET status=$1, reviewed=TRUE WHERE result_id=$2`,
		result.Status, resultID); err != nil {
		return scan.TestResult{}, err
	}
	return result, tx.Commit(ctx)
}

func (s *PgStore) RecalculateSummary(runID string) (scan.Summary, error) {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return scan.Summary{}, err
	}
	defer tx.Rollback(ctx)

	// lock the run row so concurrent reviews serialize the recompute
	var exists string
	if err := tx.QueryRow(ctx, `SELECT run_id FROM runs WHERE run_id=$1 FOR UPDATE`, runID).Scan(&exists); err != nil {
		return scan.Summary{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	rows, err := tx.Query(ctx, `SELECT status FROM results WHERE run_id=$1`, runID)
	if err != nil {
		return scan.Summary{}, err
	}
	var statuses []scan.Status
	for rows.Next() {
		var status string
		if rows.Scan(&status) != nil {
			continue
		}
		statuses = append(statuses, scan.Status(status))
	}
	rows.Close()
	summary := scan.CalculateSummary(statuses)
	data, _ := json.Marshal(summary)
	if _, err := tx.Exec(ctx, `UPDATE runs SET summary=$1 WHERE run_id=$2`, data, runID); err != nil {
		return scan.Summary{}, err
	}
	return summary, tx.Commit(ctx)
}

func (s *PgStore) AppendRunEvent(runID string, stage, message string, data map[string]any) (RunEvent, error) {
	var dataJSON []byte
	if data != nil {
		dataJSON, _ = json.Marshal(data)
	}
	var seq int64
	var ts time.Time
	err := s.pool.QueryRow(context.Background(),
		`INSERT INTO run_events (run_id, seq, stage, message, data)
		 VALUES ($1, COALESCE((SELECT MAX(seq) FROM run_events WHERE run_id=$1),0)+1, $2, $3, $4)
		 RETURNING seq, timestamp`, runID, stage, message, dataJSON).Scan(&seq, &ts)
	if err != nil {
		return RunEvent{}, err
	}
	return RunEvent{
		Seq:       seq,
		Timestamp: ts.UTC().Format(time.RFC3339),
		Stage:     stage,
		Message:   message,
		Data:      data,
	}, nil
}

func (s *PgStore) ListRunEvents(runID string, sinceSeq int64) []RunEvent {
	rows, err := s.pool.Query(context.Background(),
		`SELECT seq, timestamp, stage, message, data
		 FROM run_events WHERE run_id=$1 AND seq>$2 ORDER BY seq`, runID, sinceSeq)
	if err != nil {
		return []RunEvent{}
	}
	defer rows.Close()
	out := []RunEvent{}
	for rows.Next() {
		var e RunEvent
		var ts time.Time
		var dataJSON []byte
		if err := rows.Scan(&e.Seq, &ts, &e.Stage, &e.Message, &dataJSON); err != nil {
			continue
		}
		e.Timestamp = ts.UTC().Format(time.RFC3339)
		if len(dataJSON) > 0 {
			_ = json.Unmarshal(dataJSON, &e.Data)
		}
		out = append(out, e)
	}
	return out
}

func (s *PgStore) AppendAudit(event AuditEvent) error {
	if strings.TrimSpace(event.Timestamp) == "" {
		event.Timestamp = nowRFC3339()
	}
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO audit_events (timestamp,run_id,result_id,actor_type,actor_sub,action,result,detail)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		event.Timestamp, nullStr(event.RunID), nullStr(event.ResultID), event.ActorType,
		nullStr(event.ActorSub), event.Action, event.Result, nullStr(event.Detail))
	return err
}

func (s *PgStore) ListAudit(limit int) []AuditEvent {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT timestamp,run_id,result_id,actor_type,actor_sub,action,result,detail
		 FROM audit_events ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return []AuditEvent{}
	}
	defer rows.Close()
	out := []AuditEvent{}
	for rows.Next() {
		var a AuditEvent
		var ts time.Time
		var runID, resultID, actorSub, detail *string
		if err := rows.Scan(&ts, &runID, &resultID, &a.ActorType, &actorSub, &a.Action, &a.Result, &detail); err != nil {
			continue
		}
		a.Timestamp = ts.UTC().Format(time.RFC3339)
		a.RunID = deref(runID)
		a.ResultID = deref(resultID)
		a.ActorSub = deref(actorSub)
		a.Detail = deref(detail)
		out = append(out, a)
	}
	return out
}

func (s *PgStore) GetMetricsOverview() MetricsOverview {
	overview := MetricsOverview{
		GeneratedAt:        nowRFC3339(),
		FailuresByCategory: map[string]int{},
	}
	_ = s.pool.QueryRow(context.Background(),
		`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('queued','running')),
			COUNT(*) FILTER (WHERE status='completed'),
			COUNT(*) FILTER (WHERE status='failed'),
			COUNT(*) FILTER (WHERE status='cancelled')
		 FROM runs`).Scan(
		&overview.TotalRuns, &overview.ActiveRuns, &overview.CompletedRuns,
		&overview.FailedRuns, &overview.CancelledRuns)

	_ = s.pool.QueryRow(context.Background(),
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE status='PENDING_REVIEW') FROM results`).Scan(
		&overview.TotalResults, &overview.PendingReviews)

	_ = s.pool.QueryRow(context.Background(),
		`SELECT COALESCE(AVG((summary->>'overall_score')::float8),0)
		 FROM runs WHERE status='completed'`).Scan(&overview.AverageScore)

	rows, err := s.pool.Query(context.Background(),
		`SELECT category, COUNT(*) FROM results WHERE status='FAIL' GROUP BY category`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var category string
			var count int
			if rows.Scan(&category, &count) == nil {
				overview.FailuresByCategory[category] = count
			}
		}
	}
	return overview
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (scan.Run, error) {
	var r scan.Run
	var summaryJSON []byte
	var startedAt, finishedAt, errStr *string
	err := row.Scan(&r.ID, &r.ScanName, &r.Model, &r.Endpoint, &r.Status,
		&r.CreatedAt, &startedAt, &finishedAt, &errStr, &summaryJSON)
	if err != nil {
		return scan.Run{}, err
	}
	r.StartedAt = deref(startedAt)
	r.FinishedAt = deref(finishedAt)
	r.Error = deref(errStr)
	_ = json.Unmarshal(summaryJSON, &r.Summary)
	return r, nil
}

func scanResult(row scannable) (scan.TestResult, error) {
	var r scan.TestResult
	var outputsJSON, riskJSON []byte
	var status string
	err := row.Scan(&r.ID, &r.RunID, &r.TestCaseID, &r.Category, &r.Payload,
		&r.Response, &status, &outputsJSON, &riskJSON, &r.Reviewed, &r.CreatedAt)
	if err != nil {
		return scan.TestResult{}, err
	}
	r.Status = scan.Status(status)
	_ = json.Unmarshal(outputsJSON, &r.ClassifierOutputs)
	_ = json.Unmarshal(riskJSON, &r.Risk)
	return r, nil
}

func nullStr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Ensure PgStore implements Store at compile time.
var _ Store = (*PgStore)(nil)
