package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"guardscan/internal/scan"
)

var (
	ErrRunNotFound    = errors.New("run not found")
	ErrResultNotFound = errors.New("result not found")

	// ErrReviewConflict means the result already holds a final status and
	// cannot be overridden.
	ErrReviewConflict = errors.New("result is not pending review")
)

type Store interface {
	CreateRun(run scan.Run) error
	UpdateRun(runID string, mutate func(*scan.Run)) (scan.Run, error)
	GetRun(runID string) (scan.Run, bool)
	ListRuns(limit int) []scan.Run

	InsertResult(result scan.TestResult) error
	GetResult(resultID string) (scan.TestResult, bool)
	ListResults(runID string) []scan.TestResult

	// ReviewResult flips a PENDING_REVIEW result to the reviewed status and
	// marks it reviewed, atomically. Any other starting status is a conflict.
	ReviewResult(resultID string, status scan.Status) (scan.TestResult, error)

	// RecalculateSummary recomputes the run's summary from its results'
	// current statuses and persists it on the run.
	RecalculateSummary(runID string) (scan.Summary, error)

	AppendRunEvent(runID string, stage, message string, data map[string]any) (RunEvent, error)
	ListRunEvents(runID string, sinceSeq int64) []RunEvent
	AppendAudit(event AuditEvent) error
	ListAudit(limit int) []AuditEvent
	GetMetricsOverview() MetricsOverview
}

// MemoryStore keeps everything in process, with an optional JSON snapshot on
// disk so a restart does not lose history. It backs the CLI and tests; the
// API server normally runs on PgStore.
type MemoryStore struct {
	mu      sync.RWMutex
	path    string
	runs    map[string]scan.Run
	results map[string]scan.TestResult
	byRun   map[string][]string
	events  map[string][]RunEvent
	audit   []AuditEvent
	nextSeq map[string]int64
}

func NewMemoryStore(path string) (*MemoryStore, error) {
	store := &MemoryStore{
		path:    path,
		runs:    map[string]scan.Run{},
		results: map[string]scan.TestResult{},
		byRun:   map[string][]string{},
		events:  map[string][]RunEvent{},
		audit:   []AuditEvent{},
		nextSeq: map[string]int64{},
	}
	if strings.TrimSpace(path) == "" {
		return store, nil
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MemoryStore) CreateRun(run scan.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run
	if _, ok := s.events[run.ID]; !ok {
		s.events[run.ID] = []RunEvent{}
	}
	if _, ok := s.nextSeq[run.ID]; !ok {
		s.nextSeq[run.ID] = 1
	}
	return s.persistLocked()
}

func (s *MemoryStore) UpdateRun(runID string, mutate func(*scan.Run)) (scan.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return scan.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if mutate != nil {
		mutate(&run)
	}
	s.runs[runID] = run
	if err := s.persistLocked(); err != nil {
		return scan.Run{}, err
	}
	return run, nil
}

func (s *MemoryStore) GetRun(runID string) (scan.Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	return run, ok
}

func (s *MemoryStore) ListRuns(limit int) []scan.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scan.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) InsertResult(result scan.TestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[result.RunID]; !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, result.RunID)
	}
	if _, exists := s.results[result.ID]; exists {
		return fmt.Errorf("result %s already exists", result.ID)
	}
	s.results[result.ID] = result
	s.byRun[result.RunID] = append(s.byRun[result.RunID], result.ID)
	return s.persistLocked()
}

func (s *MemoryStore) GetResult(resultID string) (scan.TestResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[resultID]
	return result, ok
}

func (s *MemoryStore) ListResults(runID string) []scan.TestResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byRun[runID]
	out := make([]scan.TestResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.results[id])
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TestCaseID < out[j].TestCaseID
	})
	return out
}

func (s *MemoryStore) ReviewResult(resultID string, status scan.Status) (scan.TestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[resultID]
	if !ok {
		return scan.TestResult{}, fmt.Errorf("%w: %s", ErrResultNotFound, resultID)
	}
	if result.Status != scan.StatusPendingReview {
		return scan.TestResult{}, fmt.Errorf("%w: %s is %s", ErrReviewConflict, resultID, result.Status)
	}
	result.Status = status
	result.Reviewed = true
	s.results[resultID] = result
	if err := s.persistLocked(); err != nil {
		return scan.TestResult{}, err
	}
	return result, nil
}

func (s *MemoryStore) RecalculateSummary(runID string) (scan.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return scan.Summary{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	statuses := make([]scan.Status, 0, len(s.byRun[runID]))
	for _, id := range s.byRun[runID] {
		statuses = append(statuses, s.results[id].Status)
	}
	run.Summary = scan.CalculateSummary(statuses)
	s.runs[runID] = run
	if err := s.persistLocked(); err != nil {
		return scan.Summary{}, err
	}
	return run.Summary, nil
}

func (s *MemoryStore) AppendRunEvent(runID string, stage, message string, data map[string]any) (RunEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return RunEvent{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	seq := s.nextSeq[runID]
	if seq < 1 {
		seq = 1
	}
	event := RunEvent{
		Seq:       seq,
		Timestamp: nowRFC3339(),
		Stage:     stage,
		Message:   message,
		Data:      cloneMap(data),
	}
	s.nextSeq[runID] = seq + 1
	s.events[runID] = append(s.events[runID], event)
	if err := s.persistLocked(); err != nil {
		return RunEvent{}, err
	}
	return event, nil
}

func (s *MemoryStore) ListRunEvents(runID string, sinceSeq int64) []RunEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[runID]
	if len(events) == 0 {
		return []RunEvent{}
	}
	out := make([]RunEvent, 0, len(events))
	for _, event := range events {
		if event.Seq > sinceSeq {
			out = append(out, event)
		}
	}
	return out
}

func (s *MemoryStore) AppendAudit(event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(event.Timestamp) == "" {
		event.Timestamp = nowRFC3339()
	}
	s.audit = append(s.audit, event)
	if len(s.audit) > 5000 {
		s.audit = s.audit[len(s.audit)-5000:]
	}
	return s.persistLocked()
}

func (s *MemoryStore) ListAudit(limit int) []AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.audit) == 0 {
		return []AuditEvent{}
	}
	out := make([]AuditEvent, len(s.audit))
	copy(out, s.audit)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) GetMetricsOverview() MetricsOverview {
	s.mu.RLock()
	defer s.mu.RUnlock()
	overview := MetricsOverview{
		GeneratedAt:        nowRFC3339(),
		FailuresByCategory: map[string]int{},
	}
	var scoreTotal float64
	scored := 0
	for _, run := range s.runs {
		overview.TotalRuns++
		switch run.Status {
		case scan.RunQueued, scan.RunRunning:
			overview.ActiveRuns++
		case scan.RunCompleted:
			overview.CompletedRuns++
			scoreTotal += run.Summary.OverallScore
			scored++
		case scan.RunFailed:
			overview.FailedRuns++
		case scan.RunCancelled:
			overview.CancelledRuns++
		}
	}
	for _, result := range s.results {
		overview.TotalResults++
		switch result.Status {
		case scan.StatusPendingReview:
			overview.PendingReviews++
		case scan.StatusFail:
			overview.FailuresByCategory[result.Category]++
		}
	}
	if scored > 0 {
		overview.AverageScore = scoreTotal / float64(scored)
	}
	return overview
}

type storeSnapshot struct {
	Runs    []scan.Run            `json:"runs"`
	Results []scan.TestResult     `json:"results"`
	Events  map[string][]RunEvent `json:"events"`
	Audit   []AuditEvent          `json:"audit"`
}

func (s *MemoryStore) load() error {
	data, err := os.ReadFile(filepath.Clean(s.path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read store snapshot: %w", err)
	}
	var snapshot storeSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode store snapshot: %w", err)
	}
	for _, run := range snapshot.Runs {
		s.runs[run.ID] = run
	}
	for _, result := range snapshot.Results {
		s.results[result.ID] = result
		s.byRun[result.RunID] = append(s.byRun[result.RunID], result.ID)
	}
	for runID, events := range snapshot.Events {
		s.events[runID] = events
		maxSeq := int64(0)
		for _, event := range events {
			if event.Seq > maxSeq {
				maxSeq = event.Seq
			}
		}
		s.nextSeq[runID] = maxSeq + 1
	}
	s.audit = snapshot.Audit
	return nil
}

func (s *MemoryStore) persistLocked() error {
	if strings.TrimSpace(s.path) == "" {
		return nil
	}
	runs := make([]scan.Run, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt < runs[j].CreatedAt
	})
	results := make([]scan.TestResult, 0, len(s.results))
	for _, result := range s.results {
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].ID < results[j].ID
	})
	snapshot := storeSnapshot{
		Runs:    runs,
		Results: results,
		Events:  s.events,
		Audit:   s.audit,
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store snapshot: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write store temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace store snapshot: %w", err)
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
