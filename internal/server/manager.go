package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"guardscan/internal/catalog"
	"guardscan/internal/classify"
	"guardscan/internal/scan"
	"guardscan/internal/target"
)

// ScanManager owns the run queue. A fixed pool of workers drains it; each
// worker executes one run at a time with bounded per-case concurrency.
type ScanManager struct {
	cfg   ServerConfig
	store Store
	obs   *Observability
	queue chan queuedRun
	wg    sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	// overridable in tests
	newTarget func(target.Config) (target.Target, error)
	ensemble  *classify.Ensemble
}

type ScanService interface {
	CreateRun(request RunRequest, principal Principal, source string) (scan.Run, error)
	CancelRun(runID string, principal Principal) (scan.Run, error)
}

type queuedRun struct {
	RunID   string
	Request RunRequest
	Creator Principal
	Source  string
}

func NewScanManager(cfg ServerConfig, store Store, obs *Observability) *ScanManager {
	maxParallel := cfg.Scan.MaxParallelRuns
	if maxParallel <= 0 {
		maxParallel = 2
	}
	manager := &ScanManager{
		cfg:       cfg,
		store:     store,
		obs:       obs,
		queue:     make(chan queuedRun, maxParallel*8),
		cancels:   map[string]context.CancelFunc{},
		newTarget: target.New,
		ensemble:  BuildEnsemble(cfg.Classifiers),
	}
	for i := 0; i < maxParallel; i++ {
		manager.wg.Add(1)
		go func() {
			defer manager.wg.Done()
			manager.worker()
		}()
	}
	return manager
}

// BuildEnsemble assembles the classifier set from configuration. The
// heuristic classifier is on unless disabled; the probe, safety and judge
// classifiers join when their endpoints are configured.
func BuildEnsemble(cfg ClassifiersConfig) *classify.Ensemble {
	callTimeout := time.Duration(cfg.CallTimeoutSec) * time.Second
	var classifiers []classify.Classifier
	if !cfg.Heuristic.Disabled {
		classifiers = append(classifiers, classify.NewHeuristicClassifier())
	}
	if strings.TrimSpace(cfg.Probe.URL) != "" {
		classifiers = append(classifiers, classify.NewProbeClassifier(cfg.Probe.URL, callTimeout))
	}
	if strings.TrimSpace(cfg.Safety.Endpoint) != "" && strings.TrimSpace(cfg.Safety.Model) != "" {
		classifiers = append(classifiers, classify.NewSafetyClassifier(
			cfg.Safety.Endpoint, cfg.Safety.APIKey, cfg.Safety.Model, callTimeout))
	}
	if strings.TrimSpace(cfg.Judge.Endpoint) != "" && strings.TrimSpace(cfg.Judge.Model) != "" {
		classifiers = append(classifiers, classify.NewJudgeClassifier(
			cfg.Judge.Endpoint, cfg.Judge.APIKey, cfg.Judge.Model, callTimeout))
	}
	return classify.NewEnsemble(callTimeout, classifiers...)
}

func (m *ScanManager) Shutdown() {
	close(m.queue)
	m.wg.Wait()
}

func (m *ScanManager) CreateRun(request RunRequest, principal Principal, source string) (scan.Run, error) {
	request.ScanName = strings.TrimSpace(request.ScanName)
	if request.ScanName == "" {
		return scan.Run{}, errors.New("scan_name is required")
	}
	if strings.TrimSpace(request.Model) == "" {
		return scan.Run{}, errors.New("model_identifier is required")
	}
	if strings.TrimSpace(request.Endpoint) == "" {
		request.Endpoint = m.cfg.Target.Endpoint
	}
	if strings.TrimSpace(request.APIKey) == "" {
		request.APIKey = m.cfg.Target.APIKey
	}
	if strings.TrimSpace(request.CatalogPath) == "" {
		request.CatalogPath = m.cfg.Scan.CatalogPath
	}
	if request.Concurrency <= 0 {
		request.Concurrency = m.cfg.Scan.CaseConcurrency
	}
	if request.TimeoutSec <= 0 {
		request.TimeoutSec = m.cfg.Scan.DefaultTimeoutSec
	}
	runID, err := randomID("run")
	if err != nil {
		return scan.Run{}, err
	}
	run := scan.Run{
		ID:        runID,
		ScanName:  request.ScanName,
		Model:     request.Model,
		Endpoint:  request.Endpoint,
		Status:    scan.RunQueued,
		CreatedAt: nowRFC3339(),
	}
	if err := m.store.CreateRun(run); err != nil {
		return scan.Run{}, err
	}
	_, _ = m.store.AppendRunEvent(runID, "queue", "run queued", map[string]any{
		"source": source,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     runID,
		ActorType: principal.Role,
		ActorSub:  principal.Subject,
		Action:    "run.create",
		Result:    scan.RunQueued,
	})
	m.queue <- queuedRun{
		RunID:   runID,
		Request: request,
		Creator: principal,
		Source:  source,
	}
	return run, nil
}

// CancelRun stops an active run. Cases already in flight finish their
// current network call and are recorded as ERROR with a cancellation
// reason; nothing new starts afterwards.
func (m *ScanManager) CancelRun(runID string, principal Principal) (scan.Run, error) {
	run, ok := m.store.GetRun(runID)
	if !ok {
		return scan.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	switch run.Status {
	case scan.RunCompleted, scan.RunFailed, scan.RunCancelled:
		return scan.Run{}, fmt.Errorf("run %s already finished (%s)", runID, run.Status)
	}

	m.mu.Lock()
	cancel, active := m.cancels[runID]
	m.mu.Unlock()

	if active {
		cancel()
	} else {
		// still queued: mark it cancelled so the worker skips it
		run, _ = m.store.UpdateRun(runID, func(r *scan.Run) {
			r.Status = scan.RunCancelled
			r.FinishedAt = nowRFC3339()
		})
	}
	_, _ = m.store.AppendRunEvent(runID, "cancel", "cancellation requested", nil)
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     runID,
		ActorType: principal.Role,
		ActorSub:  principal.Subject,
		Action:    "run.cancel",
		Result:    "requested",
	})
	return run, nil
}

func (m *ScanManager) worker() {
	for queued := range m.queue {
		if run, ok := m.store.GetRun(queued.RunID); ok && run.Status == scan.RunCancelled {
			continue
		}
		m.executeRun(queued)
	}
}

func (m *ScanManager) executeRun(queued queuedRun) {
	runID := queued.RunID
	_, _ = m.store.UpdateRun(runID, func(r *scan.Run) {
		r.Status = scan.RunRunning
		r.StartedAt = nowRFC3339()
	})
	_, _ = m.store.AppendRunEvent(runID, "start", "run started", nil)

	cases, err := catalog.Load(queued.Request.CatalogPath)
	if err != nil {
		m.failRun(runID, fmt.Sprintf("load catalog: %v", err))
		return
	}
	tgt, err := m.newTarget(target.Config{
		Endpoint:    queued.Request.Endpoint,
		APIKey:      queued.Request.APIKey,
		Model:       queued.Request.Model,
		CallTimeout: time.Duration(m.cfg.Target.CallTimeoutSec) * time.Second,
		MaxAttempts: m.cfg.Target.MaxAttempts,
	})
	if err != nil {
		m.failRun(runID, fmt.Sprintf("configure target: %v", err))
		return
	}

	runTimeout := time.Duration(queued.Request.TimeoutSec) * time.Second
	runCtx, cancel := context.WithTimeout(context.Background(), runTimeout)
	m.mu.Lock()
	m.cancels[runID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, runID)
		m.mu.Unlock()
		cancel()
	}()

	// an in-flight case survives run cancellation; this bounds how long
	caseBudget := 4 * time.Duration(m.cfg.Target.CallTimeoutSec) * time.Second

	group, _ := errgroup.WithContext(context.Background())
	group.SetLimit(queued.Request.Concurrency)
	for _, tc := range cases {
		if runCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			if runCtx.Err() != nil {
				return nil
			}
			m.executeCase(runCtx, caseBudget, runID, tc, tgt)
			return nil
		})
	}
	_ = group.Wait()

	summary, err := m.store.RecalculateSummary(runID)
	if err != nil {
		slog.Error("recalculate run summary", "run_id", runID, "error", err)
	}

	finalStatus := scan.RunCompleted
	if runCtx.Err() != nil {
		finalStatus = scan.RunCancelled
	}
	_, _ = m.store.UpdateRun(runID, func(r *scan.Run) {
		r.Status = finalStatus
		r.FinishedAt = nowRFC3339()
		r.Summary = summary
	})
	_, _ = m.store.AppendRunEvent(runID, "completed", "run finished", map[string]any{
		"status":        finalStatus,
		"overall_score": summary.OverallScore,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     runID,
		ActorType: queued.Creator.Role,
		ActorSub:  queued.Creator.Subject,
		Action:    "run.finished",
		Result:    finalStatus,
		Detail:    fmt.Sprintf("score=%.3f total=%d", summary.OverallScore, summary.Total),
	})
	m.obs.MarkRun(context.Background(), finalStatus)
}

func (m *ScanManager) executeCase(runCtx context.Context, caseBudget time.Duration, runID string, tc catalog.TestCase, tgt target.Target) {
	caseCtx, caseCancel := context.WithTimeout(context.WithoutCancel(runCtx), caseBudget)
	defer caseCancel()
	start := time.Now()

	transcript := scan.ExecuteCase(caseCtx, tc, tgt)
	outputs := map[string]classify.Verdict{}
	failure := transcript.TransportFailure
	switch {
	case failure != nil:
	case runCtx.Err() != nil:
		// the run was cancelled (or timed out) while this case was in
		// flight; keep the transcript but do not classify it
		failure = &target.TransportError{Summary: "run cancelled", Err: runCtx.Err()}
	default:
		final := transcript.FinalTurn()
		outputs = m.ensemble.Classify(caseCtx, classify.Input{
			Category: tc.Category,
			Prompt:   final.Prompt,
			Response: final.Response,
		})
	}
	status, risk := scan.Aggregate(outputs, failure)

	resultID, err := randomID("res")
	if err != nil {
		slog.Error("generate result id", "run_id", runID, "error", err)
		return
	}
	result := scan.TestResult{
		ID:                resultID,
		RunID:             runID,
		TestCaseID:        tc.ID,
		Category:          tc.Category,
		Payload:           scan.CombinedPayload(transcript),
		Response:          scan.CombinedResponse(transcript),
		Status:            status,
		ClassifierOutputs: outputs,
		Risk:              risk,
		CreatedAt:         nowRFC3339(),
	}
	if transcript.Failed() {
		result.Payload = tc.Payload
		result.Response = ""
	}
	if err := m.store.InsertResult(result); err != nil {
		slog.Error("insert result", "run_id", runID, "test_case", tc.ID, "error", err)
		return
	}
	_, _ = m.store.AppendRunEvent(runID, "case_result", "test case finished", map[string]any{
		"test_case_id": tc.ID,
		"status":       string(status),
		"duration_ms":  time.Since(start).Milliseconds(),
	})
	m.obs.MarkCase(caseCtx, string(status), time.Since(start).Milliseconds())
	for name, verdict := range outputs {
		if verdict.Kind == classify.KindUnavailable {
			m.obs.MarkClassifierUnavailable(caseCtx, name)
		}
	}
}

func (m *ScanManager) failRun(runID, message string) {
	_, _ = m.store.UpdateRun(runID, func(r *scan.Run) {
		r.Status = scan.RunFailed
		r.Error = message
		r.FinishedAt = nowRFC3339()
	})
	_, _ = m.store.AppendRunEvent(runID, "error", message, nil)
	m.obs.MarkRun(context.Background(), scan.RunFailed)
}

func randomID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}
