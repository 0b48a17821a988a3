package server

import (
	"context"
	"errors"
	"fmt"

	"guardscan/internal/scan"
)

var ErrInvalidReviewStatus = errors.New("review status must be PASS or FAIL")

// ReviewManager applies human verdicts to results that the classifier
// ensemble could not decide. A successful review immediately recomputes the
// owning run's summary, so the score a reviewer sees afterwards is current.
type ReviewManager struct {
	store Store
	obs   *Observability
}

func NewReviewManager(store Store, obs *Observability) *ReviewManager {
	return &ReviewManager{store: store, obs: obs}
}

func (m *ReviewManager) SubmitReview(ctx context.Context, resultID string, status scan.Status, principal Principal) (scan.TestResult, scan.Summary, error) {
	if status != scan.StatusPass && status != scan.StatusFail {
		return scan.TestResult{}, scan.Summary{}, fmt.Errorf("%w: got %q", ErrInvalidReviewStatus, status)
	}
	result, err := m.store.ReviewResult(resultID, status)
	if err != nil {
		if errors.Is(err, ErrReviewConflict) {
			m.obs.MarkReview(ctx, "conflict")
			_ = m.store.AppendAudit(AuditEvent{
				Timestamp: nowRFC3339(),
				ResultID:  resultID,
				ActorType: principal.Role,
				ActorSub:  principal.Subject,
				Action:    "review.submit",
				Result:    "conflict",
			})
		}
		return scan.TestResult{}, scan.Summary{}, err
	}
	summary, err := m.store.RecalculateSummary(result.RunID)
	if err != nil {
		return scan.TestResult{}, scan.Summary{}, fmt.Errorf("recalculate summary: %w", err)
	}
	m.obs.MarkReview(ctx, "applied")
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     result.RunID,
		ResultID:  resultID,
		ActorType: principal.Role,
		ActorSub:  principal.Subject,
		Action:    "review.submit",
		Result:    string(status),
	})
	_, _ = m.store.AppendRunEvent(result.RunID, "review", "result reviewed", map[string]any{
		"result_id":     resultID,
		"status":        string(status),
		"overall_score": summary.OverallScore,
	})
	return result, summary, nil
}
