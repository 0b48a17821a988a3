package classify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Ensemble fans a transcript out to every registered classifier in parallel.
// Failure isolation is the core property: one classifier timing out or
// blowing up yields UNAVAILABLE for that slot only and never disturbs its
// siblings. The returned map always holds one slot per classifier.
type Ensemble struct {
	classifiers []Classifier
	callTimeout time.Duration
}

func NewEnsemble(callTimeout time.Duration, classifiers ...Classifier) *Ensemble {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Ensemble{
		classifiers: classifiers,
		callTimeout: callTimeout,
	}
}

func (e *Ensemble) Names() []string {
	names := make([]string, 0, len(e.classifiers))
	for _, c := range e.classifiers {
		names = append(names, c.Name())
	}
	return names
}

func (e *Ensemble) Size() int {
	return len(e.classifiers)
}

func (e *Ensemble) Classify(ctx context.Context, input Input) map[string]Verdict {
	verdicts := make([]Verdict, len(e.classifiers))
	var group errgroup.Group
	for i, classifier := range e.classifiers {
		group.Go(func() error {
			verdicts[i] = e.callOne(ctx, classifier, input)
			return nil
		})
	}
	_ = group.Wait()

	out := make(map[string]Verdict, len(e.classifiers))
	for i, classifier := range e.classifiers {
		out[classifier.Name()] = verdicts[i]
	}
	return out
}

func (e *Ensemble) callOne(ctx context.Context, classifier Classifier, input Input) (verdict Verdict) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("classifier panicked", "classifier", classifier.Name(), "panic", r)
			verdict = Unavailable(fmt.Sprintf("classifier panic: %v", r))
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	result, err := classifier.Classify(callCtx, input)
	if err != nil {
		slog.Warn("classifier unavailable", "classifier", classifier.Name(), "error", err)
		return Unavailable(err.Error())
	}
	if result.Kind != KindMatch && result.Kind != KindNoMatch && result.Kind != KindUnavailable {
		return Unavailable(fmt.Sprintf("invalid verdict kind %q", result.Kind))
	}
	result.Confidence = clampConfidence(result.Confidence)
	return result
}
