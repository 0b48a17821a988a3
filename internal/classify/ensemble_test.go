package classify

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubClassifier struct {
	name    string
	verdict Verdict
	err     error
	delay   time.Duration
	panics  bool
}

func (s stubClassifier) Name() string { return s.name }

func (s stubClassifier) Classify(ctx context.Context, input Input) (Verdict, error) {
	if s.panics {
		panic("boom")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Verdict{}, ctx.Err()
		}
	}
	return s.verdict, s.err
}

func TestEnsembleOneSlotPerClassifier(t *testing.T) {
	ensemble := NewEnsemble(time.Second,
		stubClassifier{name: "a", verdict: Verdict{Kind: KindMatch, Confidence: 0.9, Label: "x"}},
		stubClassifier{name: "b", verdict: Verdict{Kind: KindNoMatch, Confidence: 0.7, Label: LabelSafe}},
	)
	out := ensemble.Classify(context.Background(), Input{Response: "r"})
	if len(out) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(out))
	}
	if out["a"].Kind != KindMatch || out["b"].Kind != KindNoMatch {
		t.Fatalf("unexpected verdicts %+v", out)
	}
}

func TestEnsembleFailureIsolation(t *testing.T) {
	ensemble := NewEnsemble(100*time.Millisecond,
		stubClassifier{name: "fails", err: errors.New("no service")},
		stubClassifier{name: "panics", panics: true},
		stubClassifier{name: "slow", delay: 5 * time.Second, verdict: Verdict{Kind: KindMatch}},
		stubClassifier{name: "healthy", verdict: Verdict{Kind: KindNoMatch, Confidence: 0.8, Label: LabelSafe}},
	)
	out := ensemble.Classify(context.Background(), Input{Response: "r"})
	for _, name := range []string{"fails", "panics", "slow"} {
		if out[name].Kind != KindUnavailable {
			t.Fatalf("expected %s UNAVAILABLE, got %+v", name, out[name])
		}
	}
	if out["healthy"].Kind != KindNoMatch {
		t.Fatalf("sibling failure leaked into healthy classifier: %+v", out["healthy"])
	}
}

func TestEnsembleClampsConfidence(t *testing.T) {
	ensemble := NewEnsemble(time.Second,
		stubClassifier{name: "hot", verdict: Verdict{Kind: KindMatch, Confidence: 3.5, Label: "x"}},
	)
	out := ensemble.Classify(context.Background(), Input{})
	if out["hot"].Confidence != 1 {
		t.Fatalf("expected clamped confidence 1, got %f", out["hot"].Confidence)
	}
}

func TestEnsembleRejectsInvalidKind(t *testing.T) {
	ensemble := NewEnsemble(time.Second,
		stubClassifier{name: "weird", verdict: Verdict{Kind: Kind("MAYBE")}},
	)
	out := ensemble.Classify(context.Background(), Input{})
	if out["weird"].Kind != KindUnavailable {
		t.Fatalf("expected invalid kind mapped to UNAVAILABLE, got %+v", out["weird"])
	}
}
