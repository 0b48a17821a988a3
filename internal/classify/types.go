package classify

import "context"

type Kind string

const (
	KindMatch       Kind = "MATCH"
	KindNoMatch     Kind = "NO_MATCH"
	KindUnavailable Kind = "UNAVAILABLE"
)

// LabelSafe is the one label a MATCH may carry without signalling an unsafe
// outcome; every other MATCH label means the classifier found the condition
// it screens for.
const LabelSafe = "safe"

// Verdict is the closed result variant every classifier reduces to. Keeping
// it closed (instead of an open score map) lets the aggregator's decision
// rules stay exhaustive.
type Verdict struct {
	Kind       Kind    `json:"kind"`
	Confidence float64 `json:"confidence"`
	Label      string  `json:"label,omitempty"`
	Detail     string  `json:"detail,omitempty"`
}

func (v Verdict) Definite() bool {
	return v.Kind == KindMatch || v.Kind == KindNoMatch
}

// Unsafe reports whether the verdict asserts an unsafe/vulnerable outcome.
func (v Verdict) Unsafe() bool {
	return v.Kind == KindMatch && v.Label != LabelSafe
}

func Unavailable(detail string) Verdict {
	return Verdict{Kind: KindUnavailable, Detail: detail}
}

func clampConfidence(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Input is the final turn of a completed transcript, the only part the
// ensemble classifies. The initial turn of a multi-turn exchange is kept on
// the transcript for diagnostics but is not re-classified.
type Input struct {
	Category string
	Prompt   string
	Response string
}

type Classifier interface {
	Name() string
	Classify(ctx context.Context, input Input) (Verdict, error)
}
