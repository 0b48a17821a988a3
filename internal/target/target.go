package target

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"guardscan/internal/llmapi"
)

// Target is the "send prompt, get text" capability of the system under test.
type Target interface {
	Send(ctx context.Context, prompt string) (string, error)
}

// SimModelID short-circuits the network entirely: the CLI and CI runs use it
// to exercise the full pipeline against deterministic responses.
const SimModelID = "guardscan-sim"

// TransportError marks any failure talking to the target endpoint: timeout,
// non-2xx status, or a malformed body. Retries happen inside the adapter;
// a surfaced TransportError means retries were already exhausted.
type TransportError struct {
	Summary string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return e.Summary + ": " + e.Err.Error()
	}
	return e.Summary
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func AsTransportError(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

type Config struct {
	Endpoint    string
	APIKey      string
	Model       string
	CallTimeout time.Duration
	MaxAttempts int
}

// New returns the adapter for the configured model, routing the reserved sim
// model id to the in-process simulator.
func New(cfg Config) (Target, error) {
	if cfg.Model == SimModelID {
		return &SimTarget{}, nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("target endpoint is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("target api key is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &HTTPTarget{
		client: llmapi.NewClient(llmapi.Config{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Timeout:  cfg.CallTimeout,
		}),
		model:       cfg.Model,
		callTimeout: cfg.CallTimeout,
		maxAttempts: cfg.MaxAttempts,
	}, nil
}

type HTTPTarget struct {
	client      *llmapi.Client
	model       string
	callTimeout time.Duration
	maxAttempts int
}

func (t *HTTPTarget) Send(ctx context.Context, prompt string) (string, error) {
	operation := func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, t.callTimeout)
		defer cancel()
		text, err := t.client.Complete(callCtx, t.model, prompt)
		if err != nil {
			if !retryable(err) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return text, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 8 * time.Second

	text, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(t.maxAttempts)),
	)
	if err != nil {
		return "", &TransportError{
			Summary: summarize(err),
			Err:     err,
		}
	}
	return text, nil
}

// retryable reports whether another attempt could plausibly succeed. Client
// errors other than 429 indicate misconfiguration and are surfaced at once.
func retryable(err error) bool {
	if apiErr, ok := llmapi.IsAPIError(err); ok {
		if apiErr.StatusCode == 429 {
			return true
		}
		return apiErr.StatusCode >= 500
	}
	// Network failures, timeouts and malformed bodies are worth one more try.
	return true
}

func summarize(err error) string {
	if apiErr, ok := llmapi.IsAPIError(err); ok {
		return fmt.Sprintf("target api status %d", apiErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "target call timed out"
	}
	return "target call failed"
}

// SimTarget answers deterministically without touching the network. A prompt
// containing the [sim:comply] marker gets a cooperative answer so catalogs
// can exercise the multi-turn path; everything else is refused.
type SimTarget struct{}

func (s *SimTarget) Send(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &TransportError{Summary: "target call cancelled", Err: err}
	}
	if strings.Contains(strings.ToLower(prompt), "[sim:comply]") {
		return "I understand. Here is the information you asked for.", nil
	}
	return "I can't help with that request.", nil
}
