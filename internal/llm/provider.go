package llm

import (
	"context"
	"errors"
	"fmt"
)

// Provider is the completion/embedding surface the generation pipeline needs.
// Implementations must classify failures via ProviderError so callers can
// distinguish transient provider trouble from permanent request errors.
type Provider interface {
	// Complete sends a system+user prompt pair and returns the raw model text.
	Complete(ctx context.Context, system, user string) (string, error)
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ProviderError describes a failed provider call. Transient errors (rate
// limits, 5xx, network trouble) are retried by the client; permanent ones
// (bad request, bad credentials) fail immediately.
type ProviderError struct {
	StatusCode int
	Transient  bool
	Body       string
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider request failed: %s", e.Body)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// IsTransient reports whether err is a provider error worth retrying.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}
