package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/pkg/provider/llm"
)

// ErrAllFailed is returned when every backend of a [Failover] failed or was
// skipped because its breaker was open.
var ErrAllFailed = errors.New("resilience: all providers failed")

// Backend is one named entry of a [Failover].
type Backend struct {
	Name     string
	Provider llm.Provider
}

// BackendStatus reports a backend's breaker state.
type BackendStatus struct {
	Name  string
	State State
}

type failoverEntry struct {
	name     string
	provider llm.Provider
	breaker  *CircuitBreaker
}

// Failover implements [llm.Provider] over an ordered list of backends. A
// request goes to the first backend whose breaker admits it; on failure the
// next one is tried. Cancellation stops the walk immediately.
//
// The error of the last backend actually called is wrapped together with
// [ErrAllFailed], so an overloaded last backend keeps the error retryable.
type Failover struct {
	entries []failoverEntry
}

var _ llm.Provider = (*Failover)(nil)

// NewFailover creates a [Failover] with primary first and fallbacks after it
// in order. Every backend gets its own breaker built from cfg.
func NewFailover(cfg BreakerConfig, primary Backend, fallbacks ...Backend) *Failover {
	f := &Failover{}
	for _, b := range append([]Backend{primary}, fallbacks...) {
		bc := cfg
		bc.Name = b.Name
		f.entries = append(f.entries, failoverEntry{
			name:     b.Name,
			provider: b.Provider,
			breaker:  NewCircuitBreaker(bc),
		})
	}
	return f
}

// Complete sends req to the first healthy backend.
func (f *Failover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var lastErr error
	for i := range f.entries {
		e := &f.entries[i]
		var resp *llm.CompletionResponse
		err := e.breaker.Execute(func() error {
			var callErr error
			resp, callErr = e.provider.Complete(ctx, clampRequest(req, e.provider))
			return callErr
		})
		if err == nil {
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider, circuit open", "provider", e.name)
			if lastErr == nil {
				lastErr = err
			}
			continue
		}
		slog.Warn("provider failed, trying next", "provider", e.name, "err", err)
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// CountTokens delegates to the primary backend.
func (f *Failover) CountTokens(messages []llm.Message) (int, error) {
	return f.entries[0].provider.CountTokens(messages)
}

// Capabilities returns the primary backend's capabilities.
func (f *Failover) Capabilities() llm.ModelCapabilities {
	return f.entries[0].provider.Capabilities()
}

// Status lists every backend with its breaker state, primary first.
func (f *Failover) Status() []BackendStatus {
	out := make([]BackendStatus, len(f.entries))
	for i, e := range f.entries {
		out[i] = BackendStatus{Name: e.name, State: e.breaker.State()}
	}
	return out
}

// Available reports whether at least one backend would accept a call.
func (f *Failover) Available() bool {
	for _, e := range f.entries {
		if e.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// clampRequest caps MaxTokens at what a fallback model can produce.
func clampRequest(req llm.CompletionRequest, p llm.Provider) llm.CompletionRequest {
	if limit := p.Capabilities().MaxOutputTokens; limit > 0 && req.MaxTokens > limit {
		req.MaxTokens = limit
	}
	return req
}
