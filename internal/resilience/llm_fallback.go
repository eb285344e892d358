package resilience

import (
	"context"

	"github.com/routatel/trunkline/internal/fault"
	"github.com/routatel/trunkline/pkg/provider/llm"
	"github.com/routatel/trunkline/pkg/types"
)

// LLMFallback implements [llm.Provider] with automatic failover across
// multiple model backends. Each backend has its own circuit breaker; when the
// primary fails with a retryable fault or its breaker is open, the next
// healthy backend is tried inside the same turn.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend. When cfg.ShouldFallback is nil, failover happens only on
// retryable fault kinds; validation and permanent faults, and caller
// cancellation, propagate immediately.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.ShouldFallback == nil {
		cfg.ShouldFallback = func(err error) bool {
			return fault.KindOf(err).Retryable()
		}
	}
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional model backend. Backends are tried in
// the order they are added, after the primary.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete implements [llm.Provider.Complete] across the chain.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, _, err := f.CompleteVia(ctx, req)
	return resp, err
}

// CompleteVia is [LLMFallback.Complete] plus the name of the backend that
// served the call, for failover logging and per-model accounting.
func (f *LLMFallback) CompleteVia(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, string, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion implements [llm.Provider.StreamCompletion] across the
// chain. Only the initial connection attempt is covered by failover; once a
// stream is established, mid-stream errors are the caller's responsibility.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch, _, err := f.StreamVia(ctx, req)
	return ch, err
}

// StreamVia is [LLMFallback.StreamCompletion] plus the name of the backend
// that opened the stream.
func (f *LLMFallback) StreamVia(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, string, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// CountTokens delegates to the primary. Token estimation is a local
// computation; routing it through the group would record spurious breaker
// successes.
func (f *LLMFallback) CountTokens(messages []types.Message) (int, error) {
	return f.group.entries[0].value.CountTokens(messages)
}

// Model returns the primary backend's model identifier. Per-call attribution
// comes from [LLMFallback.CompleteVia] and [LLMFallback.StreamVia].
func (f *LLMFallback) Model() string {
	return f.group.entries[0].value.Model()
}

// Capabilities returns the primary backend's capabilities. Static metadata
// does not participate in failover.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	return f.group.entries[0].value.Capabilities()
}

// Snapshots returns the health counters of every backend's breaker, in
// registration order.
func (f *LLMFallback) Snapshots() []HealthSnapshot {
	return f.group.Snapshots()
}
