// Package route selects the telephony and SMS provider for each outbound
// operation and tracks per-provider health.
//
// Every provider carries a sliding-window circuit breaker: once the failure
// threshold is reached inside the window the provider is degraded and
// skipped for a cooldown. Selection prefers the configured default, then
// the next healthy provider in registration order; when everything is
// degraded the least-recently-failed provider is returned so outbound
// traffic never stalls entirely. The keypad guard can pin a provider for a
// scope (one call) after a provider-specific DTMF failure, bypassing
// degradation for that scope until the pin expires.
package route

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/routatel/trunkline/internal/config"
	"github.com/routatel/trunkline/internal/fault"
	"github.com/routatel/trunkline/internal/observe"
	"github.com/routatel/trunkline/internal/resilience"
	"github.com/routatel/trunkline/internal/store"
	"github.com/routatel/trunkline/pkg/provider/telco"
	"github.com/routatel/trunkline/pkg/types"
)

// Config wires a Router.
type Config struct {
	// Default is the provider tried first when healthy.
	Default config.ProviderName

	// Route tunes the per-provider failure windows.
	Route config.RouteConfig

	// Health receives provider degradation and recovery rows. Optional.
	Health store.HealthStore

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

type entry struct {
	provider telco.Provider
	breaker  *resilience.CircuitBreaker
	lastFail time.Time
	degraded bool
}

type pin struct {
	provider string
	until    time.Time
}

// Router holds the configured providers and their health state. Safe for
// concurrent use.
type Router struct {
	def     string
	health  store.HealthStore
	metrics *observe.Metrics
	log     *slog.Logger
	breaker resilience.CircuitBreakerConfig
	now     func() time.Time

	mu      sync.Mutex
	order   []string
	entries map[string]*entry
	sms     map[string]telco.SMSProvider
	smsDef  string
	pins    map[string]pin
}

// New creates an empty router; wire providers with [Router.Register].
func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Router{
		def:     string(cfg.Default),
		health:  cfg.Health,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Route.ErrorThreshold,
			Window:           time.Duration(cfg.Route.ErrorWindowS) * time.Second,
			Cooldown:         time.Duration(cfg.Route.CooldownS) * time.Second,
		},
		now:     time.Now,
		entries: make(map[string]*entry),
		sms:     make(map[string]telco.SMSProvider),
		pins:    make(map[string]pin),
	}
}

// Register adds a configured call provider. Registration order is the
// failover order after the default.
func (r *Router) Register(p telco.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if _, ok := r.entries[name]; ok {
		return
	}
	bc := r.breaker
	bc.Name = "provider:" + name
	r.entries[name] = &entry{provider: p, breaker: resilience.NewCircuitBreaker(bc)}
	r.order = append(r.order, name)
	r.log.Info("route: provider registered", "provider", name, "order", len(r.order))
}

// RegisterSMS adds a configured SMS provider. The first registration is the
// default.
func (r *Router) RegisterSMS(p telco.SMSProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if _, ok := r.sms[name]; ok {
		return
	}
	r.sms[name] = p
	if r.smsDef == "" {
		r.smsDef = name
	}
}

// Get returns a provider by name for per-request overrides.
func (r *Router) Get(name string) (telco.Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// Pick selects the call provider for a new operation: the default when
// healthy, else the next registered healthy provider, else the
// least-recently-failed one so the process keeps trying something.
func (r *Router) Pick(ctx context.Context) (telco.Provider, error) {
	return r.PickFor(ctx, "")
}

// PickFor is [Router.Pick] honoring a scope pin installed by
// [Router.Pin]: while the pin lives, the pinned provider is returned even
// when degraded.
func (r *Router) PickFor(_ context.Context, scope string) (telco.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.order) == 0 {
		return nil, fault.New(fault.Internal, "no_providers", "no call providers are registered")
	}

	if scope != "" {
		if p, ok := r.pins[scope]; ok {
			if r.now().Before(p.until) {
				if e, ok := r.entries[p.provider]; ok {
					return e.provider, nil
				}
			} else {
				delete(r.pins, scope)
			}
		}
	}

	if e, ok := r.entries[r.def]; ok && e.breaker.Allow() {
		return e.provider, nil
	}
	for _, name := range r.order {
		if name == r.def {
			continue
		}
		if e := r.entries[name]; e.breaker.Allow() {
			if r.def != "" {
				r.log.Warn("route: default provider degraded, failing over",
					"default", r.def, "selected", name)
			}
			return e.provider, nil
		}
	}

	// Everything is inside a cooldown; pick the one that failed longest ago
	// to preserve liveness.
	var best *entry
	for _, name := range r.order {
		e := r.entries[name]
		if best == nil || e.lastFail.Before(best.lastFail) {
			best = e
		}
	}
	r.log.Warn("route: all providers degraded, selecting least recently failed",
		"selected", best.provider.Name())
	return best.provider, nil
}

// PickSMS selects the SMS provider.
func (r *Router) PickSMS(context.Context) (telco.SMSProvider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.smsDef == "" {
		return nil, fault.New(fault.Internal, "no_sms_providers", "no sms providers are registered")
	}
	return r.sms[r.smsDef], nil
}

// Pin routes every PickFor with the given scope to provider for ttl,
// bypassing health state. Used by the keypad guard after a
// provider-specific DTMF failure.
func (r *Router) Pin(scope, provider string, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pins[scope] = pin{provider: provider, until: r.now().Add(ttl)}
	r.log.Info("route: provider pinned", "scope", scope, "provider", provider, "ttl", ttl)
}

// Unpin drops the pin for scope, if any. Call teardown uses it so pins do
// not accumulate.
func (r *Router) Unpin(scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pins, scope)
}

// ReportSuccess records a successful provider operation, closing its
// breaker. Recovery from a degraded state is logged as a health event.
func (r *Router) ReportSuccess(ctx context.Context, name string) {
	r.mu.Lock()
	e, ok := r.entries[name]
	recovered := ok && e.degraded
	if ok {
		e.breaker.RecordSuccess()
		e.degraded = false
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.metrics.RecordProviderRequest(ctx, name, "call", "ok")
	if recovered {
		r.metrics.RecordBreakerTransition(ctx, "provider:"+name, "closed")
		r.log.Info("route: provider recovered", "provider", name)
		r.recordHealth(ctx, name, "provider_recovered", 0)
	}
}

// ReportFailure records a failed provider operation. The failure that
// brings the windowed count to the threshold degrades the provider and
// emits a provider_degraded health event.
func (r *Router) ReportFailure(ctx context.Context, name string, err error) {
	r.mu.Lock()
	e, ok := r.entries[name]
	var opened bool
	if ok {
		e.lastFail = r.now()
		opened = e.breaker.RecordFailure()
		if opened {
			e.degraded = true
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.metrics.RecordProviderError(ctx, name, "call")
	if opened {
		snap := e.breaker.Snapshot()
		r.metrics.RecordBreakerTransition(ctx, "provider:"+name, "open")
		r.log.Warn("route: provider degraded",
			"provider", name, "failures", snap.WindowedFailures, "err", err)
		r.recordHealth(ctx, name, "provider_degraded", snap.WindowedFailures)
	}
}

// ProviderHealth is one provider's health snapshot for the status surface.
type ProviderHealth struct {
	Provider string                    `json:"provider"`
	Default  bool                      `json:"default"`
	Breaker  resilience.HealthSnapshot `json:"breaker"`
}

// Health reports every registered provider's breaker snapshot in
// registration order.
func (r *Router) Health() []ProviderHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProviderHealth, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, ProviderHealth{
			Provider: name,
			Default:  name == r.def,
			Breaker:  r.entries[name].breaker.Snapshot(),
		})
	}
	return out
}

func (r *Router) recordHealth(ctx context.Context, provider, status string, count int) {
	if r.health == nil {
		return
	}
	row := &types.HealthLog{
		Service: "provider:" + provider,
		Status:  status,
		Count:   count,
	}
	if err := r.health.RecordHealthLog(ctx, row); err != nil {
		r.log.Warn("route: health log failed", "provider", provider, "err", err)
	}
}
