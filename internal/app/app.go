// Package app wires all Trunkline subsystems into a running server.
//
// New constructs everything from config in dependency order: store,
// provider router, speech and model providers, tool registry, turn engine,
// digit vault, call manager, job fabric, and the HTTP surface. Run starts
// the job poller and the HTTP listener and blocks until the context is
// cancelled; Shutdown drains live calls and tears subsystems down in
// reverse order.
//
// For testing, inject fakes via functional options (WithStore,
// WithResponder, etc.). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/routatel/trunkline/internal/call"
	"github.com/routatel/trunkline/internal/config"
	"github.com/routatel/trunkline/internal/digits"
	"github.com/routatel/trunkline/internal/engine"
	"github.com/routatel/trunkline/internal/engine/toolexec"
	"github.com/routatel/trunkline/internal/health"
	"github.com/routatel/trunkline/internal/httpapi"
	"github.com/routatel/trunkline/internal/jobs"
	"github.com/routatel/trunkline/internal/observe"
	"github.com/routatel/trunkline/internal/resilience"
	"github.com/routatel/trunkline/internal/route"
	"github.com/routatel/trunkline/internal/store"
	"github.com/routatel/trunkline/internal/store/memstore"
	"github.com/routatel/trunkline/internal/store/postgres"
	"github.com/routatel/trunkline/internal/webhook"
	"github.com/routatel/trunkline/pkg/provider/embeddings"
	ollamaembed "github.com/routatel/trunkline/pkg/provider/embeddings/ollama"
	oaembed "github.com/routatel/trunkline/pkg/provider/embeddings/openai"
	"github.com/routatel/trunkline/pkg/provider/llm"
	"github.com/routatel/trunkline/pkg/provider/llm/anyllm"
	"github.com/routatel/trunkline/pkg/provider/llm/openrouter"
	"github.com/routatel/trunkline/pkg/provider/stt"
	sttdeepgram "github.com/routatel/trunkline/pkg/provider/stt/deepgram"
	"github.com/routatel/trunkline/pkg/provider/telco"
	"github.com/routatel/trunkline/pkg/provider/telco/twilio"
	"github.com/routatel/trunkline/pkg/provider/telco/vonage"
	"github.com/routatel/trunkline/pkg/provider/tts"
	ttsdeepgram "github.com/routatel/trunkline/pkg/provider/tts/deepgram"
	"github.com/routatel/trunkline/pkg/provider/tts/elevenlabs"
	"github.com/routatel/trunkline/pkg/types"
)

// observabilityWindowCap bounds the GPT interaction ring.
const observabilityWindowCap = 2048

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	st       store.Store
	metrics  *observe.Metrics
	window   *observe.Window
	router   *route.Router
	registry *toolexec.Registry
	engine   *engine.TurnEngine
	vault    *digits.Vault
	manager  *call.Manager
	runner   *jobs.Runner
	deliver  *jobs.Deliverer
	api      *httpapi.Server
	srv      *http.Server

	// Injected doubles; nil means build from config.
	sttP      stt.Provider
	ttsP      tts.Provider
	responder call.Responder

	extraTelco  []telco.Provider
	toolServers []toolexec.ServerConfig

	// closers are called in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.st = s }
}

// WithSTT injects a speech-to-text provider.
func WithSTT(p stt.Provider) Option {
	return func(a *App) { a.sttP = p }
}

// WithTTS injects a text-to-speech provider.
func WithTTS(p tts.Provider) Option {
	return func(a *App) { a.ttsP = p }
}

// WithResponder injects the turn responder driving call sessions instead of
// building the model-backed engine.
func WithResponder(r call.Responder) Option {
	return func(a *App) { a.responder = r }
}

// WithTelcoProvider registers an extra telephony provider on the router,
// after the configured ones.
func WithTelcoProvider(p telco.Provider) Option {
	return func(a *App) { a.extraTelco = append(a.extraTelco, p) }
}

// WithToolServer mounts a remote tool server into the process registry
// during New.
func WithToolServer(cfg toolexec.ServerConfig) Option {
	return func(a *App) { a.toolServers = append(a.toolServers, cfg) }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The OTel providers
// are expected to be initialised by main (observe.InitProvider); New reads
// the globals.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		log:     slog.Default(),
		metrics: observe.DefaultMetrics(),
		window:  observe.NewWindow(observabilityWindowCap),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Telephony router ──────────────────────────────────────────────
	if err := a.initRouter(); err != nil {
		return nil, fmt.Errorf("app: init router: %w", err)
	}

	// ── 3. Speech providers ──────────────────────────────────────────────
	if err := a.initSpeech(); err != nil {
		return nil, fmt.Errorf("app: init speech: %w", err)
	}

	// ── 4. Tool registry + turn engine ───────────────────────────────────
	if err := a.initEngine(ctx); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 5. Digit vault ───────────────────────────────────────────────────
	if err := a.initVault(); err != nil {
		return nil, fmt.Errorf("app: init vault: %w", err)
	}

	// ── 6. Job fabric ────────────────────────────────────────────────────
	a.initJobs()

	// ── 7. Call manager ──────────────────────────────────────────────────
	if err := a.initManager(); err != nil {
		return nil, fmt.Errorf("app: init call manager: %w", err)
	}

	// ── 8. HTTP surface ──────────────────────────────────────────────────
	if err := a.initHTTP(); err != nil {
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the Postgres store, or falls back to the in-memory store
// when no DSN is configured.
func (a *App) initStore(ctx context.Context) error {
	if a.st != nil {
		return nil
	}
	if dsn := a.cfg.Store.PostgresDSN; dsn != "" {
		st, err := postgres.NewStore(ctx, dsn, a.cfg.Store.EmbeddingDimensions)
		if err != nil {
			return err
		}
		a.st = st
		a.log.Info("app: postgres store connected")
	} else {
		a.st = memstore.New()
		a.log.Warn("app: using in-memory store, state will not survive restarts")
	}
	a.closers = append(a.closers, func() error {
		a.st.Close()
		return nil
	})
	return nil
}

// initRouter builds the provider router and registers every telephony
// backend the config carries credentials for.
func (a *App) initRouter() error {
	a.router = route.New(route.Config{
		Default: a.cfg.Providers.Call,
		Route:   a.cfg.Providers.Route,
		Health:  a.st,
		Metrics: a.metrics,
		Logger:  a.log,
	})

	if tw := a.cfg.Providers.Twilio; tw.AccountSID != "" {
		p, err := twilio.New(tw.AccountSID, tw.AuthToken,
			twilio.WithPublicHost(a.cfg.Server.PublicHost))
		if err != nil {
			return fmt.Errorf("twilio: %w", err)
		}
		a.router.Register(p)
		a.router.RegisterSMS(p)
	}

	if vo := a.cfg.Providers.Vonage; vo.APIKey != "" {
		p, err := vonage.New(vo.APIKey, vo.APISecret, vo.ApplicationID, []byte(vo.PrivateKey))
		if err != nil {
			return fmt.Errorf("vonage: %w", err)
		}
		a.router.Register(p)
		a.router.RegisterSMS(p)
	}

	for _, p := range a.extraTelco {
		a.router.Register(p)
		if sms, ok := p.(telco.SMSProvider); ok {
			a.router.RegisterSMS(sms)
		}
	}
	return nil
}

// initSpeech builds the STT provider and the TTS chain: Deepgram, then an
// ElevenLabs fallback when configured, then the process-wide LRU cache.
func (a *App) initSpeech() error {
	dg := a.cfg.Providers.Deepgram

	if a.sttP == nil {
		p, err := sttdeepgram.New(dg.APIKey, sttdeepgram.WithModel(dg.STTModel))
		if err != nil {
			return fmt.Errorf("deepgram stt: %w", err)
		}
		a.sttP = p
	}

	if a.ttsP == nil {
		var synth tts.Provider
		primary, err := ttsdeepgram.New(dg.APIKey, ttsdeepgram.WithDefaultVoice(dg.TTSVoice))
		if err != nil {
			return fmt.Errorf("deepgram tts: %w", err)
		}
		synth = primary

		if el := a.cfg.Providers.ElevenLabs; el.APIKey != "" {
			secondary, err := elevenlabs.New(el.APIKey, el.Voice)
			if err != nil {
				return fmt.Errorf("elevenlabs tts: %w", err)
			}
			rt := a.cfg.Providers.Route
			fb := resilience.NewTTSFallback(primary, "deepgram", resilience.FallbackConfig{
				CircuitBreaker: resilience.CircuitBreakerConfig{
					FailureThreshold: rt.ErrorThreshold,
					Window:           time.Duration(rt.ErrorWindowS) * time.Second,
					Cooldown:         time.Duration(rt.CooldownS) * time.Second,
				},
			})
			fb.AddFallback("elevenlabs", voicePinned{inner: secondary, voice: el.Voice})
			synth = fb
			a.log.Info("app: elevenlabs tts fallback enabled", "voice", el.Voice)
		}

		cacheCfg := a.cfg.Providers.TTSCache
		a.ttsP = tts.NewCache(synth,
			time.Duration(cacheCfg.TTLMs)*time.Millisecond, cacheCfg.MaxItems)
	}
	return nil
}

// initEngine builds the process tool registry, mounts remote tool servers,
// and assembles the model-backed turn engine unless a responder was
// injected.
func (a *App) initEngine(ctx context.Context) error {
	a.registry = toolexec.NewRegistry()
	for _, srv := range a.toolServers {
		if err := a.registry.MountServer(ctx, srv); err != nil {
			return fmt.Errorf("mount tool server %q: %w", srv.Name, err)
		}
		a.log.Info("app: tool server mounted", "name", srv.Name)
	}

	if a.responder != nil {
		return nil
	}

	or := a.cfg.Providers.OpenRouter
	primary, err := openrouter.New(or.APIKey, or.Model,
		openrouterOptions(or)...)
	if err != nil {
		return fmt.Errorf("openrouter: %w", err)
	}

	// An API key selects the OpenAI embeddings endpoint; a bare base URL
	// selects a local Ollama server. Neither configured leaves semantic
	// memory recall off.
	var embed embeddings.Provider
	switch em := a.cfg.Providers.Embeddings; {
	case em.APIKey != "":
		var opts []oaembed.Option
		if em.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(em.BaseURL))
		}
		p, err := oaembed.New(em.APIKey, em.Model, opts...)
		if err != nil {
			return fmt.Errorf("embeddings: %w", err)
		}
		embed = p
	case em.BaseURL != "":
		p, err := ollamaembed.New(em.BaseURL, em.Model)
		if err != nil {
			return fmt.Errorf("ollama embeddings: %w", err)
		}
		embed = p
	}

	circuit := a.cfg.Engine.Circuit
	execOpts := []toolexec.Option{
		toolexec.WithBudget(a.cfg.Engine.ToolBudgetPerInteraction),
		toolexec.WithBreakers(toolexec.NewBreakers(
			circuit.FailureThreshold,
			time.Duration(circuit.WindowMs)*time.Millisecond,
			time.Duration(circuit.CooldownMs)*time.Millisecond,
		)),
		toolexec.WithMetrics(a.metrics),
	}
	if ttl := a.cfg.Webhooks.IdempotencyTTLMs; ttl > 0 {
		execOpts = append(execOpts,
			toolexec.WithIdempotencyTTL(time.Duration(ttl)*time.Millisecond))
	}
	exec := toolexec.NewExecutor(a.registry, a.st, execOpts...)

	asm := engine.NewAssembler(a.st, embed, a.cfg.Engine)
	engOpts := []engine.Option{
		engine.WithExecutor(exec),
		engine.WithWindow(a.window),
		engine.WithMetrics(a.metrics),
	}
	if or.MaxTokens > 0 {
		engOpts = append(engOpts, engine.WithMaxTokens(or.MaxTokens))
	}
	if backup, err := backupProvider(or); err != nil {
		return err
	} else if backup != nil {
		engOpts = append(engOpts, engine.WithBackupProvider(backup))
	}

	a.engine = engine.New(primary, asm, a.cfg.Engine, engOpts...)
	a.responder = a.engine
	return nil
}

// initVault derives the digit vault when an encryption key is configured.
// Without it, captured digits are masked but never retrievable.
func (a *App) initVault() error {
	if a.cfg.Digits.EncryptionKey == "" {
		return nil
	}
	v, err := digits.NewVault(a.cfg.Digits.EncryptionKey, a.st, a.st)
	if err != nil {
		return err
	}
	a.vault = v
	return nil
}

// initJobs builds the runner, the webhook deliverer, and the deferred-work
// handlers.
func (a *App) initJobs() {
	a.runner = jobs.NewRunner(a.st, a.st, a.cfg.Jobs,
		jobs.WithRunnerMetrics(a.metrics),
		jobs.WithRunnerLogger(a.log),
	)
	signer := webhook.NewSigner(a.cfg.WebhookSecret())
	a.deliver = jobs.NewDeliverer(signer, a.runner, a.cfg.Webhooks.RetryMaxAttempts,
		jobs.WithDeliveryLogger(a.log))
	a.registerJobHandlers()
}

// initManager assembles the call manager over the shared providers.
func (a *App) initManager() error {
	cfg := call.Config{
		Store:    a.st,
		STT:      a.sttP,
		TTS:      a.ttsP,
		Engine:   a.responder,
		Telco:    newTelcoBridge(a.cfg, a.st, a.router),
		Registry: a.registry,
		Vault:    a.vault,
		Digits:   a.cfg.Digits,
		Metrics:  a.metrics,
		Logger:   a.log,
	}
	if url := a.cfg.Webhooks.EventsURL; url != "" {
		cfg.Notify = func(ctx context.Context, c *types.Call, reason string) {
			payload := map[string]any{
				"event":    "call.completed",
				"call_sid": c.CallSID,
				"status":   c.Status,
				"duration": c.Duration,
				"reason":   reason,
			}
			if err := a.deliver.Notify(ctx, url, c.CallSID, payload); err != nil {
				a.log.Warn("app: call event delivery failed", "call_sid", c.CallSID, "err", err)
			}
		}
	}

	m, err := call.NewManager(cfg)
	if err != nil {
		return err
	}
	a.manager = m
	return nil
}

// initHTTP assembles the API server and the listener.
func (a *App) initHTTP() error {
	checkers := []health.Checker{
		{Name: "database", Check: a.st.Ping},
		{Name: "providers", Soft: true, Check: a.checkProviders},
	}

	api, err := httpapi.New(httpapi.Config{
		Cfg:     a.cfg,
		Store:   a.st,
		Router:  a.router,
		Manager: a.manager,
		Runner:  a.runner,
		Verifier: webhook.NewVerifier(a.cfg.Server.APISecret,
			time.Duration(a.cfg.Webhooks.MaxSkewMs)*time.Millisecond),
		Dedupe: webhook.NewDedupe(a.st,
			time.Duration(a.cfg.Webhooks.IdempotencyTTLMs)*time.Millisecond),
		Window:         a.window,
		Health:         health.New(checkers...),
		MetricsHandler: promhttp.Handler(),
		Logger:         a.log,
	})
	if err != nil {
		return err
	}
	a.api = api
	a.srv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// checkProviders degrades readiness while any telephony breaker is open.
func (a *App) checkProviders(context.Context) error {
	var open []string
	for _, h := range a.router.Health() {
		if h.Breaker.State == "open" {
			open = append(open, h.Provider)
		}
	}
	if len(open) > 0 {
		return fmt.Errorf("providers degraded: %s", strings.Join(open, ", "))
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the job poller and the HTTP listener and blocks until ctx is
// cancelled or the listener fails. On cancellation it stops accepting,
// drains live call sessions, and returns ctx's error.
func (a *App) Run(ctx context.Context) error {
	go func() {
		if err := a.runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("app: job runner stopped", "err", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.srv.ListenAndServe()
	}()
	a.log.Info("app: listening", "addr", a.cfg.Server.ListenAddr, "provider", a.cfg.Providers.Call)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(drainCtx); err != nil {
		a.log.Warn("app: http shutdown error", "err", err)
	}
	if err := a.manager.Shutdown(drainCtx); err != nil {
		a.log.Warn("app: session drain error", "err", err)
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases remaining resources in reverse-init order. It respects
// the context deadline: when ctx expires, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("app: shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("app: closer error", "index", i, "err", err)
			}
		}
		a.log.Info("app: shutdown complete")
	})
	return shutdownErr
}

// ─── Accessors (used by main and tests) ──────────────────────────────────────

// Handler exposes the HTTP surface for tests.
func (a *App) Handler() http.Handler { return a.srv.Handler }

// Manager exposes the call manager.
func (a *App) Manager() *call.Manager { return a.manager }

// Runner exposes the job runner.
func (a *App) Runner() *jobs.Runner { return a.runner }

// ─── Helpers ─────────────────────────────────────────────────────────────────

func openrouterOptions(or config.OpenRouterConfig) []openrouter.Option {
	var opts []openrouter.Option
	if or.BaseURL != "" {
		opts = append(opts, openrouter.WithBaseURL(or.BaseURL))
	}
	if or.RequestTimeoutMs > 0 {
		opts = append(opts, openrouter.WithTimeout(time.Duration(or.RequestTimeoutMs)*time.Millisecond))
	}
	return opts
}

// backupProvider builds the failover model backend. A backup model of the
// form "backend:model" (e.g. "ollama:llama3.1") runs through the anyllm
// adapter; anything else is a second OpenRouter model.
func backupProvider(or config.OpenRouterConfig) (llm.Provider, error) {
	if or.BackupModel == "" {
		return nil, nil
	}
	if backend, model, ok := strings.Cut(or.BackupModel, ":"); ok && !strings.Contains(backend, "/") {
		p, err := anyllm.New(backend, model)
		if err != nil {
			return nil, fmt.Errorf("anyllm backup %q: %w", or.BackupModel, err)
		}
		return p, nil
	}
	p, err := openrouter.New(or.APIKey, or.BackupModel, openrouterOptions(or)...)
	if err != nil {
		return nil, fmt.Errorf("openrouter backup: %w", err)
	}
	return p, nil
}
