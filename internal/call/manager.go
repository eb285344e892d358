package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/routatel/trunkline/internal/config"
	"github.com/routatel/trunkline/internal/digits"
	"github.com/routatel/trunkline/internal/engine"
	"github.com/routatel/trunkline/internal/engine/toolexec"
	"github.com/routatel/trunkline/internal/fault"
	"github.com/routatel/trunkline/internal/observe"
	"github.com/routatel/trunkline/internal/store"
	"github.com/routatel/trunkline/pkg/media"
	"github.com/routatel/trunkline/pkg/provider/stt"
	"github.com/routatel/trunkline/pkg/provider/tts"
	"github.com/routatel/trunkline/pkg/types"
)

// Config wires the shared dependencies every session draws on.
type Config struct {
	Store  store.Store
	STT    stt.Provider
	TTS    tts.Provider
	Engine Responder

	// Telco enables provider-side call actions (gather, transfer, SMS,
	// hangup). Optional.
	Telco Telco

	// Registry holds process-wide tools (MCP mounts, operator tools)
	// copied into every session's registry. Optional.
	Registry *toolexec.Registry

	// Vault tokenizes sensitive digit captures. Optional; without it the
	// collector stores masked forms only.
	Vault *digits.Vault

	// Notify receives the final call record once a session's teardown has
	// landed the terminal status. Optional.
	Notify func(ctx context.Context, c *types.Call, reason string)

	Digits config.DigitsConfig

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Manager owns the live sessions of the process, one per call SID.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	shutdown bool
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("call: store must not be nil")
	}
	if cfg.STT == nil {
		return nil, errors.New("call: stt provider must not be nil")
	}
	if cfg.TTS == nil {
		return nil, errors.New("call: tts provider must not be nil")
	}
	if cfg.Engine == nil {
		return nil, errors.New("call: engine must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Manager{
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		sessions: make(map[string]*Session),
	}, nil
}

// Open attaches a media stream to a new session for callSID and starts its
// loop. Opening a call that is already live returns the existing session
// untouched, so provider webhook retries are harmless.
func (m *Manager) Open(ctx context.Context, callSID string, sc SessionConfig) (*Session, error) {
	if callSID == "" {
		return nil, fault.New(fault.Validation, "call_sid_required", "call sid must not be empty")
	}
	if sc.Stream == nil {
		return nil, fault.New(fault.Validation, "stream_required", "media stream must not be nil")
	}
	if sid := sc.Stream.CallSID(); sid != "" && sid != callSID {
		return nil, fault.New(fault.Validation, "call_sid_mismatch",
			"stream belongs to call "+sid+", not "+callSID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil, fault.New(fault.Internal, "manager_shutdown", "call manager is shutting down")
	}
	if s, ok := m.sessions[callSID]; ok {
		m.log.Debug("call: open on live session", "call_sid", callSID)
		return s, nil
	}

	// Probe the stream before committing to the session: a rejected
	// attach surfaces here as a setup error instead of a dead call.
	if err := sc.Stream.SendMark(ctx, "session-attach"); err != nil {
		m.metrics.RecordCallSetup(ctx, "media", "failed")
		return nil, fault.Wrap(fault.ProviderTransient, "media_attach_failed", err)
	}

	s, err := m.newSession(ctx, callSID, sc)
	if err != nil {
		return nil, err
	}
	m.sessions[callSID] = s

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(loopCtx)

	m.metrics.RecordCallSetup(ctx, "media", "ok")
	m.log.Info("call: session opened",
		"call_sid", callSID,
		"stream_id", sc.Stream.StreamID(),
		"profile", sc.Profile,
		"active", len(m.sessions))
	return s, nil
}

func (m *Manager) newSession(ctx context.Context, callSID string, sc SessionConfig) (*Session, error) {
	if sc.Language == "" {
		sc.Language = "en"
	}
	if sc.MaxTurns == 0 {
		sc.MaxTurns = defaultMaxTurns
	}

	s := &Session{
		callSID:       callSID,
		cfg:           sc,
		st:            m.cfg.Store,
		sttP:          m.cfg.STT,
		ttsP:          m.cfg.TTS,
		eng:           m.cfg.Engine,
		telco:         m.cfg.Telco,
		notify:        m.cfg.Notify,
		metrics:       m.metrics,
		log:           m.log,
		stream:        sc.Stream,
		format:        sc.Stream.Format(),
		cmds:          make(chan func(context.Context), mailboxSize),
		mediaCh:       make(chan media.Frame, mediaBuffer),
		done:          make(chan struct{}),
		onExit:        m.remove,
		openedAt:      time.Now(),
		sleep:         time.Sleep,
		defTimeoutS:   m.cfg.Digits.DefaultTimeoutS,
		defMaxRetries: m.cfg.Digits.DefaultMaxRetries,
		phase:         PhaseGreeting,
		maxTurns:      sc.MaxTurns,
		streamFrames:  sc.Stream.Frames(),
		streamEvents:  sc.Stream.Events(),
		persona: engine.PersonaInput{
			BasePersona:     sc.Prompt,
			Profile:         sc.Profile,
			Channel:         "voice",
			BusinessContext: sc.BusinessContext,
		},
	}
	s.phaseView.Store(PhaseGreeting)

	// Re-opened calls pick their digit counters back up so the call row
	// keeps a single running tally.
	if row, err := m.cfg.Store.Call(ctx, callSID); err == nil {
		s.digitCount = row.DigitCount
		s.digitSummary = row.DigitSummary
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	s.coll = digits.NewCollector(callSID, m.cfg.Store, m.collectorOptions(sc)...)
	s.collEvents = s.coll.Events()

	reg := toolexec.NewRegistry()
	for _, t := range builtinTools(s) {
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	if m.cfg.Registry != nil {
		reg.AddFrom(m.cfg.Registry)
	}
	if sc.Registry != nil {
		reg.AddFrom(sc.Registry)
	}
	s.registry = reg
	return s, nil
}

func (m *Manager) collectorOptions(sc SessionConfig) []digits.Option {
	opts := []digits.Option{
		digits.WithLogger(m.log),
		digits.WithMetrics(m.metrics),
	}
	if m.cfg.Vault != nil {
		opts = append(opts, digits.WithVault(m.cfg.Vault))
	}
	d := m.cfg.Digits
	if d.MinDTMFGapMs > 0 {
		opts = append(opts, digits.WithMinGap(time.Duration(d.MinDTMFGapMs)*time.Millisecond))
	}
	if d.MinCollectDelayMs > 0 {
		opts = append(opts, digits.WithMinCollectDelay(time.Duration(d.MinCollectDelayMs)*time.Millisecond))
	}
	if sc.ChannelSessionID != "" {
		opts = append(opts, digits.WithGatherFallback(sc.ChannelSessionID))
		if d.GatherDedupeWindowMs > 0 {
			opts = append(opts, digits.WithGatherDedupeWindow(time.Duration(d.GatherDedupeWindowMs)*time.Millisecond))
		}
	}
	return opts
}

// Get returns the live session for callSID, if any.
func (m *Manager) Get(callSID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callSID]
	return s, ok
}

// Close ends the session for callSID and reports whether one was live.
func (m *Manager) Close(callSID, reason string) bool {
	s, ok := m.Get(callSID)
	if !ok {
		return false
	}
	s.Close(reason)
	return true
}

// Active reports the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ActiveCalls lists the call SIDs with live sessions.
func (m *Manager) ActiveCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	sids := make([]string, 0, len(m.sessions))
	for sid := range m.sessions {
		sids = append(sids, sid)
	}
	return sids
}

// Shutdown closes every live session and waits for their teardown, or for
// ctx. New opens are refused once shutdown starts.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.Close("server_shutdown")
	}
	for _, s := range live {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(live) > 0 {
		m.log.Info("call: all sessions closed", "count", len(live))
	}
	return nil
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.callSID]; ok && cur == s {
		delete(m.sessions, s.callSID)
	}
}
