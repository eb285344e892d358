package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// variable overrides, and returns a validated [Config]. Environment values
// win over file values.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result
// without consulting the environment. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv assembles a validated config from defaults plus environment
// variables alone. This is the usual production path; a YAML file is
// optional.
func FromEnv() (*Config, error) {
	cfg := Default()
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode parses YAML from r on top of [Default] so absent keys keep their
// default values. Unknown keys are rejected.
func decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Under dev_insecure compliance, missing credentials are downgraded to
// warnings so local development can run against fakes.
func Validate(cfg *Config) error {
	var errs []error

	strict := cfg.Server.Compliance != ComplianceDevInsecure
	missing := func(field string) {
		err := fmt.Errorf("%s is required", field)
		if strict {
			errs = append(errs, err)
			return
		}
		slog.Warn("running without a required credential", "field", field, "compliance", cfg.Server.Compliance)
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Compliance != "" && !cfg.Server.Compliance.IsValid() {
		errs = append(errs, fmt.Errorf("server.compliance %q is invalid; valid values: safe, dev_insecure", cfg.Server.Compliance))
	}
	if cfg.Server.Compliance == ComplianceDevInsecure {
		slog.Warn("compliance mode dev_insecure is active; credential checks are relaxed")
	}
	if cfg.Server.APISecret == "" {
		missing("server.api_secret (API_SECRET)")
	}
	if cfg.Server.PublicHost == "" {
		slog.Warn("server.public_host is empty; webhook callback URLs cannot be built for gather fallback")
	}

	// Telephony provider selection
	if cfg.Providers.Call != "" && !cfg.Providers.Call.IsValid() {
		errs = append(errs, fmt.Errorf("providers.call %q is invalid; valid values: twilio, aws, vonage", cfg.Providers.Call))
	}
	if cfg.Providers.Call == ProviderAWS {
		slog.Warn("providers.call is aws; no adapter ships for it, calls will route to the next healthy provider")
	}

	// Twilio credentials are required regardless of the selected default
	// provider: webhooks, SMS, and the gather fallback all ride on them.
	if cfg.Providers.Twilio.AccountSID == "" {
		missing("providers.twilio.account_sid (TWILIO_ACCOUNT_SID)")
	}
	if cfg.Providers.Twilio.AuthToken == "" {
		missing("providers.twilio.auth_token (TWILIO_AUTH_TOKEN)")
	}
	if cfg.Providers.Twilio.FromNumber == "" {
		missing("providers.twilio.from_number (FROM_NUMBER)")
	}
	if cfg.Providers.Twilio.WebhookValidation != "" && !cfg.Providers.Twilio.WebhookValidation.IsValid() {
		errs = append(errs, fmt.Errorf("providers.twilio.webhook_validation %q is invalid; valid values: strict, warn, off", cfg.Providers.Twilio.WebhookValidation))
	}

	if cfg.Providers.Call == ProviderVonage {
		if cfg.Providers.Vonage.APIKey == "" {
			missing("providers.vonage.api_key (VONAGE_API_KEY)")
		}
		if cfg.Providers.Vonage.ApplicationID == "" {
			missing("providers.vonage.application_id (VONAGE_APPLICATION_ID)")
		}
		if cfg.Providers.Vonage.PrivateKey == "" {
			missing("providers.vonage.private_key (VONAGE_PRIVATE_KEY)")
		}
	}
	if cfg.Providers.Vonage.WebhookValidation != "" && !cfg.Providers.Vonage.WebhookValidation.IsValid() {
		errs = append(errs, fmt.Errorf("providers.vonage.webhook_validation %q is invalid; valid values: strict, warn, off", cfg.Providers.Vonage.WebhookValidation))
	}

	if cfg.Providers.OpenRouter.APIKey == "" {
		missing("providers.openrouter.api_key (OPENROUTER_API_KEY)")
	}
	if cfg.Providers.Deepgram.APIKey == "" {
		missing("providers.deepgram.api_key (DEEPGRAM_API_KEY)")
	}
	if cfg.Providers.Embeddings.APIKey == "" {
		slog.Warn("providers.embeddings.api_key is empty; semantic fact recall is disabled")
	}

	// Router tuning
	if cfg.Providers.Route.ErrorThreshold < 1 {
		errs = append(errs, fmt.Errorf("providers.route.error_threshold %d must be >= 1", cfg.Providers.Route.ErrorThreshold))
	}
	if cfg.Providers.Route.ErrorWindowS < 1 {
		errs = append(errs, fmt.Errorf("providers.route.error_window_s %d must be >= 1", cfg.Providers.Route.ErrorWindowS))
	}
	if cfg.Providers.Route.CooldownS < 1 {
		errs = append(errs, fmt.Errorf("providers.route.cooldown_s %d must be >= 1", cfg.Providers.Route.CooldownS))
	}

	// Engine tuning
	if cfg.Engine.ContextTokenBudget < 500 {
		errs = append(errs, fmt.Errorf("engine.context_token_budget %d must be >= 500", cfg.Engine.ContextTokenBudget))
	}
	if cfg.Engine.SummaryMaxChars < 1 {
		errs = append(errs, fmt.Errorf("engine.summary_max_chars %d must be >= 1", cfg.Engine.SummaryMaxChars))
	}
	if cfg.Engine.ToolBudgetPerInteraction < 1 {
		errs = append(errs, fmt.Errorf("engine.tool_budget_per_interaction %d must be >= 1", cfg.Engine.ToolBudgetPerInteraction))
	}
	if cfg.Engine.MaxToolLoops < 1 {
		errs = append(errs, fmt.Errorf("engine.max_tool_loops %d must be >= 1", cfg.Engine.MaxToolLoops))
	}
	if cfg.Engine.ConsistencyThreshold < 0 || cfg.Engine.ConsistencyThreshold > 1 {
		errs = append(errs, fmt.Errorf("engine.consistency_threshold %.2f is out of range [0, 1]", cfg.Engine.ConsistencyThreshold))
	}
	if cfg.Engine.Circuit.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("engine.circuit.failure_threshold %d must be >= 1", cfg.Engine.Circuit.FailureThreshold))
	}

	// Digit handling
	if cfg.Digits.MinDTMFGapMs < 0 {
		errs = append(errs, fmt.Errorf("digits.min_dtmf_gap_ms %d must be >= 0", cfg.Digits.MinDTMFGapMs))
	}
	if cfg.Digits.EncryptionKey != "" {
		key, err := hex.DecodeString(cfg.Digits.EncryptionKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("digits.encryption_key is not valid hex: %w", err))
		} else if len(key) != 32 {
			errs = append(errs, fmt.Errorf("digits.encryption_key must decode to 32 bytes, got %d", len(key)))
		}
	} else {
		slog.Warn("digits.encryption_key is empty; digit vault disabled, captured digits will be masked but not retrievable")
	}

	// Jobs
	if cfg.Jobs.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("jobs.max_attempts %d must be >= 1", cfg.Jobs.MaxAttempts))
	}
	if cfg.Jobs.RetryBaseMs < 1 || cfg.Jobs.RetryMaxMs < cfg.Jobs.RetryBaseMs {
		errs = append(errs, fmt.Errorf("jobs retry backoff bounds [%d, %d] are incoherent", cfg.Jobs.RetryBaseMs, cfg.Jobs.RetryMaxMs))
	}

	// Webhooks
	if cfg.Webhooks.MaxSkewMs < 1 {
		errs = append(errs, fmt.Errorf("webhooks.max_skew_ms %d must be >= 1", cfg.Webhooks.MaxSkewMs))
	}

	// TTS cache
	if cfg.Providers.TTSCache.MaxItems < 1 {
		errs = append(errs, fmt.Errorf("providers.tts_cache.max_items %d must be >= 1", cfg.Providers.TTSCache.MaxItems))
	}

	// Payments
	if cfg.Payments.Enabled && cfg.Payments.KillSwitch {
		slog.Warn("payments are enabled but the kill switch is set; payment capture stays disabled")
	}
	if cfg.Payments.Enabled && cfg.Digits.EncryptionKey == "" && strict {
		errs = append(errs, errors.New("payments.enabled requires digits.encryption_key (DTMF_ENCRYPTION_KEY) under safe compliance"))
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; running with the in-memory store, state will not survive restarts")
	}
	if cfg.Store.EmbeddingDimensions <= 0 {
		errs = append(errs, fmt.Errorf("store.embedding_dimensions %d must be > 0", cfg.Store.EmbeddingDimensions))
	}

	return errors.Join(errs...)
}
