package config

import (
	"log/slog"
	"os"
	"strconv"
)

// ApplyEnv overlays environment variables onto cfg. Set variables win over
// whatever the config currently holds; unset or empty variables leave it
// untouched. Unparseable numeric or boolean values are logged and skipped.
func ApplyEnv(cfg *Config) {
	// Server
	if v, ok := lookupEnv("PORT"); ok {
		cfg.Server.ListenAddr = ":" + v
	}
	setString("LISTEN_ADDR", &cfg.Server.ListenAddr)
	setString("SERVER_HOST", &cfg.Server.PublicHost)
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}
	setString("API_SECRET", &cfg.Server.APISecret)
	if v, ok := lookupEnv("CONFIG_COMPLIANCE_MODE"); ok {
		cfg.Server.Compliance = ComplianceMode(v)
	}
	setBool("RECORDING_ENABLED", &cfg.Server.RecordingEnabled)

	// Store
	setString("DATABASE_URL", &cfg.Store.PostgresDSN)
	setInt("EMBEDDING_DIMENSIONS", &cfg.Store.EmbeddingDimensions)

	// Telephony
	if v, ok := lookupEnv("CALL_PROVIDER"); ok {
		cfg.Providers.Call = ProviderName(v)
	}
	setString("TWILIO_ACCOUNT_SID", &cfg.Providers.Twilio.AccountSID)
	setString("TWILIO_AUTH_TOKEN", &cfg.Providers.Twilio.AuthToken)
	setString("FROM_NUMBER", &cfg.Providers.Twilio.FromNumber)
	if v, ok := lookupEnv("TWILIO_WEBHOOK_VALIDATION"); ok {
		cfg.Providers.Twilio.WebhookValidation = ValidationMode(v)
	}
	setString("TWILIO_TTS_VOICE", &cfg.Providers.Twilio.TTSVoice)
	setString("TWILIO_TTS_BACKUP_VOICE", &cfg.Providers.Twilio.TTSBackupVoice)

	setString("VONAGE_API_KEY", &cfg.Providers.Vonage.APIKey)
	setString("VONAGE_API_SECRET", &cfg.Providers.Vonage.APISecret)
	setString("VONAGE_APPLICATION_ID", &cfg.Providers.Vonage.ApplicationID)
	setString("VONAGE_PRIVATE_KEY", &cfg.Providers.Vonage.PrivateKey)
	setString("VONAGE_FROM_NUMBER", &cfg.Providers.Vonage.FromNumber)
	if v, ok := lookupEnv("VONAGE_WEBHOOK_VALIDATION"); ok {
		cfg.Providers.Vonage.WebhookValidation = ValidationMode(v)
	}

	// Model provider
	setString("OPENROUTER_API_KEY", &cfg.Providers.OpenRouter.APIKey)
	setString("OPENROUTER_BASE_URL", &cfg.Providers.OpenRouter.BaseURL)
	setString("OPENROUTER_MODEL", &cfg.Providers.OpenRouter.Model)
	setString("OPENROUTER_BACKUP_MODEL", &cfg.Providers.OpenRouter.BackupModel)
	setInt("OPENROUTER_TIMEOUT_MS", &cfg.Providers.OpenRouter.RequestTimeoutMs)
	setInt("OPENROUTER_MAX_TOKENS", &cfg.Providers.OpenRouter.MaxTokens)

	// Engine tuning rides on the model provider's namespace.
	setInt("OPENROUTER_CONTEXT_TOKEN_BUDGET", &cfg.Engine.ContextTokenBudget)
	setInt("OPENROUTER_MEMORY_SUMMARY_MAX_CHARS", &cfg.Engine.SummaryMaxChars)
	setInt("OPENROUTER_MEMORY_MAX_FACTS", &cfg.Engine.MaxFacts)
	setInt("OPENROUTER_CONTEXT_MAX_PER_PHASE", &cfg.Engine.MaxPerPhase)
	setInt("OPENROUTER_TOOL_BUDGET", &cfg.Engine.ToolBudgetPerInteraction)
	setInt("OPENROUTER_TOOL_MAX_LOOPS", &cfg.Engine.MaxToolLoops)
	setFloat("OPENROUTER_CONSISTENCY_THRESHOLD", &cfg.Engine.ConsistencyThreshold)
	setInt("OPENROUTER_CIRCUIT_FAILURE_THRESHOLD", &cfg.Engine.Circuit.FailureThreshold)
	setInt("OPENROUTER_CIRCUIT_WINDOW_MS", &cfg.Engine.Circuit.WindowMs)
	setInt("OPENROUTER_CIRCUIT_COOLDOWN_MS", &cfg.Engine.Circuit.CooldownMs)

	// Speech
	setString("DEEPGRAM_API_KEY", &cfg.Providers.Deepgram.APIKey)
	setString("DEEPGRAM_STT_MODEL", &cfg.Providers.Deepgram.STTModel)
	setString("DEEPGRAM_TTS_VOICE", &cfg.Providers.Deepgram.TTSVoice)
	setString("DEEPGRAM_TTS_BACKUP_VOICE", &cfg.Providers.Deepgram.TTSBackupVoice)

	setString("ELEVENLABS_API_KEY", &cfg.Providers.ElevenLabs.APIKey)
	setString("ELEVENLABS_VOICE", &cfg.Providers.ElevenLabs.Voice)

	// Embeddings
	setString("EMBEDDINGS_API_KEY", &cfg.Providers.Embeddings.APIKey)
	setString("EMBEDDINGS_BASE_URL", &cfg.Providers.Embeddings.BaseURL)
	setString("EMBEDDINGS_MODEL", &cfg.Providers.Embeddings.Model)

	// Provider router
	setInt("PROVIDER_ERROR_THRESHOLD", &cfg.Providers.Route.ErrorThreshold)
	setInt("PROVIDER_ERROR_WINDOW_S", &cfg.Providers.Route.ErrorWindowS)
	setInt("PROVIDER_COOLDOWN_S", &cfg.Providers.Route.CooldownS)

	// TTS cache
	setInt("TTS_CACHE_TTL_MS", &cfg.Providers.TTSCache.TTLMs)
	setInt("TTS_CACHE_MAX_ITEMS", &cfg.Providers.TTSCache.MaxItems)

	// Digits
	setInt("KEYPAD_MIN_DTMF_GAP_MS", &cfg.Digits.MinDTMFGapMs)
	setInt("KEYPAD_MIN_COLLECT_DELAY_MS", &cfg.Digits.MinCollectDelayMs)
	setInt("KEYPAD_DEFAULT_TIMEOUT_S", &cfg.Digits.DefaultTimeoutS)
	setInt("KEYPAD_DEFAULT_MAX_RETRIES", &cfg.Digits.DefaultMaxRetries)
	setInt("KEYPAD_PROVIDER_OVERRIDE_COOLDOWN_MS", &cfg.Digits.ProviderOverrideCooldownMs)
	setInt("KEYPAD_GATHER_DEDUPE_WINDOW_MS", &cfg.Digits.GatherDedupeWindowMs)
	setString("DTMF_ENCRYPTION_KEY", &cfg.Digits.EncryptionKey)

	// Jobs
	setInt("CALL_JOB_POLL_INTERVAL_MS", &cfg.Jobs.PollIntervalMs)
	setInt("CALL_JOB_LEASE_MS", &cfg.Jobs.LeaseMs)
	setInt("CALL_JOB_MAX_ATTEMPTS", &cfg.Jobs.MaxAttempts)
	setInt("CALL_JOB_RETRY_BASE_MS", &cfg.Jobs.RetryBaseMs)
	setInt("CALL_JOB_RETRY_MAX_MS", &cfg.Jobs.RetryMaxMs)
	setInt("CALL_JOB_DLQ_ALERT_THRESHOLD", &cfg.Jobs.DLQAlertThreshold)

	// Webhooks
	setString("WEBHOOK_SECRET", &cfg.Webhooks.Secret)
	setString("WEBHOOK_EVENTS_URL", &cfg.Webhooks.EventsURL)
	setInt("API_HMAC_MAX_SKEW_MS", &cfg.Webhooks.MaxSkewMs)
	setInt("WEBHOOK_RETRY_MAX_ATTEMPTS", &cfg.Webhooks.RetryMaxAttempts)
	setInt("WEBHOOK_IDEMPOTENCY_TTL_MS", &cfg.Webhooks.IdempotencyTTLMs)

	// SLO
	setInt("CALL_SLO_MODEL_RTT_SLOW_MS", &cfg.SLO.ModelRTTSlowMs)
	setInt("CALL_SLO_MODEL_RTT_CRITICAL_MS", &cfg.SLO.ModelRTTCriticalMs)
	setInt("CALL_SLO_TURN_P95_MS", &cfg.SLO.TurnP95TargetMs)
	setInt("CALL_SLO_WINDOW_MINUTES", &cfg.SLO.WindowMinutes)

	// Payments
	setBool("PAYMENT_ENABLED", &cfg.Payments.Enabled)
	setBool("PAYMENT_ALLOW_TWILIO", &cfg.Payments.AllowTwilio)
	setBool("PAYMENT_KILL_SWITCH", &cfg.Payments.KillSwitch)
}

// lookupEnv reports the value of key when it is set and non-empty.
func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	return v, ok && v != ""
}

func setString(key string, dst *string) {
	if v, ok := lookupEnv(key); ok {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	v, ok := lookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring unparseable integer env var", "key", key, "value", v, "err", err)
		return
	}
	*dst = n
}

func setFloat(key string, dst *float64) {
	v, ok := lookupEnv(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring unparseable float env var", "key", key, "value", v, "err", err)
		return
	}
	*dst = f
}

func setBool(key string, dst *bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring unparseable boolean env var", "key", key, "value", v, "err", err)
		return
	}
	*dst = b
}
