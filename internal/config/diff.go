package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoicesChanged is true when any TTS voice selection changed.
	VoicesChanged bool

	// RouteChanged is true when provider router tuning changed.
	RouteChanged bool
	NewRoute     RouteConfig

	// DigitsChanged is true when digit collection tuning changed.
	// The encryption key is deliberately excluded; rotating it needs a restart.
	DigitsChanged bool
	NewDigits     DigitsConfig

	// PaymentsChanged is true when any payment gate flag changed.
	PaymentsChanged bool
	NewPayments     PaymentsConfig
}

// Empty reports whether the diff contains no applicable changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VoicesChanged && !d.RouteChanged && !d.DigitsChanged && !d.PaymentsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Providers.Twilio.TTSVoice != new.Providers.Twilio.TTSVoice ||
		old.Providers.Twilio.TTSBackupVoice != new.Providers.Twilio.TTSBackupVoice ||
		old.Providers.Deepgram.TTSVoice != new.Providers.Deepgram.TTSVoice ||
		old.Providers.Deepgram.TTSBackupVoice != new.Providers.Deepgram.TTSBackupVoice {
		d.VoicesChanged = true
	}

	if old.Providers.Route != new.Providers.Route {
		d.RouteChanged = true
		d.NewRoute = new.Providers.Route
	}

	oldDigits, newDigits := old.Digits, new.Digits
	oldDigits.EncryptionKey, newDigits.EncryptionKey = "", ""
	if oldDigits != newDigits {
		d.DigitsChanged = true
		d.NewDigits = newDigits
	}

	if old.Payments != new.Payments {
		d.PaymentsChanged = true
		d.NewPayments = new.Payments
	}

	return d
}
