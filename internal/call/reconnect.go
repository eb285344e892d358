package call

import (
	"context"
	"log/slog"
	"time"

	"github.com/routatel/trunkline/internal/fault"
	"github.com/routatel/trunkline/pkg/provider/stt"
)

// STT reconnect tuning. The first retry is fast because every second of
// dead transcription is a second of the caller talking to nobody; the cap
// keeps a flapping provider from being hammered.
const (
	sttMaxAttempts    = 5
	sttBackoffInitial = 250 * time.Millisecond
	sttBackoffCap     = 2 * time.Second
)

// redialSTT establishes an STT session with exponential backoff, up to
// attempts tries. It returns the new handle, or a provider_transient
// stt_unrecoverable fault once attempts are exhausted. sleep is injectable
// for tests.
func redialSTT(ctx context.Context, p stt.Provider, cfg stt.StreamConfig, attempts int, sleep func(time.Duration), log *slog.Logger) (stt.SessionHandle, error) {
	backoff := sttBackoffInitial
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		handle, err := p.StartStream(ctx, cfg)
		if err == nil {
			if attempt > 1 {
				log.Info("call: stt reconnected", "attempt", attempt)
			}
			return handle, nil
		}
		lastErr = err
		log.Warn("call: stt connect attempt failed",
			"attempt", attempt, "max_attempts", attempts, "backoff", backoff, "err", err)

		if attempt == attempts {
			break
		}
		sleep(backoff)
		backoff *= 2
		if backoff > sttBackoffCap {
			backoff = sttBackoffCap
		}
	}

	return nil, fault.Wrap(fault.ProviderTransient, "stt_unrecoverable", lastErr)
}
