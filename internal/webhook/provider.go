package webhook

import (
	"log/slog"
	"net/http"

	"github.com/routatel/trunkline/internal/config"
	"github.com/routatel/trunkline/internal/fault"
)

// ProviderVerifier authenticates an inbound provider webhook from its
// native signature scheme (Twilio HMAC-SHA1, Vonage JWT). Both telco
// provider interfaces satisfy it.
type ProviderVerifier interface {
	VerifyWebhook(r *http.Request, body []byte) error
}

// VerifyProvider applies the configured validation mode to a provider
// webhook: strict turns a verification failure into an auth fault, warn
// logs and admits the request, off skips verification entirely.
func VerifyProvider(mode config.ValidationMode, v ProviderVerifier, r *http.Request, body []byte) error {
	if mode == config.ValidationOff || v == nil {
		return nil
	}
	err := v.VerifyWebhook(r, body)
	if err == nil {
		return nil
	}
	if mode == config.ValidationWarn {
		slog.Warn("webhook: provider signature failed, admitting in warn mode",
			"path", r.URL.Path, "err", err)
		return nil
	}
	if fault.KindOf(err) == fault.Auth {
		return err
	}
	return fault.Wrap(fault.Auth, "provider_signature", err)
}
