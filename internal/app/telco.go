package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/routatel/trunkline/internal/config"
	"github.com/routatel/trunkline/internal/digits"
	"github.com/routatel/trunkline/internal/route"
	"github.com/routatel/trunkline/internal/store"
	"github.com/routatel/trunkline/pkg/provider/telco"
)

// telcoBridge adapts the provider router to the call-session action surface.
// Each action resolves the call's own provider from the store so a failover
// mid-call keeps driving the leg that actually carries it.
type telcoBridge struct {
	cfg    *config.Config
	st     store.CallStore
	router *route.Router
}

func newTelcoBridge(cfg *config.Config, st store.CallStore, router *route.Router) *telcoBridge {
	return &telcoBridge{cfg: cfg, st: st, router: router}
}

// provider returns the telco backend carrying callSID.
func (b *telcoBridge) provider(ctx context.Context, callSID string) (telco.Provider, string, error) {
	rec, err := b.st.Call(ctx, callSID)
	if err != nil {
		return nil, "", fmt.Errorf("resolve call %s: %w", callSID, err)
	}
	p, ok := b.router.Get(rec.Provider)
	if !ok {
		return nil, "", fmt.Errorf("provider %q for call %s is not registered", rec.Provider, callSID)
	}
	return p, rec.Provider, nil
}

// Gather issues a provider-side IVR gather. The action URL carries the plan
// coordinates so stale callbacks can be rejected by the collector.
func (b *telcoBridge) Gather(ctx context.Context, callSID string, spec digits.GatherSpec) error {
	p, _, err := b.provider(ctx, callSID)
	if err != nil {
		return err
	}
	g, ok := p.(telco.Gatherer)
	if !ok {
		return fmt.Errorf("provider %q cannot gather digits", p.Name())
	}

	q := url.Values{}
	q.Set("callSid", callSID)
	q.Set("planId", spec.PlanID)
	q.Set("stepIndex", fmt.Sprintf("%d", spec.StepIndex))
	q.Set("channelSessionId", spec.ChannelSessionID)

	return g.Gather(ctx, callSID, telco.GatherRequest{
		NumDigits: spec.NumDigits,
		TimeoutS:  spec.TimeoutS,
		Prompt:    spec.Prompt,
		Voice:     b.cfg.Providers.Twilio.TTSVoice,
		ActionURL: fmt.Sprintf("https://%s/webhook/twilio-gather?%s", b.cfg.Server.PublicHost, q.Encode()),
	})
}

// Transfer redirects the live call leg to target by replacing its
// instruction document.
func (b *telcoBridge) Transfer(ctx context.Context, callSID, target string) error {
	p, name, err := b.provider(ctx, callSID)
	if err != nil {
		return err
	}
	return p.UpdateCall(ctx, callSID, transferDoc(name, target))
}

// SendSMS sends one message from the configured caller ID via the current
// SMS provider. Delivery receipts land on /webhook/sms-status.
func (b *telcoBridge) SendSMS(ctx context.Context, to, body string) error {
	p, err := b.router.PickSMS(ctx)
	if err != nil {
		return err
	}
	_, err = p.SendSMS(ctx, telco.SMSRequest{
		To:                to,
		From:              b.cfg.Providers.Twilio.FromNumber,
		Body:              body,
		StatusCallbackURL: fmt.Sprintf("https://%s/webhook/sms-status", b.cfg.Server.PublicHost),
	})
	return err
}

// Hangup ends the call on the provider side.
func (b *telcoBridge) Hangup(ctx context.Context, callSID string) error {
	p, _, err := b.provider(ctx, callSID)
	if err != nil {
		return err
	}
	return p.Hangup(ctx, callSID)
}

// transferDoc builds the provider instruction document that dials target.
func transferDoc(provider, target string) string {
	if provider == "vonage" {
		return fmt.Sprintf(`[{"action":"connect","endpoint":[{"type":"phone","number":%q}]}]`, target)
	}
	esc := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(target)
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><Response><Dial>%s</Dial></Response>`, esc)
}
