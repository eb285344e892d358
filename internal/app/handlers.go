package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/routatel/trunkline/internal/httpapi"
	"github.com/routatel/trunkline/internal/jobs"
	"github.com/routatel/trunkline/pkg/provider/telco"
	"github.com/routatel/trunkline/pkg/types"
)

// registerJobHandlers binds the deferred-work kinds to the runner. Webhook
// delivery registers itself through the deliverer.
func (a *App) registerJobHandlers() {
	a.runner.Register(jobs.KindOutboundCall, a.handleOutboundCallJob)
	a.runner.Register(jobs.KindScheduledSMS, a.handleScheduledSMSJob)
	a.runner.Register(jobs.KindReconcileSMS, a.handleReconcileSMSJob)
}

// handleOutboundCallJob places a scheduled or previously failed outbound
// call from its stored record. The provider assigns its own SID for the new
// leg; it is recorded as a placement event against the original record.
func (a *App) handleOutboundCallJob(ctx context.Context, job types.Job) error {
	var p jobs.OutboundCallPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("outbound call payload: %w", err)
	}

	rec, err := a.st.Call(ctx, p.CallSID)
	if err != nil {
		return fmt.Errorf("load call %s: %w", p.CallSID, err)
	}
	if rec.Status.IsTerminal() || rec.Status == types.CallInProgress {
		a.log.Info("app: outbound call job is moot", "call_sid", p.CallSID, "status", rec.Status)
		return nil
	}

	prov, err := a.router.PickFor(ctx, "outbound")
	if err != nil {
		return err
	}

	to := p.To
	if to == "" {
		to = rec.PhoneNumber
	}
	answerURL, statusURL := httpapi.PlacementWebhooks(prov.Name(), a.cfg.Server.PublicHost)
	result, err := prov.PlaceCall(ctx, telco.CallRequest{
		To:                to,
		From:              a.fromNumber(prov.Name()),
		AnswerURL:         answerURL,
		StatusCallbackURL: statusURL,
		MachineDetection:  true,
	})
	if err != nil {
		a.router.ReportFailure(ctx, prov.Name(), err)
		return err
	}
	a.router.ReportSuccess(ctx, prov.Name())

	data, _ := json.Marshal(map[string]string{
		"provider":         prov.Name(),
		"provider_call_id": result.ProviderCallID,
	})
	if err := a.st.AppendCallState(ctx, &types.CallStateEntry{
		CallSID:   p.CallSID,
		Kind:      "placement",
		Data:      data,
		CreatedAt: time.Now(),
	}); err != nil {
		a.log.Warn("app: placement state write failed", "call_sid", p.CallSID, "err", err)
	}
	return nil
}

// handleScheduledSMSJob sends a deferred text message.
func (a *App) handleScheduledSMSJob(ctx context.Context, job types.Job) error {
	var p jobs.ScheduledSMSPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("scheduled sms payload: %w", err)
	}

	prov, err := a.router.PickSMS(ctx)
	if err != nil {
		return err
	}
	result, err := prov.SendSMS(ctx, telco.SMSRequest{
		To:                p.To,
		From:              a.fromNumber(prov.Name()),
		Body:              p.Body,
		StatusCallbackURL: fmt.Sprintf("https://%s/webhook/sms-status?callSid=%s", a.cfg.Server.PublicHost, p.CallSID),
	})
	if err != nil {
		return err
	}

	if p.CallSID != "" {
		data, _ := json.Marshal(map[string]string{
			"provider_message_id": result.ProviderMessageID,
			"status":              result.Status,
			"to":                  p.To,
		})
		if err := a.st.AppendCallState(ctx, &types.CallStateEntry{
			CallSID:   p.CallSID,
			Kind:      "sms_sent",
			Data:      data,
			CreatedAt: time.Now(),
		}); err != nil {
			a.log.Warn("app: sms state write failed", "call_sid", p.CallSID, "err", err)
		}
	}
	return nil
}

// handleReconcileSMSJob re-queries delivery state for a message whose
// receipt reported failure, and records the authoritative answer.
func (a *App) handleReconcileSMSJob(ctx context.Context, job types.Job) error {
	var p jobs.ReconcileSMSPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("reconcile sms payload: %w", err)
	}

	prov, err := a.router.PickSMS(ctx)
	if err != nil {
		return err
	}
	status, err := prov.MessageStatus(ctx, p.ProviderMessageID)
	if err != nil {
		return fmt.Errorf("message status %s: %w", p.ProviderMessageID, err)
	}

	a.log.Info("app: sms reconciled",
		"provider_message_id", p.ProviderMessageID, "status", status, "call_sid", p.CallSID)

	if p.CallSID != "" {
		data, _ := json.Marshal(map[string]string{
			"provider_message_id": p.ProviderMessageID,
			"status":              status,
		})
		if err := a.st.AppendCallState(ctx, &types.CallStateEntry{
			CallSID:   p.CallSID,
			Kind:      "sms_reconciled",
			Data:      data,
			CreatedAt: time.Now(),
		}); err != nil {
			a.log.Warn("app: reconcile state write failed", "call_sid", p.CallSID, "err", err)
		}
	}
	return nil
}

// fromNumber picks the caller ID registered with the named provider.
func (a *App) fromNumber(provider string) string {
	if provider == "vonage" && a.cfg.Providers.Vonage.FromNumber != "" {
		return a.cfg.Providers.Vonage.FromNumber
	}
	return a.cfg.Providers.Twilio.FromNumber
}
