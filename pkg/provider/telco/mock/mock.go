// Package mock provides test doubles for the telco package interfaces.
//
// Provider records every control-plane call and returns configured results,
// so tests can assert placement parameters, hangups, and instruction
// updates without a real telephony backend.
package mock

import (
	"context"
	"net/http"
	"sync"

	"github.com/routatel/trunkline/pkg/media"
	"github.com/routatel/trunkline/pkg/provider/telco"
)

// PlaceCallCall records a single invocation of Provider.PlaceCall.
type PlaceCallCall struct {
	Req telco.CallRequest
}

// SendMediaCall records a single invocation of Provider.SendMedia.
type SendMediaCall struct {
	CallSID string
	Audio   []byte
}

// UpdateCallCall records a single invocation of Provider.UpdateCall.
type UpdateCallCall struct {
	ProviderCallID string
	Instructions   string
}

// GatherCall records a single invocation of Provider.Gather.
type GatherCall struct {
	ProviderCallID string
	Req            telco.GatherRequest
}

// SendSMSCall records a single invocation of Provider.SendSMS.
type SendSMSCall struct {
	Req telco.SMSRequest
}

// Provider is a mock implementation of telco.Provider, telco.SMSProvider,
// telco.StreamAttacher, and telco.Gatherer.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// PlaceCallResult is returned by PlaceCall when PlaceCallErr is nil.
	PlaceCallResult telco.CallResult

	// SendSMSResult is returned by SendSMS when SendSMSErr is nil.
	SendSMSResult telco.SMSResult

	// MessageStatusResult is returned by MessageStatus.
	MessageStatusResult string

	// Configured errors, returned by the matching method when non-nil.
	PlaceCallErr     error
	HangupErr        error
	SendMediaErr     error
	UpdateCallErr    error
	GatherErr        error
	SendSMSErr       error
	VerifyWebhookErr error
	MessageStatusErr error

	// --- Call records ---

	PlaceCallCalls     []PlaceCallCall
	HangupCalls        []string
	SendMediaCalls     []SendMediaCall
	UpdateCallCalls    []UpdateCallCall
	GatherCalls        []GatherCall
	SendSMSCalls       []SendSMSCall
	VerifyWebhookCount int
	MessageStatusCalls []string

	// Streams tracks AttachStream/DetachStream registrations.
	Streams map[string]media.Stream
}

var (
	_ telco.Provider       = (*Provider)(nil)
	_ telco.SMSProvider    = (*Provider)(nil)
	_ telco.StreamAttacher = (*Provider)(nil)
	_ telco.Gatherer       = (*Provider)(nil)
)

// Name returns ProviderName, defaulting to "mock".
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// PlaceCall records the call and returns PlaceCallResult, PlaceCallErr.
func (p *Provider) PlaceCall(_ context.Context, req telco.CallRequest) (telco.CallResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PlaceCallCalls = append(p.PlaceCallCalls, PlaceCallCall{Req: req})
	if p.PlaceCallErr != nil {
		return telco.CallResult{}, p.PlaceCallErr
	}
	return p.PlaceCallResult, nil
}

// Hangup records the call and returns HangupErr.
func (p *Provider) Hangup(_ context.Context, providerCallID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.HangupCalls = append(p.HangupCalls, providerCallID)
	return p.HangupErr
}

// SendMedia records the call and returns SendMediaErr.
func (p *Provider) SendMedia(_ context.Context, callSID string, audio []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(audio))
	copy(cp, audio)
	p.SendMediaCalls = append(p.SendMediaCalls, SendMediaCall{CallSID: callSID, Audio: cp})
	return p.SendMediaErr
}

// UpdateCall records the call and returns UpdateCallErr.
func (p *Provider) UpdateCall(_ context.Context, providerCallID, instructions string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.UpdateCallCalls = append(p.UpdateCallCalls, UpdateCallCall{
		ProviderCallID: providerCallID,
		Instructions:   instructions,
	})
	return p.UpdateCallErr
}

// Gather records the call and returns GatherErr.
func (p *Provider) Gather(_ context.Context, providerCallID string, req telco.GatherRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GatherCalls = append(p.GatherCalls, GatherCall{ProviderCallID: providerCallID, Req: req})
	return p.GatherErr
}

// AttachStream records the stream registration.
func (p *Provider) AttachStream(callSID string, s media.Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Streams == nil {
		p.Streams = make(map[string]media.Stream)
	}
	p.Streams[callSID] = s
}

// DetachStream removes the stream registration.
func (p *Provider) DetachStream(callSID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.Streams, callSID)
}

// SendSMS records the call and returns SendSMSResult, SendSMSErr.
func (p *Provider) SendSMS(_ context.Context, req telco.SMSRequest) (telco.SMSResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SendSMSCalls = append(p.SendSMSCalls, SendSMSCall{Req: req})
	if p.SendSMSErr != nil {
		return telco.SMSResult{}, p.SendSMSErr
	}
	return p.SendSMSResult, nil
}

// VerifyWebhook counts the call and returns VerifyWebhookErr.
func (p *Provider) VerifyWebhook(_ *http.Request, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.VerifyWebhookCount++
	return p.VerifyWebhookErr
}

// MessageStatus records the call and returns MessageStatusResult.
func (p *Provider) MessageStatus(_ context.Context, providerMessageID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.MessageStatusCalls = append(p.MessageStatusCalls, providerMessageID)
	if p.MessageStatusErr != nil {
		return "", p.MessageStatusErr
	}
	return p.MessageStatusResult, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PlaceCallCalls = nil
	p.HangupCalls = nil
	p.SendMediaCalls = nil
	p.UpdateCallCalls = nil
	p.GatherCalls = nil
	p.SendSMSCalls = nil
	p.VerifyWebhookCount = 0
	p.MessageStatusCalls = nil
	p.Streams = nil
}
