// Package telco defines the telephony provider abstraction: control-plane
// call operations (placement, hangup, mid-call instruction updates), audio
// delivery into an attached media stream, webhook signature verification,
// and the parallel SMS surface.
//
// Adapters live in subpackages (twilio, vonage, mock) and are selected per
// call by the provider router.
package telco

import (
	"context"
	"errors"
	"net/http"

	"github.com/routatel/trunkline/pkg/media"
)

var (
	// ErrNoStream is returned by SendMedia when no media stream is attached
	// for the call.
	ErrNoStream = errors.New("telco: no media stream attached for call")

	// ErrNotSupported is returned for operations a provider has no
	// equivalent for.
	ErrNotSupported = errors.New("telco: operation not supported by provider")
)

// CallRequest describes an outbound call placement.
type CallRequest struct {
	// To and From are E.164 numbers.
	To   string
	From string

	// AnswerURL is fetched by the provider when the callee picks up; it
	// returns the instruction document that attaches the media stream.
	AnswerURL string

	// StatusCallbackURL receives lifecycle events (initiated, ringing,
	// answered, completed).
	StatusCallbackURL string

	// MachineDetection asks the provider to classify who answered.
	MachineDetection bool

	// TimeoutS bounds ringing time in seconds; zero uses the provider
	// default.
	TimeoutS int

	// Params are forwarded to the media stream as custom parameters.
	Params map[string]string
}

// CallResult is the provider's acknowledgement of a placement.
type CallResult struct {
	// ProviderCallID is the provider-assigned call identifier.
	ProviderCallID string

	// Status is the provider-native initial status ("queued", "started").
	Status string
}

// GatherRequest describes provider-side digit collection issued as a
// mid-call instruction update.
type GatherRequest struct {
	NumDigits int
	TimeoutS  int

	// Prompt is spoken while gathering; Voice selects the provider voice.
	Prompt string
	Voice  string

	// ActionURL receives the gathered digits. It carries planId, stepIndex,
	// and channelSessionId so stale callbacks can be rejected.
	ActionURL string

	// FollowUp is an optional instruction fragment appended after the
	// gather (reprompt or hangup).
	FollowUp string
}

// SMSRequest describes one outbound message.
type SMSRequest struct {
	To   string
	From string
	Body string

	// StatusCallbackURL receives delivery receipts.
	StatusCallbackURL string
}

// SMSResult is the provider's acknowledgement of a send.
type SMSResult struct {
	ProviderMessageID string
	Status            string
	Segments          int
}

// Provider is one configured telephony backend. Implementations must be
// safe for concurrent use; the router shares one instance across calls.
type Provider interface {
	// Name returns the provider identifier used in config and health logs.
	Name() string

	// PlaceCall starts an outbound call.
	PlaceCall(ctx context.Context, req CallRequest) (CallResult, error)

	// Hangup terminates an active call.
	Hangup(ctx context.Context, providerCallID string) error

	// SendMedia writes synthesized audio into the media stream attached
	// for callSID. Fails with ErrNoStream when the stream is gone.
	SendMedia(ctx context.Context, callSID string, audio []byte) error

	// UpdateCall replaces the live call's instruction document (TwiML or
	// NCCO), used for IVR gather fallback and transfers.
	UpdateCall(ctx context.Context, providerCallID, instructions string) error

	// VerifyWebhook authenticates an inbound provider webhook. body is the
	// raw request body; the request's form values must still be intact.
	VerifyWebhook(r *http.Request, body []byte) error
}

// StreamAttacher is implemented by providers that route SendMedia through
// attached media streams. The call session attaches its stream on start
// and detaches on close.
type StreamAttacher interface {
	AttachStream(callSID string, s media.Stream)
	DetachStream(callSID string)
}

// Gatherer is an optional capability: providers that can collect digits
// out-of-band through an IVR gather instruction implement it.
type Gatherer interface {
	Gather(ctx context.Context, providerCallID string, req GatherRequest) error
}

// SMSProvider is one configured messaging backend.
type SMSProvider interface {
	// Name returns the provider identifier.
	Name() string

	// SendSMS submits one message.
	SendSMS(ctx context.Context, req SMSRequest) (SMSResult, error)

	// VerifyWebhook authenticates a delivery-receipt webhook.
	VerifyWebhook(r *http.Request, body []byte) error

	// MessageStatus re-queries delivery state for reconciliation. Providers
	// that only push receipts return ErrNotSupported.
	MessageStatus(ctx context.Context, providerMessageID string) (string, error)
}
