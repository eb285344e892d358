// Package call is the per-call session runtime. A Session owns one live
// phone call end to end: it pulls caller audio off the media stream in
// sequence order, feeds speech-to-text, drives the turn engine on utterance
// boundaries, paces synthesized replies back out chunk by chunk, and routes
// keypad input to the digit collector while an expectation is armed.
//
// Every session runs as an actor: a single goroutine drains a command
// mailbox and the provider channels, so transcript finals, tool effects,
// digit events, and playback acknowledgements never interleave state
// mutation. Public methods enqueue work onto the mailbox; Close cancels the
// loop context and is safe to call any number of times.
package call

import (
	"context"
	"time"

	"github.com/routatel/trunkline/internal/digits"
	"github.com/routatel/trunkline/internal/engine"
	"github.com/routatel/trunkline/internal/engine/toolexec"
	"github.com/routatel/trunkline/pkg/media"
	"github.com/routatel/trunkline/pkg/types"
)

// Responder is the slice of the turn engine a session drives.
type Responder interface {
	Respond(ctx context.Context, turn engine.Turn) (*engine.Result, error)
}

// Telco exposes the provider-side call actions a session can request
// beyond the media stream: IVR gathers, transfers, SMS, and REST hangup.
// A nil Telco disables them; the affected tools report failure.
type Telco interface {
	// Gather issues a provider-side DTMF gather whose action URL carries
	// the plan id, step index, and channel session id from spec.
	Gather(ctx context.Context, callSID string, spec digits.GatherSpec) error

	// Transfer redirects the call leg to target.
	Transfer(ctx context.Context, callSID, target string) error

	// SendSMS sends a text message from the call's caller ID.
	SendSMS(ctx context.Context, to, body string) error

	// Hangup ends the call on the provider side.
	Hangup(ctx context.Context, callSID string) error
}

// EventKind discriminates provider events pushed into a session.
type EventKind string

const (
	// EventStatus is a provider call-status transition.
	EventStatus EventKind = "status"

	// EventDTMF is a keypad press relayed outside the media socket.
	EventDTMF EventKind = "dtmf"

	// EventMachine reports the answering-machine detection verdict.
	EventMachine EventKind = "machine"

	// EventGatherResult is a provider IVR gather callback.
	EventGatherResult EventKind = "gather_result"

	// EventHangup asks the session to end the call.
	EventHangup EventKind = "hangup"

	// EventProfile switches the call profile mid-call.
	EventProfile EventKind = "profile"

	// EventOperator carries an operator command: a wrap-up request or a
	// persona override.
	EventOperator EventKind = "operator"
)

// Event is one provider or operator event for [Session.PushEvent].
type Event struct {
	Kind EventKind

	// Status and At apply to EventStatus. A zero At defaults to now.
	Status types.CallStatus
	At     time.Time

	// Digit applies to EventDTMF.
	Digit string

	// AnsweredBy applies to EventMachine ("human", "machine_start", ...).
	AnsweredBy string

	// Gather applies to EventGatherResult.
	Gather *digits.GatherResult

	// Profile applies to EventProfile.
	Profile string

	// Command and Override apply to EventOperator. Command "wrap_up"
	// speaks a farewell and ends the call; "hangup" ends it immediately.
	// A non-empty Override replaces the operator persona override for
	// subsequent turns.
	Command  string
	Override string

	// Reason annotates EventHangup.
	Reason string
}

// SessionConfig describes one call being attached to the runtime.
type SessionConfig struct {
	// Stream is the live media connection. Required.
	Stream media.Stream

	// PhoneNumber is the caller/callee E.164 number, used as the default
	// SMS destination.
	PhoneNumber string

	// Prompt is the operator persona instruction the call was placed with.
	Prompt string

	// FirstMessage is spoken as soon as the media stream starts.
	FirstMessage string

	// Intent is the stated purpose of the call, surfaced to the engine.
	Intent string

	// Profile selects the persona overlay ("support", "sales",
	// "verification", "collections").
	Profile string

	CustomerName    string
	BusinessContext string

	// Language is the STT language hint. Defaults to "en".
	Language string

	// Voice is the synthesis voice; Voice.BackupID is retried once after
	// a synthesis failure.
	Voice types.VoiceProfile

	// Registry holds extra tools offered to the model on this call, on
	// top of the built-in call tools. Optional.
	Registry *toolexec.Registry

	// ChannelSessionID tags IVR gather callbacks so stale ones are
	// rejected. Empty disables the gather fallback.
	ChannelSessionID string

	// MaxTurns is the caller-turn budget before the session steers into
	// the closing phase. Defaults to 40.
	MaxTurns int
}
