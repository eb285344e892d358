package types

import "time"

// CallEventType discriminates the variants of a CallEvent.
type CallEventType string

const (
	// CallEventStatus reports a provider status transition.
	CallEventStatus CallEventType = "status"

	// CallEventTranscript carries a persisted dialogue line.
	CallEventTranscript CallEventType = "transcript"

	// CallEventReply carries one streamed assistant chunk.
	CallEventReply CallEventType = "gptreply"

	// CallEventDigit reports a digit-collection outcome.
	CallEventDigit CallEventType = "digit"

	// CallEventPhase reports a dialogue phase transition.
	CallEventPhase CallEventType = "phase"

	// CallEventMark reports provider playback acknowledgement of a chunk.
	CallEventMark CallEventType = "mark"

	// CallEventError reports a recoverable session error.
	CallEventError CallEventType = "error"

	// CallEventHangup reports call teardown with a reason.
	CallEventHangup CallEventType = "hangup"
)

// CallEvent is the single-variant union emitted on a call session's live
// event bus. Type selects which payload field is meaningful; all others are
// zero.
type CallEvent struct {
	Type    CallEventType `json:"type"`
	CallSID string        `json:"call_sid"`
	At      time.Time     `json:"at"`

	Status     CallStatus       `json:"status,omitempty"`
	Transcript *TranscriptEntry `json:"transcript,omitempty"`
	Reply      *ReplyChunk      `json:"reply,omitempty"`
	Digit      *DigitEvent      `json:"digit,omitempty"`
	Phase      string           `json:"phase,omitempty"`
	Mark       string           `json:"mark,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Err        string           `json:"error,omitempty"`
}

// ReplyChunk is one streamed assistant text chunk, paced to TTS by the
// sentinel protocol. Chunks are released to the provider strictly in
// PartialResponseIndex order.
type ReplyChunk struct {
	PartialResponseIndex int             `json:"partialResponseIndex"`
	PartialResponse      string          `json:"partialResponse"`
	PersonalityInfo      PersonalityInfo `json:"personalityInfo"`
	PersonaConsistency   float64         `json:"personaConsistency"`
}

// PersonalityInfo describes the persona layering active when a chunk was
// produced.
type PersonalityInfo struct {
	Persona string `json:"persona,omitempty"`
	Tone    string `json:"tone,omitempty"`
	Urgency string `json:"urgency,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// ProviderEventType discriminates normalized telephony provider events.
type ProviderEventType string

const (
	ProviderEventStatus        ProviderEventType = "status"
	ProviderEventAnswered      ProviderEventType = "answered"
	ProviderEventDTMF          ProviderEventType = "dtmf"
	ProviderEventGatherResult  ProviderEventType = "gather_result"
	ProviderEventMachineDetect ProviderEventType = "machine_detect"
	ProviderEventHangup        ProviderEventType = "hangup"
)

// ProviderEvent is a telephony webhook event translated into a core command
// for the call session runtime.
type ProviderEvent struct {
	Type    ProviderEventType `json:"type"`
	CallSID string            `json:"call_sid"`
	At      time.Time         `json:"at"`

	// Status accompanies ProviderEventStatus.
	Status CallStatus `json:"status,omitempty"`

	// Digit is a single DTMF key for ProviderEventDTMF.
	Digit string `json:"digit,omitempty"`

	// Digits is the full gather payload for ProviderEventGatherResult.
	Digits string `json:"digits,omitempty"`

	// PlanID, StepIndex, and ChannelSessionID echo the gather action URL
	// parameters so stale gather callbacks can be rejected.
	PlanID           string `json:"plan_id,omitempty"`
	StepIndex        int    `json:"step_index,omitempty"`
	ChannelSessionID string `json:"channel_session_id,omitempty"`

	// AnsweredBy reports machine detection ("human", "machine", ...).
	AnsweredBy string `json:"answered_by,omitempty"`

	// Reason accompanies ProviderEventHangup.
	Reason string `json:"reason,omitempty"`
}
