// Package digits converts keypad and spoken input into validated,
// profile-typed digit payloads.
//
// A [Collector] holds at most one in-flight expectation per call. The
// expectation is installed by [Collector.Expect] (or, for multi-step
// collections, [Collector.StartPlan]), fed by the call runtime through
// [Collector.Press], [Collector.HandleGatherResult], and
// [Collector.HandleSpokenFinal], and resolves through the event stream
// returned by [Collector.Events]: prompts to speak, accepted payloads,
// IVR gather requests, and terminal failures.
//
// Raw sensitive digits never leave the package unprotected: accepted
// values for sensitive profiles are sealed into the [Vault] and appear in
// digit events, transcripts, and summaries only as vault tokens or masked
// forms (see [Mask]). The raw value rides on [Result.Digits] in memory for
// the runtime that needs it; it must never be persisted or handed to the
// model when masking is on.
package digits

import (
	"github.com/routatel/trunkline/pkg/types"
)

// Request describes one collection to install. Zero-valued fields inherit
// the profile table defaults; bounds are clamped into the profile's
// authoritative range.
type Request struct {
	// Profile selects the validator and defaults. Unknown profiles
	// downgrade to generic and are logged.
	Profile string

	// MinDigits and MaxDigits override the profile bounds. Values are
	// clamped so that 1 <= MinDigits <= MaxDigits and both stay inside
	// the profile's range.
	MinDigits int
	MaxDigits int

	// TimeoutS is the per-attempt entry window in seconds. Zero uses the
	// profile default.
	TimeoutS int

	// MaxRetries is how many reprompts are allowed before the collection
	// fails. Zero uses the profile default.
	MaxRetries int

	// Prompt is spoken when the expectation is installed. When empty the
	// runtime's own utterance serves as the prompt and it must call
	// [Collector.PromptMarked] once that utterance finishes.
	Prompt string

	// Reprompts are spoken after rejected or timed-out attempts, indexed
	// by retry number and clamped to the last entry. Empty slices fall
	// back to built-in phrasing.
	Reprompts RepromptSet

	// TimeoutFailureMessage is spoken when retries are exhausted.
	TimeoutFailureMessage string

	// AllowTerminator finalizes the buffer early when Terminator is
	// pressed. Terminator defaults to '#'.
	AllowTerminator bool
	Terminator      byte

	// MenuOptions are the accepted keys for the menu profile.
	MenuOptions []string

	// EndCallOnSuccess and MaskForGPT override the profile defaults when
	// non-nil.
	EndCallOnSuccess *bool
	MaskForGPT       *bool
}

// RepromptSet holds the reprompt text per failure class.
type RepromptSet struct {
	// Invalid is used when a complete buffer fails validation or the
	// spam heuristics.
	Invalid []string

	// Incomplete is used when entry stops short of the minimum length.
	Incomplete []string

	// Timeout is used when the entry window elapses with an empty buffer.
	Timeout []string
}

// Plan is an ordered sequence of collections with a completion policy.
// Step N+1 is installed only after step N resolves.
type Plan struct {
	// ID tags gather callbacks so stale ones are ignored. A fresh ID is
	// generated when empty.
	ID string

	Steps []Request

	// CompletionMessage is spoken after the final step is accepted.
	CompletionMessage string

	// EndCallOnComplete asks the runtime to close the call after the
	// completion message.
	EndCallOnComplete bool
}

// EventKind labels a collector output.
type EventKind string

const (
	// EventPrompt carries text the runtime should synthesize: an initial
	// prompt, a reprompt, or the liveness check.
	EventPrompt EventKind = "prompt"

	// EventAccepted reports one resolved expectation.
	EventAccepted EventKind = "accepted"

	// EventPlanDone reports a fully collected plan.
	EventPlanDone EventKind = "plan_done"

	// EventGather asks the runtime to issue a provider-side IVR gather.
	EventGather EventKind = "gather"

	// EventFailed reports a terminally failed collection.
	EventFailed EventKind = "failed"
)

// Event is one state-machine output for the call runtime to act on.
type Event struct {
	Kind EventKind

	// Text is the utterance to synthesize, when any: the prompt text, an
	// acceptance confirmation, the plan completion message, or the
	// failure message.
	Text string

	// EndCall asks the runtime to close the call after speaking Text.
	EndCall bool

	// Result is set on accepted events.
	Result *Result

	// Results is set on plan_done events, one entry per step in order.
	Results []Result

	// Gather is set on gather events.
	Gather *GatherSpec
}

// Result is one accepted collection. Digits carries the raw value for the
// runtime only; transcripts, summaries, and model prompts must use Token
// or Masked while MaskForGPT is set.
type Result struct {
	Profile string
	Digits  string
	Masked  string

	// Token is the vault reference for sensitive profiles, empty when the
	// vault is disabled or the profile is not sensitive.
	Token string

	Len        int
	Source     types.DigitSource
	PlanID     string
	StepIndex  int
	MaskForGPT bool
}

// GatherSpec asks the runtime to issue a provider IVR gather whose action
// URL carries the plan id, step index, and channel session id so that
// stale callbacks can be rejected.
type GatherSpec struct {
	Prompt           string
	NumDigits        int
	TimeoutS         int
	PlanID           string
	StepIndex        int
	ChannelSessionID string
}

// GatherResult is a provider gather callback routed back to the collector.
// Empty Digits means the provider-side gather timed out.
type GatherResult struct {
	Digits           string
	PlanID           string
	StepIndex        int
	ChannelSessionID string
}
