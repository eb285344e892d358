package call

import (
	"regexp"
	"strings"
)

// Phase is the conversational stage of a live call. The current phase tags
// every dialogue entry and selects the per-phase prompt window the engine
// keeps verbatim.
type Phase string

const (
	// PhaseGreeting covers the opening line until the caller has spoken.
	PhaseGreeting Phase = "greeting"

	// PhaseResolution is the working body of the call.
	PhaseResolution Phase = "resolution"

	// PhaseVerification is entered when the exchange turns to identity or
	// code verification, by keyword, profile, or a sensitive collection.
	PhaseVerification Phase = "verification"

	// PhaseClosing means a farewell is queued or the turn budget is spent;
	// no new engine turns start.
	PhaseClosing Phase = "closing"

	// PhaseTerminal is set once the session tears down.
	PhaseTerminal Phase = "terminal"
)

// defaultMaxTurns is the caller-turn budget after which the session steers
// into the closing phase.
const defaultMaxTurns = 40

var verifyKeywords = regexp.MustCompile(`\b(otp|code|verify|passcode)\b`)

// advancePhase computes the phase after one caller utterance. userTurns
// counts completed caller turns including this one. Closing and terminal
// are sticky; everything else moves forward only.
func advancePhase(cur Phase, utterance string, userTurns, maxTurns int) Phase {
	if cur == PhaseClosing || cur == PhaseTerminal {
		return cur
	}
	if maxTurns > 0 && userTurns >= maxTurns {
		return PhaseClosing
	}
	if verifyKeywords.MatchString(strings.ToLower(utterance)) {
		return PhaseVerification
	}
	if cur == PhaseGreeting {
		return PhaseResolution
	}
	return cur
}

// phaseOnProfileChange maps an explicit profile change onto the phase
// machine: the verification profile forces the verification phase, any
// other profile releases it.
func phaseOnProfileChange(cur Phase, profile string) Phase {
	if cur == PhaseClosing || cur == PhaseTerminal {
		return cur
	}
	if strings.EqualFold(strings.TrimSpace(profile), "verification") {
		return PhaseVerification
	}
	if cur == PhaseVerification {
		return PhaseResolution
	}
	return cur
}

// phaseAfterCapture returns the phase once a digit collection resolves.
// A verification exchange drops back to resolution; other phases hold.
func phaseAfterCapture(cur Phase) Phase {
	if cur == PhaseVerification {
		return PhaseResolution
	}
	return cur
}
