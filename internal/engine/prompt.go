package engine

import (
	"strings"
)

// Tone directive keys recognised by the persona composer and the
// consistency scorer. Unknown tones compose as neutral.
const (
	ToneCrisisManager  = "crisis_manager"
	TonePatientTeacher = "patient_teacher"
	ToneMatterOfFact   = "matter_of_fact"
)

// Urgency levels. Anything else is treated as normal.
const (
	UrgencyLow      = "low"
	UrgencyNormal   = "normal"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

// pacingDirective asks the model for the bullet sentinel the stream
// splitter paces TTS fragments on. It is appended to every composed
// system prompt.
const pacingDirective = "Insert the token • after every 5 to 10 words. " +
	"The token marks where your reply can be spoken aloud in fragments; " +
	"never mention or explain it."

// PersonaInput carries the raw persona layers for one call. The session
// updates fields as the call evolves (profile change, mood or urgency
// shift, operator override) and the composer re-renders them into a
// single system persona on every turn.
type PersonaInput struct {
	// BasePersona is the operator-supplied instruction the call was
	// placed with.
	BasePersona string

	// Profile selects the call-profile overlay ("support", "sales",
	// "verification", "collections"). Unknown profiles use the generic
	// overlay.
	Profile string

	// Domain, Channel and Urgency feed the persona DSL directive.
	Domain  string
	Channel string
	Urgency string

	// Tone selects the tone directive. Empty composes as neutral.
	Tone string

	// TechnicalLevel adjusts vocabulary ("novice", "expert"). Empty
	// means no adjustment.
	TechnicalLevel string

	// BusinessContext is free-form campaign or account context folded
	// in verbatim when present.
	BusinessContext string

	// OperatorOverride, when set, is appended last and wins over every
	// other layer.
	OperatorOverride string
}

// ComposedPersona is the rendered persona for one turn. Text goes into
// the system prompt; Label is reported as personalityInfo on every
// reply fragment; Tone and Urgency drive the consistency scorer.
type ComposedPersona struct {
	Text    string
	Label   string
	Tone    string
	Urgency string
}

// profileOverlays refine the base persona per call profile.
var profileOverlays = map[string]string{
	"support": "You are handling a customer support call. Resolve the issue " +
		"before offering anything else, and confirm the resolution in plain words.",
	"sales": "You are handling an outbound sales call. Lead with the value to " +
		"this specific customer and accept a no without pushing.",
	"verification": "You are verifying the caller's identity. Ask for exactly " +
		"one item at a time and never read sensitive digits back in full.",
	"collections": "You are handling a payment reminder call. State the amount " +
		"and due date once, clearly, and offer a concrete way to pay.",
	"generic": "You are handling a phone call on behalf of the business. Stay " +
		"on the stated purpose of the call.",
}

// toneDirectives shape delivery independent of the call profile.
var toneDirectives = map[string]string{
	ToneCrisisManager: "Adopt a calm, steady tone. Acknowledge the caller's " +
		"situation before anything else. Never use exclamation marks.",
	TonePatientTeacher: "Explain one step at a time in short sentences. Check " +
		"understanding before moving on.",
	ToneMatterOfFact: "Be direct and factual. Skip pleasantries beyond a brief " +
		"greeting.",
}

// ComposePersona renders the layered system persona:
// base, then profile overlay, then the domain/channel/urgency directive,
// then tone, then the brevity hint, with an operator override appended
// last when present. It is a pure function; callers re-invoke it whenever
// any input layer changes.
func ComposePersona(in PersonaInput) ComposedPersona {
	tone := normalizeKey(in.Tone)
	urgency := normalizeKey(in.Urgency)
	profile := normalizeKey(in.Profile)
	if profile == "" {
		profile = "generic"
	}

	var sb strings.Builder
	if base := strings.TrimSpace(in.BasePersona); base != "" {
		sb.WriteString(base)
	}

	overlay, ok := profileOverlays[profile]
	if !ok {
		overlay = profileOverlays["generic"]
	}
	writeLayer(&sb, overlay)
	writeLayer(&sb, personaDSL(normalizeKey(in.Domain), normalizeKey(in.Channel), urgency))
	if d, ok := toneDirectives[tone]; ok {
		writeLayer(&sb, d)
	}
	if lvl := technicalDirective(normalizeKey(in.TechnicalLevel)); lvl != "" {
		writeLayer(&sb, lvl)
	}
	writeLayer(&sb, brevityHint(urgency))
	if bc := strings.TrimSpace(in.BusinessContext); bc != "" {
		writeLayer(&sb, "Business context: "+bc)
	}
	if ov := strings.TrimSpace(in.OperatorOverride); ov != "" {
		writeLayer(&sb, "Operator instruction (overrides everything above): "+ov)
	}

	label := profile
	if tone != "" {
		label += "/" + tone
	}
	if urgency != "" && urgency != UrgencyNormal {
		label += "/" + urgency
	}

	return ComposedPersona{
		Text:    sb.String(),
		Label:   label,
		Tone:    tone,
		Urgency: urgency,
	}
}

// personaDSL maps the (domain, channel, urgency) triple to a delivery
// directive. Each axis contributes independently; empty axes contribute
// nothing.
func personaDSL(domain, channel, urgency string) string {
	var parts []string

	switch domain {
	case "banking", "finance":
		parts = append(parts, "Use precise, compliance-aware language and never "+
			"guess at balances, rates, or account details.")
	case "healthcare":
		parts = append(parts, "Use plain, reassuring language and avoid medical "+
			"jargon unless the caller uses it first.")
	case "telecom", "utilities":
		parts = append(parts, "Reference the caller's service or account only in "+
			"terms they have already confirmed.")
	case "retail", "hospitality":
		parts = append(parts, "Keep the tone warm and service-oriented.")
	}

	switch channel {
	case "sms":
		parts = append(parts, "You are composing text messages. Keep each under "+
			"160 characters and skip filler.")
	default:
		// Voice is the default channel.
		parts = append(parts, "You are speaking on a live phone call. Use short, "+
			"natural sentences. Never use markdown, lists, or emoji.")
	}

	switch urgency {
	case UrgencyHigh:
		parts = append(parts, "The caller's matter is urgent. Be direct and lead "+
			"with the next concrete step.")
	case UrgencyCritical:
		parts = append(parts, "This is a critical situation. Give only what the "+
			"caller needs right now, one instruction at a time.")
	}

	return strings.Join(parts, " ")
}

func technicalDirective(level string) string {
	switch level {
	case "novice", "beginner":
		return "Assume no technical background. Spell out every step without " +
			"abbreviations."
	case "expert", "advanced":
		return "The caller is technical. Skip basic explanations and use exact " +
			"terms."
	default:
		return ""
	}
}

// brevityHint bounds reply length by urgency. The consistency scorer
// enforces the same limits after the fact.
func brevityHint(urgency string) string {
	switch urgency {
	case UrgencyCritical:
		return "Keep every reply under roughly 40 words."
	case UrgencyHigh:
		return "Keep every reply under roughly 60 words."
	default:
		return "Keep replies conversational, under roughly 120 words, unless " +
			"reading a required disclosure."
	}
}

func writeLayer(sb *strings.Builder, layer string) {
	if layer == "" {
		return
	}
	if sb.Len() > 0 {
		sb.WriteString("\n\n")
	}
	sb.WriteString(layer)
}

// normalizeKey lowercases and canonicalises a persona selector so that
// "Crisis-Manager" and "crisis_manager" select the same directive.
func normalizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.ReplaceAll(s, "-", "_")
}
