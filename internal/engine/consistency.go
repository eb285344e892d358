package engine

import (
	"regexp"
	"strings"
)

// Word budgets enforced per urgency level. The brevity hint asks the
// model for the same limits; the scorer penalises replies that ignore it.
const (
	criticalWordLimit = 40
	highWordLimit     = 60
	relaxedWordLimit  = 120
)

var exclamationRuns = regexp.MustCompile(`!+`)

// acknowledgements are openings a crisis-tone reply may lead with. The
// rewrite prefixes one when none is present.
var acknowledgements = []string{
	"i understand", "i hear you", "i'm sorry", "i am sorry", "sorry",
	"i see", "okay", "got it", "thank you",
}

// ScoreConsistency rates how well text fits the active persona, in
// [0,1]. Penalties: word count over the urgency budget, exclamation
// marks under a crisis-manager tone, and run-on sentences under a
// patient-teacher tone.
func ScoreConsistency(text string, p ComposedPersona) float64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 1
	}

	score := 1.0
	words := wordCount(trimmed)

	limit := urgencyWordLimit(p.Urgency)
	if words > limit {
		score -= 0.25
		if words > limit*3/2 {
			score -= 0.20
		}
	}

	if p.Tone == ToneCrisisManager {
		if n := len(exclamationRuns.FindAllString(trimmed, -1)); n > 0 {
			pen := 0.20 * float64(n)
			if pen > 0.5 {
				pen = 0.5
			}
			score -= pen
		}
	}

	if p.Tone == TonePatientTeacher {
		if s := sentenceCount(trimmed); s > 0 && words/s > 28 {
			score -= 0.25
		}
	}

	if score < 0 {
		return 0
	}
	return score
}

// RewriteForPersona corrects text that scored below the consistency
// threshold: exclamation runs are collapsed (to periods under a
// crisis-manager tone), a crisis-tone reply gains a leading
// acknowledgement, and text over the urgency word budget is truncated
// at a word boundary with an ellipsis.
func RewriteForPersona(text string, p ComposedPersona) string {
	out := strings.TrimSpace(text)

	repl := "!"
	if p.Tone == ToneCrisisManager {
		repl = "."
	}
	out = exclamationRuns.ReplaceAllString(out, repl)

	if p.Tone == ToneCrisisManager && !hasAcknowledgement(out) {
		out = "I understand. " + out
	}

	if limit := urgencyWordLimit(p.Urgency); wordCount(out) > limit {
		out = truncateWords(out, limit)
	}
	return out
}

// EnsureConsistent returns text that meets the persona threshold, its
// score, and whether a rewrite was applied. Text already at or above the
// threshold passes through untouched.
func EnsureConsistent(text string, p ComposedPersona, threshold float64) (string, float64, bool) {
	score := ScoreConsistency(text, p)
	if score >= threshold {
		return text, score, false
	}
	out := RewriteForPersona(text, p)
	return out, ScoreConsistency(out, p), true
}

func urgencyWordLimit(urgency string) int {
	switch urgency {
	case UrgencyCritical:
		return criticalWordLimit
	case UrgencyHigh:
		return highWordLimit
	default:
		return relaxedWordLimit
	}
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// sentenceCount counts terminator runs; a non-empty text without any
// terminator counts as one sentence.
func sentenceCount(s string) int {
	n := 0
	inRun := false
	for _, r := range s {
		switch r {
		case '.', '!', '?':
			if !inRun {
				n++
				inRun = true
			}
		default:
			inRun = false
		}
	}
	if n == 0 && strings.TrimSpace(s) != "" {
		return 1
	}
	return n
}

func hasAcknowledgement(s string) bool {
	head := strings.ToLower(s)
	if len(head) > 48 {
		head = head[:48]
	}
	for _, a := range acknowledgements {
		if strings.Contains(head, a) {
			return true
		}
	}
	return false
}

// truncateWords keeps the first limit words and appends an ellipsis.
func truncateWords(s string, limit int) string {
	fields := strings.Fields(s)
	if len(fields) <= limit {
		return s
	}
	return strings.Join(fields[:limit], " ") + "..."
}
