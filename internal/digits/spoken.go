package digits

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// spokenWord maps one recognized token to a keypad character. Ordered so
// fuzzy matching is deterministic when two words tie.
type spokenWord struct {
	word string
	key  byte
}

// spokenWords is the recognition vocabulary: the digit words, keypad
// symbols, and the zero homophone. Multipliers are handled separately.
var spokenWords = []spokenWord{
	{"zero", '0'},
	{"oh", '0'},
	{"o", '0'},
	{"one", '1'},
	{"two", '2'},
	{"three", '3'},
	{"four", '4'},
	{"five", '5'},
	{"six", '6'},
	{"seven", '7'},
	{"eight", '8'},
	{"nine", '9'},
	{"star", '*'},
	{"pound", '#'},
	{"hash", '#'},
}

// spokenMultipliers repeat the next digit word: "double five" keys 55.
var spokenMultipliers = map[string]int{
	"double": 2,
	"triple": 3,
}

// ParseSpokenDigits extracts a keypad string from a spoken utterance:
// numerals are taken as-is, digit words (zero through nine, plus "oh")
// are mapped with a Levenshtein tolerance of one edit for words of three
// or more letters, and "double"/"triple" repeat the digit that follows.
// Unrecognized tokens are skipped. ok is false when nothing was parsed.
//
// The parser is intentionally permissive and is only consulted while a
// collection expectation is active; profile validators gate the output.
func ParseSpokenDigits(text string) (digits string, ok bool) {
	var b strings.Builder
	repeat := 1
	for _, token := range strings.Fields(normalizeSpoken(text)) {
		if n, isMult := spokenMultipliers[token]; isMult {
			repeat = n
			continue
		}
		keys := keysForToken(token)
		if keys == "" {
			repeat = 1
			continue
		}
		for ; repeat > 0; repeat-- {
			b.WriteString(keys)
		}
		repeat = 1
	}
	digits = b.String()
	return digits, digits != ""
}

// normalizeSpoken lowercases the utterance and turns punctuation into
// token boundaries so "1-2-3" and "five, six." split cleanly.
func normalizeSpoken(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '*', r == '#':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return b.String()
}

// keysForToken resolves one token to zero or more keypad characters.
func keysForToken(token string) string {
	// Numeral runs key every digit: "123" is 1, 2, 3.
	if isKeypadRun(token) {
		return token
	}
	// Mixed tokens like "3rd" contribute their digits only.
	if d := digitRuns(token); d != "" {
		return d
	}
	for _, w := range spokenWords {
		if token == w.word {
			return string(w.key)
		}
	}
	// Fuzzy pass for misrecognized digit words ("tree", "fife"). Short
	// words are exact-only; one edit on a two-letter word is anything.
	if len(token) < 3 {
		return ""
	}
	for _, w := range spokenWords {
		if len(w.word) < 3 {
			continue
		}
		if matchr.Levenshtein(token, w.word) <= 1 {
			return string(w.key)
		}
	}
	return ""
}

func isKeypadRun(token string) bool {
	for i := 0; i < len(token); i++ {
		c := token[i]
		if (c < '0' || c > '9') && c != '*' && c != '#' {
			return false
		}
	}
	return len(token) > 0
}

// digitRuns returns only the digit characters of a token, or empty when
// it has none.
func digitRuns(token string) string {
	var b strings.Builder
	for i := 0; i < len(token); i++ {
		if token[i] >= '0' && token[i] <= '9' {
			b.WriteByte(token[i])
		}
	}
	return b.String()
}
