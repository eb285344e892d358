package digits

import (
	"testing"
)

func TestParseSpokenDigits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{"digit words", "one two three four five six", "123456", true},
		{"numeral run", "123456", "123456", true},
		{"dashed numerals", "415-555-0100", "4155550100", true},
		{"punctuated words", "five, six.", "56", true},
		{"mixed words and numerals", "my extension is 42", "42", true},
		{"zero homophone", "four oh seven", "407", true},
		{"misrecognized three", "one tree five", "135", true},
		{"misrecognized five", "fife five", "55", true},
		{"double multiplier", "double five", "55", true},
		{"triple multiplier", "triple nine then one", "9991", true},
		{"multiplier with nothing after", "double trouble", "", false},
		{"pound key", "one two pound", "12#", true},
		{"hash key", "one two hash", "12#", true},
		{"star key", "star six nine", "*69", true},
		{"keypad symbols verbatim", "1 2 # *", "12#*", true},
		{"ordinal keeps its digit", "the 3rd option", "3", true},
		{"short words are exact only", "won", "", false},
		{"plain speech", "let me think about it", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseSpokenDigits(tt.text)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseSpokenDigits(%q) = (%q, %v), want (%q, %v)",
					tt.text, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestNormalizeSpoken(t *testing.T) {
	t.Parallel()

	got := normalizeSpoken("Press #1, THEN *9!")
	want := "press #1  then *9 "
	if got != want {
		t.Errorf("normalizeSpoken() = %q, want %q", got, want)
	}
}
