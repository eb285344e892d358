package digits

import (
	"fmt"
	"strings"
)

// ConfirmStyle selects how an accepted value is acknowledged to the caller.
type ConfirmStyle string

const (
	// ConfirmNone says nothing; the dialogue moves straight on.
	ConfirmNone ConfirmStyle = "none"

	// ConfirmCount acknowledges only how many digits were received.
	ConfirmCount ConfirmStyle = "count"

	// ConfirmMasked reads back the unmasked tail of the value.
	ConfirmMasked ConfirmStyle = "masked"

	// ConfirmReadback reads back the full value, digit by digit.
	ConfirmReadback ConfirmStyle = "readback"
)

// ProfileSpec is one row of the profile table: length bounds, timing
// defaults, sensitivity, and the validator for a digit profile.
type ProfileSpec struct {
	Name      string
	MinDigits int
	MaxDigits int

	// TimeoutS and MaxRetries are the defaults applied when a request
	// leaves them zero.
	TimeoutS   int
	MaxRetries int

	// EndCallOnSuccess closes the call once the value is accepted.
	EndCallOnSuccess bool

	// Sensitive values are vault-tokenized and masked; their raw digits
	// never appear in digit events or transcripts.
	Sensitive bool

	Confirmation ConfirmStyle

	// Validate reports whether a buffer within the length bounds is a
	// well-formed value. The expectation is passed for profiles that
	// validate against per-request state (menu options).
	Validate func(digits string, exp *Expectation) bool
}

// profiles is the authoritative profile table. Lengths follow the wire
// formats the validators check: dob and card_expiry are MMDDYY/MMDDYYYY
// and MMYY/MMYYYY, amount is whole cents.
var profiles = map[string]ProfileSpec{
	"verification":   {Name: "verification", MinDigits: 4, MaxDigits: 8, TimeoutS: 15, MaxRetries: 2, EndCallOnSuccess: true, Sensitive: true, Confirmation: ConfirmMasked, Validate: validateNumeric},
	"ssn":            {Name: "ssn", MinDigits: 9, MaxDigits: 9, TimeoutS: 15, MaxRetries: 2, Sensitive: true, Confirmation: ConfirmMasked, Validate: validateNumeric},
	"dob":            {Name: "dob", MinDigits: 6, MaxDigits: 8, TimeoutS: 12, MaxRetries: 2, Confirmation: ConfirmReadback, Validate: validateDOB},
	"routing_number": {Name: "routing_number", MinDigits: 9, MaxDigits: 9, TimeoutS: 15, MaxRetries: 2, Sensitive: true, Confirmation: ConfirmMasked, Validate: validateRouting},
	"bank_account":   {Name: "bank_account", MinDigits: 6, MaxDigits: 17, TimeoutS: 15, MaxRetries: 2, Sensitive: true, Confirmation: ConfirmMasked, Validate: validateNumeric},
	"phone":          {Name: "phone", MinDigits: 10, MaxDigits: 10, TimeoutS: 15, MaxRetries: 2, Confirmation: ConfirmReadback, Validate: validateNumeric},
	"card_number":    {Name: "card_number", MinDigits: 13, MaxDigits: 19, TimeoutS: 20, MaxRetries: 2, Sensitive: true, Confirmation: ConfirmMasked, Validate: validateLuhn},
	"cvv":            {Name: "cvv", MinDigits: 3, MaxDigits: 4, TimeoutS: 10, MaxRetries: 2, Confirmation: ConfirmCount, Validate: validateNumeric},
	"card_expiry":    {Name: "card_expiry", MinDigits: 4, MaxDigits: 6, TimeoutS: 10, MaxRetries: 2, Confirmation: ConfirmReadback, Validate: validateExpiry},
	"tax_id":         {Name: "tax_id", MinDigits: 9, MaxDigits: 9, TimeoutS: 15, MaxRetries: 2, Confirmation: ConfirmMasked, Validate: validateNumeric},
	"zip":            {Name: "zip", MinDigits: 5, MaxDigits: 9, TimeoutS: 10, MaxRetries: 2, Confirmation: ConfirmReadback, Validate: validateZip},
	"extension":      {Name: "extension", MinDigits: 1, MaxDigits: 6, TimeoutS: 10, MaxRetries: 2, Confirmation: ConfirmReadback, Validate: validateNumeric},
	"menu":           {Name: "menu", MinDigits: 1, MaxDigits: 1, TimeoutS: 8, MaxRetries: 2, Confirmation: ConfirmNone, Validate: validateMenu},
	"amount":         {Name: "amount", MinDigits: 1, MaxDigits: 9, TimeoutS: 12, MaxRetries: 2, Confirmation: ConfirmReadback, Validate: validateNumeric},
	"survey":         {Name: "survey", MinDigits: 1, MaxDigits: 1, TimeoutS: 8, MaxRetries: 1, Confirmation: ConfirmNone, Validate: validateNumeric},
	"generic":        {Name: "generic", MinDigits: 1, MaxDigits: 32, TimeoutS: 10, MaxRetries: 2, Confirmation: ConfirmCount, Validate: validateAny},
}

// profileAliases maps alternate spellings onto canonical table rows.
var profileAliases = map[string]string{
	"otp": "verification",
	"ein": "tax_id",
}

// ProfileFor resolves a profile name to its table row. Unknown names
// resolve to the generic profile with known=false so the caller can log
// the downgrade.
func ProfileFor(name string) (spec ProfileSpec, known bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := profileAliases[name]; ok {
		name = canonical
	}
	if spec, ok := profiles[name]; ok {
		return spec, true
	}
	return profiles["generic"], false
}

func validateAny(digits string, _ *Expectation) bool {
	return digits != ""
}

func validateNumeric(digits string, _ *Expectation) bool {
	if digits == "" {
		return false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return false
		}
	}
	return true
}

// validateDOB accepts MMDDYY or MMDDYYYY with month 1-12 and day 1-31.
func validateDOB(digits string, exp *Expectation) bool {
	if len(digits) != 6 && len(digits) != 8 {
		return false
	}
	if !validateNumeric(digits, exp) {
		return false
	}
	month := atoi2(digits[0:2])
	day := atoi2(digits[2:4])
	return month >= 1 && month <= 12 && day >= 1 && day <= 31
}

// validateExpiry accepts MMYY or MMYYYY with month 1-12.
func validateExpiry(digits string, exp *Expectation) bool {
	if len(digits) != 4 && len(digits) != 6 {
		return false
	}
	if !validateNumeric(digits, exp) {
		return false
	}
	month := atoi2(digits[0:2])
	return month >= 1 && month <= 12
}

func validateZip(digits string, exp *Expectation) bool {
	if len(digits) != 5 && len(digits) != 9 {
		return false
	}
	return validateNumeric(digits, exp)
}

// routingWeights is the ABA checksum weight cycle.
var routingWeights = [3]int{3, 7, 1}

// validateRouting checks the nine-digit ABA routing checksum: the sum of
// digits weighted 3,7,1,3,7,1,3,7,1 must be divisible by ten.
func validateRouting(digits string, exp *Expectation) bool {
	if len(digits) != 9 || !validateNumeric(digits, exp) {
		return false
	}
	sum := 0
	for i := 0; i < 9; i++ {
		sum += int(digits[i]-'0') * routingWeights[i%3]
	}
	return sum%10 == 0
}

// validateLuhn checks the Luhn mod-10 checksum, doubling every second
// digit from the right.
func validateLuhn(digits string, exp *Expectation) bool {
	if !validateNumeric(digits, exp) {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// validateMenu accepts a key that matches one of the configured menu
// options. With no options configured any single key passes.
func validateMenu(digits string, exp *Expectation) bool {
	if len(digits) != 1 {
		return false
	}
	if len(exp.MenuOptions) == 0 {
		return true
	}
	for _, opt := range exp.MenuOptions {
		if digits == opt {
			return true
		}
	}
	return false
}

// atoi2 parses a two-character numeric string without error handling; the
// caller has already verified the characters are digits.
func atoi2(s string) int {
	return int(s[0]-'0')*10 + int(s[1]-'0')
}

// spamReason flags keyed values that look like keypad mashing: one digit
// repeated through a buffer of six or more keys, or a buffer that slides
// along "0123456789" for seven or more. A six-digit ascending value stays
// accepted; codes like 123456 are issued for real. Returns the rejection
// reason, or empty when the value is clean.
func spamReason(digits string) string {
	if len(digits) >= 6 && allSame(digits) {
		return "repeat_pattern"
	}
	if len(digits) >= 7 && strings.Contains("0123456789", digits) {
		return "ascending_pattern"
	}
	return ""
}

func allSame(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}

// confirmationText renders the acknowledgement for an accepted value per
// the profile's confirmation style.
func confirmationText(spec ProfileSpec, res Result) string {
	switch spec.Confirmation {
	case ConfirmCount:
		return fmt.Sprintf("Got it, %d digits received.", res.Len)
	case ConfirmMasked:
		return "Got it, ending in " + spaced(maskTail(res.Masked)) + "."
	case ConfirmReadback:
		return "I have " + spaced(res.Digits) + "."
	default:
		return ""
	}
}

// maskTail strips the mask prefix, leaving the visible digits.
func maskTail(masked string) string {
	return strings.TrimLeft(masked, "*")
}

// spaced separates characters so the synthesizer reads digits one by one.
func spaced(s string) string {
	if len(s) <= 1 {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
