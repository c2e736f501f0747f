// Package fiscalcode validates Italian fiscal identity codes (codice
// fiscale): a 16-character checksummed identifier encoding surname and
// name consonants, birth year, month, day with a sex offset, and the
// birthplace cadastral code.
package fiscalcode

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const codeLength = 16

// structure: 6 letters, 2 digits (year), 1 letter (month), 2 digits
// (day+sex offset), 1 letter-or-digit + 3 digits (place), 1 check letter.
var structureRe = regexp.MustCompile(`^[A-Z]{6}[0-9]{2}[A-Z][0-9]{2}[A-Z0-9][0-9]{3}[A-Z]$`)

// monthCodes maps the encoded month letter to its month number.
var monthCodes = map[byte]time.Month{
	'A': time.January, 'B': time.February, 'C': time.March,
	'D': time.April, 'E': time.May, 'H': time.June,
	'L': time.July, 'M': time.August, 'P': time.September,
	'R': time.October, 'S': time.November, 'T': time.December,
}

// Substitution tables for the checksum. Characters in odd positions
// (1-based) use oddValues; even positions use the plain digit value or
// the letter's alphabet index.
var oddValues = map[byte]int{
	'0': 1, '1': 0, '2': 5, '3': 7, '4': 9,
	'5': 13, '6': 15, '7': 17, '8': 19, '9': 21,
	'A': 1, 'B': 0, 'C': 5, 'D': 7, 'E': 9,
	'F': 13, 'G': 15, 'H': 17, 'I': 19, 'J': 21,
	'K': 2, 'L': 4, 'M': 18, 'N': 20, 'O': 11,
	'P': 3, 'Q': 6, 'R': 8, 'S': 12, 'T': 14,
	'U': 16, 'V': 10, 'W': 22, 'X': 25, 'Y': 24, 'Z': 23,
}

func evenValue(c byte) int {
	if c >= '0' && c <= '9' {
		return int(c - '0')
	}
	return int(c - 'A')
}

// Result reports the outcome of a structural validation.
type Result struct {
	IsValid bool
	Errors  []string
}

// CoherenceResult reports whether a code agrees with claimed birth data.
// Each mismatched field is listed individually in Issues.
type CoherenceResult struct {
	IsCoherent  bool
	Issues      []string
	Suggestions []string
}

// Validate checks length, structure, month and day encoding, and the
// weighted checksum of a fiscal code. Input is upper-cased and trimmed
// first; empty or malformed input yields errors, never a panic.
func Validate(code string) Result {
	code = strings.ToUpper(strings.TrimSpace(code))

	if len(code) != codeLength {
		return Result{Errors: []string{fmt.Sprintf("code must be %d characters, got %d", codeLength, len(code))}}
	}
	if !structureRe.MatchString(code) {
		return Result{Errors: []string{"code does not match the expected structure"}}
	}

	var errs []string

	if _, ok := monthCodes[code[8]]; !ok {
		errs = append(errs, fmt.Sprintf("invalid month code %q", string(code[8])))
	}

	day, _ := strconv.Atoi(code[9:11])
	if !(day >= 1 && day <= 31) && !(day >= 41 && day <= 71) {
		errs = append(errs, fmt.Sprintf("invalid day value %d", day))
	}

	if check := checkChar(code[:15]); check != code[15] {
		errs = append(errs, fmt.Sprintf("checksum mismatch: expected %q", string(check)))
	}

	return Result{IsValid: len(errs) == 0, Errors: errs}
}

// Coherence re-validates the code and, when valid, compares the birth
// data it encodes against the claimed birth date and sex. Sex is "M",
// "F", or empty to skip the sex check.
func Coherence(code string, birthDate time.Time, sex string) CoherenceResult {
	res := Validate(code)
	if !res.IsValid {
		return CoherenceResult{Issues: res.Errors}
	}

	code = strings.ToUpper(strings.TrimSpace(code))
	year, month, day, codeSex := decodeBirth(code)

	var issues, suggestions []string

	if birthDate.Year() != year {
		issues = append(issues, "year does not match the code")
	}
	if birthDate.Month() != month {
		issues = append(issues, "month does not match the code")
	}
	if birthDate.Day() != day {
		issues = append(issues, "day does not match the code")
	}
	if sex != "" && !strings.EqualFold(sex, codeSex) {
		issues = append(issues, "sex does not match the code")
	}

	if len(issues) > 0 {
		suggestions = append(suggestions,
			fmt.Sprintf("code encodes birth date %04d-%02d-%02d, sex %s", year, int(month), day, codeSex))
	}

	return CoherenceResult{IsCoherent: len(issues) == 0, Issues: issues, Suggestions: suggestions}
}

func checkChar(prefix string) byte {
	sum := 0
	for i := 0; i < len(prefix); i++ {
		if i%2 == 0 { // odd position, 1-based
			sum += oddValues[prefix[i]]
		} else {
			sum += evenValue(prefix[i])
		}
	}
	return byte('A' + sum%26)
}

// decodeBirth extracts the birth data from a structurally valid code.
// The two-digit year resolves to the nearer century: this century
// unless that would land in the future.
func decodeBirth(code string) (year int, month time.Month, day int, sex string) {
	yy, _ := strconv.Atoi(code[6:8])
	year = 2000 + yy
	if year > time.Now().Year() {
		year = 1900 + yy
	}

	month = monthCodes[code[8]]

	day, _ = strconv.Atoi(code[9:11])
	sex = "M"
	if day > 40 {
		day -= 40
		sex = "F"
	}

	return year, month, day, sex
}
