// Package password implements the client-side password strength policy used to
// gate sign-up and drive strength indicators. The score and hint ordering are a
// stable contract: screens render hints in this exact order and registration is
// refused below MinSignupScore without a network round-trip.
package password

import "unicode/utf8"

// MinSignupScore is the minimum Score accepted for registration.
const MinSignupScore = 2

// Score rates a password from 0 to 4, one point for each criterion met:
// length of at least 8 characters, at least one digit, case diversity
// (an uppercase and a lowercase letter), and at least one symbol.
func Score(pw string) int {
	score := 0
	if utf8.RuneCountInString(pw) >= 8 {
		score++
	}
	if hasDigit(pw) {
		score++
	}
	if hasLower(pw) && hasUpper(pw) {
		score++
	}
	if hasSymbol(pw) {
		score++
	}
	return score
}

// Hints returns the human-readable list of unmet criteria, always in the order
// length, digit, case diversity, symbol. An empty slice means every criterion
// is satisfied.
func Hints(pw string) []string {
	hints := []string{}
	if utf8.RuneCountInString(pw) < 8 {
		hints = append(hints, "Au moins 8 caractères")
	}
	if !hasDigit(pw) {
		hints = append(hints, "Un chiffre")
	}
	if !(hasLower(pw) && hasUpper(pw)) {
		hints = append(hints, "Majuscule et minuscule")
	}
	if !hasSymbol(pw) {
		hints = append(hints, "Un symbole")
	}
	return hints
}

func hasDigit(pw string) bool {
	for _, r := range pw {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

func hasLower(pw string) bool {
	for _, r := range pw {
		if r >= 'a' && r <= 'z' {
			return true
		}
	}
	return false
}

func hasUpper(pw string) bool {
	for _, r := range pw {
		if r >= 'A' && r <= 'Z' {
			return true
		}
	}
	return false
}

// hasSymbol reports whether pw contains any character outside of the ASCII
// letter and digit ranges. Accented letters count as symbols, matching how the
// strength bar has always behaved in the apps.
func hasSymbol(pw string) bool {
	for _, r := range pw {
		isDigit := r >= '0' && r <= '9'
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !isDigit && !isLetter {
			return true
		}
	}
	return false
}
