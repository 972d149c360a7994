package auth

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 128
)

type Strength int

const (
	StrengthWeak Strength = iota
	StrengthFair
	StrengthGood
	StrengthStrong
)

func (s Strength) String() string {
	switch s {
	case StrengthFair:
		return "FAIR"
	case StrengthGood:
		return "GOOD"
	case StrengthStrong:
		return "STRONG"
	default:
		return "WEAK"
	}
}

func (s Strength) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type StrengthResult struct {
	Accepted bool     `json:"accepted"`
	Strength Strength `json:"strength"`
	Reason   string   `json:"reason"`
}

// weakPatterns are matched case-insensitively anywhere in the candidate.
var weakPatterns = []string{"123", "abc", "qwe", "password", "admin"}

// ValidatePasswordStrength scores a candidate. Anything scored WEAK is
// rejected.
func ValidatePasswordStrength(candidate string) StrengthResult {
	password := strings.TrimSpace(candidate)
	if password == "" {
		return StrengthResult{Strength: StrengthWeak, Reason: "password cannot be empty"}
	}

	length := utf8.RuneCountInString(password)
	if length < minPasswordLength {
		return StrengthResult{
			Strength: StrengthWeak,
			Reason:   fmt.Sprintf("password must be at least %d characters long", minPasswordLength),
		}
	}
	if length > maxPasswordLength {
		return StrengthResult{
			Strength: StrengthWeak,
			Reason:   fmt.Sprintf("password must be at most %d characters long", maxPasswordLength),
		}
	}

	strength := strengthFromScore(passwordScore(password, length))
	return StrengthResult{
		Accepted: strength != StrengthWeak,
		Strength: strength,
		Reason:   strengthMessage(strength),
	}
}

func passwordScore(password string, length int) int {
	score := 0
	if length >= 12 {
		score += 2
	} else {
		score++
	}

	var hasLower, hasUpper, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= '0' && r <= '9':
			hasDigit = true
		default:
			hasSpecial = true
		}
	}
	for _, present := range []bool{hasLower, hasUpper, hasDigit, hasSpecial} {
		if present {
			score++
		}
	}

	if hasRepeatedRun(password, 3) {
		score--
	}
	if containsWeakPattern(password) {
		score--
	}

	return score
}

func strengthFromScore(score int) Strength {
	switch {
	case score >= 5:
		return StrengthStrong
	case score >= 3:
		return StrengthGood
	case score >= 2:
		return StrengthFair
	default:
		return StrengthWeak
	}
}

func strengthMessage(strength Strength) string {
	switch strength {
	case StrengthStrong:
		return "very strong password"
	case StrengthGood:
		return "strong password"
	case StrengthFair:
		return "fair password, consider adding more variety"
	default:
		return "weak password, must include uppercase, lowercase and numbers"
	}
}

func hasRepeatedRun(password string, run int) bool {
	var prev rune
	count := 0
	for i, r := range password {
		if i > 0 && r == prev {
			count++
		} else {
			count = 1
		}
		if count >= run {
			return true
		}
		prev = r
	}
	return false
}

func containsWeakPattern(password string) bool {
	lower := strings.ToLower(password)
	for _, pattern := range weakPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
