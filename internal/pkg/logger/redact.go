package logger

import "strings"

// RedactPhone masks a phone number for safe logging, keeping the country
// prefix and the last two digits.
// "+15551234567" → "+1*******67"
// Numbers too short to mask meaningfully are fully masked.
func RedactPhone(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if len(digits) < 7 {
		return "***"
	}
	prefix := ""
	if strings.HasPrefix(phone, "+") {
		prefix = "+" + digits[:1]
		digits = digits[1:]
	}
	return prefix + strings.Repeat("*", len(digits)-2) + digits[len(digits)-2:]
}
