package provider

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// e164Regex matches E.164 phone numbers: optional +, country code 1-9,
// up to 14 further digits.
var e164Regex = regexp.MustCompile(`^\+?[1-9]\d{6,14}$`)

// NormalizePhone strips spaces, dashes and parentheses and ensures a
// leading +. Returns the normalized number and whether it is valid E.164.
func NormalizePhone(phone string) (string, bool) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, phone)
	if !e164Regex.MatchString(cleaned) {
		return "", false
	}
	if !strings.HasPrefix(cleaned, "+") {
		cleaned = "+" + cleaned
	}
	return cleaned, true
}

// ValidatePhone reports whether phone is a plausible E.164 number.
func ValidatePhone(phone string) bool {
	_, ok := NormalizePhone(phone)
	return ok
}

// gsm7Basic is the GSM 03.38 basic character set plus the most common
// extension characters. Anything outside this set forces UCS-2 encoding.
const gsm7Basic = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
	"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà" +
	"^{}\\[~]|€"

func isGSM7(body string) bool {
	for _, r := range body {
		if !strings.ContainsRune(gsm7Basic, r) {
			return false
		}
	}
	return true
}

// PartCount returns the number of SMS segments the body occupies.
// GSM-7 bodies fit 160 chars in one part, 153 per part when concatenated.
// UCS-2 bodies fit 70 and 67 respectively.
func PartCount(body string) int {
	single, multi := 160, 153
	length := len(body)
	if !isGSM7(body) {
		single, multi = 70, 67
		length = utf8.RuneCountInString(body)
	}
	if length == 0 {
		return 1
	}
	if length <= single {
		return 1
	}
	return (length + multi - 1) / multi
}

// perPartCost is the list price per SMS segment by gateway, in USD.
var perPartCost = map[Kind]float64{
	KindTwilio: 0.0075,
	KindVonage: 0.0050,
	KindSNS:    0.00645,
	KindMock:   0.0,
}

// EstimateCost returns the expected charge for sending body through the
// given gateway. Used for pre-send budgeting; the reconciled cost from
// delivery reports wins when available.
func EstimateCost(kind Kind, body string) float64 {
	return perPartCost[kind] * float64(PartCount(body))
}
