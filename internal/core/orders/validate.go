package orders

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/PocketPalCo/support-bot/internal/core/backend"
)

var (
	orderNumberPattern = regexp.MustCompile(`^[A-Z0-9-]+$`)
	serialPattern      = regexp.MustCompile(`^[A-Za-z0-9_/\-]{3,40}$`)
	phonePattern       = regexp.MustCompile(`^(\+98|0)?9\d{9}$`)
)

// NormalizeDigits maps Persian and Arabic-Indic digits to ASCII and trims
// surrounding space.
func NormalizeDigits(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		switch {
		case r >= '۰' && r <= '۹':
			return '0' + (r - '۰')
		case r >= '٠' && r <= '٩':
			return '0' + (r - '٠')
		}
		return r
	}, s))
}

// digits keeps only the decimal digits of s.
func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, NormalizeDigits(s))
}

// ValidateNationalID checks length and the check digit of an Iranian national
// id and returns it in canonical form.
func ValidateNationalID(raw string) (string, error) {
	nid := NormalizeDigits(raw)
	if len(nid) != 10 || digits(nid) != nid {
		return "", backend.Validation("national_id", "must be exactly 10 digits")
	}

	sum := 0
	for i := 0; i < 9; i++ {
		sum += int(nid[i]-'0') * (10 - i)
	}
	check := sum % 11
	last := int(nid[9] - '0')

	valid := check == last
	if check >= 2 {
		valid = last == 11-check
	}
	if !valid {
		return "", backend.Validation("national_id", "check digit mismatch")
	}
	return nid, nil
}

// ValidateOrderNumber accepts digits or upper case alphanumerics with dashes.
func ValidateOrderNumber(raw string) (string, error) {
	number := strings.ToUpper(NormalizeDigits(raw))
	if number == "" || !orderNumberPattern.MatchString(number) {
		return "", backend.Validation("order_number", "must contain only digits, letters and dashes")
	}
	return number, nil
}

func ValidateSerial(raw string) (string, error) {
	serial := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, NormalizeDigits(raw))
	if !serialPattern.MatchString(serial) {
		return "", backend.Validation("serial", "unexpected serial number format")
	}
	return serial, nil
}

// ValidatePhone accepts Iranian mobile numbers with an optional +98 or 0 prefix.
func ValidatePhone(raw string) (string, error) {
	phone := strings.ReplaceAll(NormalizeDigits(raw), " ", "")
	if !phonePattern.MatchString(phone) {
		return "", backend.Validation("phone", "not a mobile number")
	}
	return phone, nil
}
