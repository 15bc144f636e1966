package textutil

import (
	"regexp"
	"strconv"
	"strings"
)

var nonISBNChars = regexp.MustCompile(`[^0-9X]`)

// isRepeatedDigit reports whether s is 10-13 occurrences of the same
// digit (e.g. "0000000000"). Go's RE2 engine has no backreference
// support, so this can't be expressed as a single regexp.
func isRepeatedDigit(s string) bool {
	if len(s) < 10 || len(s) > 13 {
		return false
	}
	d := s[0]
	if d < '0' || d > '9' {
		return false
	}
	for i := 1; i < len(s); i++ {
		if s[i] != d {
			return false
		}
	}
	return true
}

// NormalizeISBN strips everything but digits and "X", upper-cases it, and
// validates the ISBN-10 or ISBN-13 checksum. It returns ("", false) for
// anything that isn't a checksum-valid 10 or 13 digit ISBN, including the
// degenerate all-same-digit strings calibre also rejects.
func NormalizeISBN(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	isbn := nonISBNChars.ReplaceAllString(strings.ToUpper(raw), "")
	if isRepeatedDigit(isbn) {
		return "", false
	}
	switch len(isbn) {
	case 10:
		if !checkISBN10(isbn) {
			return "", false
		}
	case 13:
		if !checkISBN13(isbn) {
			return "", false
		}
	default:
		return "", false
	}
	return isbn, true
}

func checkISBN10(isbn string) bool {
	sum := 0
	for i := 0; i < 9; i++ {
		d, err := strconv.Atoi(string(isbn[i]))
		if err != nil {
			return false
		}
		sum += (i + 1) * d
	}
	check := sum % 11
	if check == 10 {
		return isbn[9] == 'X'
	}
	return strconv.Itoa(check) == string(isbn[9])
}

func checkISBN13(isbn string) bool {
	sum := 0
	for i := 0; i < 12; i++ {
		d, err := strconv.Atoi(string(isbn[i]))
		if err != nil {
			return false
		}
		if i%2 == 0 {
			sum += d
		} else {
			sum += 3 * d
		}
	}
	check := 10 - (sum % 10)
	if check == 10 {
		check = 0
	}
	return strconv.Itoa(check) == string(isbn[12])
}

// FormatISBN renders a checksum-valid ISBN in the grouped display form
// (xxx-x-xxxx-xxxx-x for 13 digits, xx-xxxx-xxx-x for 10). Callers should
// store the bare form from NormalizeISBN and only format for display.
func FormatISBN(isbn string) string {
	switch len(isbn) {
	case 10:
		return strings.Join([]string{isbn[:2], isbn[2:6], isbn[6:9], isbn[9:]}, "-")
	case 13:
		return strings.Join([]string{isbn[:3], isbn[3:4], isbn[4:8], isbn[8:12], isbn[12:]}, "-")
	default:
		return isbn
	}
}

var issnDigits = regexp.MustCompile(`[^0-9X]`)

// NormalizeISSN validates an 8-character ISSN checksum the same way
// NormalizeISBN validates ISBN-10/13.
func NormalizeISSN(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	issn := issnDigits.ReplaceAllString(strings.ToUpper(raw), "")
	if len(issn) != 8 {
		return "", false
	}
	sum := 0
	for i := 0; i < 7; i++ {
		d, err := strconv.Atoi(string(issn[i]))
		if err != nil {
			return "", false
		}
		sum += (8 - i) * d
	}
	check := 11 - sum%11
	last := issn[7]
	if (check == 10 && last == 'X') || (check == 11 && last == '0') || strconv.Itoa(check) == string(last) {
		return issn, true
	}
	return "", false
}
