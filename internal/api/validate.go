package api

import (
	"regexp"
	"strconv"
	"unicode/utf8"
)

// maxIDLen is the maximum length for path identifiers (agent ids, call ids,
// circuit names).
const maxIDLen = 64

// idRe allows UUIDs, carrier call sids and dependency names.
var idRe = regexp.MustCompile(`^[A-Za-z0-9._:\-]+$`)

// phoneRe validates caller numbers: optional leading + then 3-20 digits.
var phoneRe = regexp.MustCompile(`^\+?\d{3,20}$`)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateID checks a required path identifier.
func validateID(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if msg := validateStringLen(field, value, maxIDLen); msg != "" {
		return msg
	}
	if !idRe.MatchString(value) {
		return field + " contains invalid characters"
	}
	return ""
}

// validatePhoneNumber checks an optional caller number.
func validatePhoneNumber(field, value string) string {
	if value == "" {
		return ""
	}
	if !phoneRe.MatchString(value) {
		return field + " must be 3-20 digits with an optional leading +"
	}
	return ""
}

// validateIntRange checks that value is within [min, max].
func validateIntRange(field string, value, min, max int) string {
	if value < min || value > max {
		return field + " must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max)
	}
	return ""
}
