package http

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Input validation constants
const (
	MaxModelLength     = 64
	MaxPromptLength    = 50000
	MaxKnowledgeLength = 100000
	MaxCredentialLen   = 1024
	MaxMetadataKeys    = 32
)

var (
	modelPattern   = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)
	phoneIDPattern = regexp.MustCompile(`^[0-9]+$`)
)

// ValidModel checks that a model name is a plain identifier. Empty means default.
func ValidModel(s string) bool {
	if s == "" {
		return true
	}
	return len(s) <= MaxModelLength && modelPattern.MatchString(s)
}

// ValidPhoneNumberID checks a Cloud API phone number id (digits only).
func ValidPhoneNumberID(s string) bool {
	return s != "" && len(s) <= MaxCredentialLen && phoneIDPattern.MatchString(s)
}

// SanitizeString removes null bytes and invalid UTF-8
func SanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return s
}

// ValidateLength checks if string is within bounds
func ValidateLength(s string, min, max int) bool {
	l := len(s)
	return l >= min && l <= max
}
