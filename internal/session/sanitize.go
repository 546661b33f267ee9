package session

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"nvcstack.local/facilitator/internal/apperr"
)

const DefaultMaxInputLength = 5000

var strictPolicy = bluemonday.StrictPolicy()

// Sanitize strips markup and script content and trims whitespace. Empty or
// oversized results are validation errors.
func Sanitize(input string, maxLen int) (string, error) {
	cleaned := strings.TrimSpace(html.UnescapeString(strictPolicy.Sanitize(input)))
	if cleaned == "" {
		return "", apperr.Invalidf("input is empty after sanitization")
	}
	if maxLen > 0 && utf8.RuneCountInString(cleaned) > maxLen {
		return "", apperr.Invalidf("input exceeds %d characters", maxLen)
	}
	return cleaned, nil
}
