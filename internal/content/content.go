package content

import (
	"strings"
	"unicode/utf8"

	"confab/internal/models"

	"github.com/microcosm-cc/bluemonday"
)

var policy = bluemonday.UGCPolicy()

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is applied to message bodies before they are persisted.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// CleanMessage trims and sanitizes a message body and enforces the
// non-empty and length bounds. The length bound is checked on the original
// input so an over-long message is rejected rather than silently shortened
// by sanitization.
func CleanMessage(input string) (string, error) {
	if utf8.RuneCountInString(input) > models.MaxContentLength {
		return "", models.ErrContentTooLong
	}
	cleaned := strings.TrimSpace(Sanitize(input))
	if cleaned == "" {
		return "", models.ErrEmptyContent
	}
	return cleaned, nil
}
