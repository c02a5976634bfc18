package identity

import (
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-pairing/core"
)

// NormalizePhone strips every non-digit rune from raw.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	normalized := b.String()
	if normalized == "" {
		message := "phone number is required"
		if strings.TrimSpace(raw) != "" {
			message = "phone number invalid after sanitization"
		}
		return "", core.NewValidationError(message, goerrors.FieldError{
			Field:   "number",
			Message: message,
		})
	}
	return normalized, nil
}

// MaskPhone keeps the last four digits of a normalized number.
func MaskPhone(normalized string) string {
	if len(normalized) <= 4 {
		return strings.Repeat("*", len(normalized))
	}
	return strings.Repeat("*", len(normalized)-4) + normalized[len(normalized)-4:]
}

type PhoneNormalizer struct{}

func (PhoneNormalizer) Normalize(raw string) (string, error) {
	return NormalizePhone(raw)
}

func (PhoneNormalizer) Mask(normalized string) string {
	return MaskPhone(normalized)
}

var _ core.IdentityNormalizer = PhoneNormalizer{}
