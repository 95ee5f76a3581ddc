package util

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/juju/errors"
)

const maxIdentifierLength = 128

// RequireIdentifier checks that an inbound identifier (user id, item id) is present.
// Any printable text up to maxIdentifierLength runes is accepted.
func RequireIdentifier(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", errors.WithType(errors.Errorf("%s is required", name), ErrInvalidRequest)
	}
	if !utf8.ValidString(value) ||
		utf8.RuneCountInString(value) > maxIdentifierLength ||
		strings.IndexFunc(value, unicode.IsControl) >= 0 {
		return "", errors.WithType(errors.Errorf("%s is malformed", name), ErrInvalidRequest)
	}
	return value, nil
}

// RequireToken checks that an opaque provider token is present. Tokens are not
// pattern checked; the provider is the authority on their shape.
func RequireToken(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", errors.WithType(errors.Errorf("%s is required", name), ErrInvalidRequest)
	}
	return value, nil
}
