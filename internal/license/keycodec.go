package license

import (
	"crypto/rand"
	"fmt"
	"strings"

	apperrors "entitled/internal/errors"
)

// keyCharset is the alphabet used for generated license keys. Visually
// ambiguous characters (0/O, 1/I) are excluded so keys survive being read
// aloud or typed from an invoice.
const keyCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	keyGroups   = 4
	keyGroupLen = 4
)

// KeyCodec generates and normalizes license keys in the canonical
// XXXX-XXXX-XXXX-XXXX format.
type KeyCodec struct{}

// NewKeyCodec creates a new key codec
func NewKeyCodec() *KeyCodec {
	return &KeyCodec{}
}

// Generate produces a new license key from a cryptographically secure
// random source. Uniqueness against the existing key set is the caller's
// responsibility (see Registry issuance, which retries on collision).
func (c *KeyCodec) Generate() (string, error) {
	raw := make([]byte, keyGroups*keyGroupLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	var b strings.Builder
	b.Grow(keyGroups*keyGroupLen + keyGroups - 1)
	for i, by := range raw {
		if i > 0 && i%keyGroupLen == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(keyCharset[int(by)%len(keyCharset)])
	}

	return b.String(), nil
}

// Parse uppercases, strips whitespace, and validates the canonical format.
// It is applied defensively at every entry point since keys are user-typed.
func (c *KeyCodec) Parse(raw string) (string, error) {
	cleaned := strings.ToUpper(strings.Join(strings.Fields(raw), ""))

	parts := strings.Split(cleaned, "-")
	if len(parts) != keyGroups {
		return "", apperrors.ErrMalformedKey
	}

	// Accept the full uppercase alphanumeric range here rather than the
	// generation charset: ambiguous characters are excluded at generation
	// time only, and a key containing one simply won't match any license.
	for _, part := range parts {
		if len(part) != keyGroupLen {
			return "", apperrors.ErrMalformedKey
		}
		for i := 0; i < len(part); i++ {
			ch := part[i]
			if (ch < 'A' || ch > 'Z') && (ch < '0' || ch > '9') {
				return "", apperrors.ErrMalformedKey
			}
		}
	}

	return cleaned, nil
}

// IsValid reports whether raw parses as a well-formed license key.
func (c *KeyCodec) IsValid(raw string) bool {
	_, err := c.Parse(raw)
	return err == nil
}
