// Package horosafe holds the input and secret checks applied at msgstats'
// trust boundaries: the signing secret, contact identifiers taken from
// request paths, opaque identifiers, and bounded reads of provider responses.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"unicode"
	"unicode/utf8"
)

// MinSecretLen is the minimum length of the JWT signing secret.
// 32 bytes = 256 bits.
const MinSecretLen = 32

// MaxResponseBody caps reads of OAuth provider responses (1 MiB).
const MaxResponseBody int64 = 1 << 20

// MaxContactIDLen bounds a contact identifier. 320 is the longest valid
// email address; phone numbers are far shorter.
const MaxContactIDLen = 320

// ErrSecretTooShort is returned when a secret does not meet MinSecretLen.
var ErrSecretTooShort = fmt.Errorf("horosafe: secret must be at least %d bytes", MinSecretLen)

// ErrInvalidContactID is returned by ValidateContactID.
var ErrInvalidContactID = errors.New("horosafe: invalid contact identifier")

// ValidateSecret checks that secret is at least MinSecretLen bytes.
func ValidateSecret(secret []byte) error {
	if len(secret) < MinSecretLen {
		return ErrSecretTooShort
	}
	return nil
}

// ValidateContactID accepts any non-empty UTF-8 string of at most
// MaxContactIDLen bytes without control characters. Phone numbers, emails and
// chat identifiers all pass; the value is only ever bound as a query
// parameter.
func ValidateContactID(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidContactID)
	}
	if len(s) > MaxContactIDLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidContactID, MaxContactIDLen)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidContactID)
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character %U", ErrInvalidContactID, r)
		}
	}
	return nil
}

// ValidateIdentifier rejects identifiers with characters outside
// [A-Za-z0-9_.-]. Used for provider names and API key ids.
func ValidateIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("horosafe: identifier must not be empty")
	}
	if len(s) > 256 {
		return fmt.Errorf("horosafe: identifier too long (max 256)")
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("horosafe: invalid character %q in identifier", r)
		}
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r and fails if r holds more.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("horosafe: response exceeds %d bytes", maxBytes)
	}
	return data, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
