// Package token generates the random identifiers that make up an
// interaction subdomain.
package token

import (
	"crypto/rand"
	"errors"
	"io"
)

const charset = "abcdefghijklmnopqrstuvwxyz0123456789"

// maxUnbiased is the largest multiple of len(charset) that fits in a byte.
const maxUnbiased = 256 - 256%len(charset)

// ErrInvalidLength is returned for non-positive lengths.
var ErrInvalidLength = errors.New("token length must be positive")

// Generate returns n lowercase alphanumeric characters drawn from crypto/rand.
func Generate(n int) (string, error) {
	return GenerateFrom(rand.Reader, n)
}

// GenerateFrom draws from r, rejecting bytes that would bias the alphabet.
func GenerateFrom(r io.Reader, n int) (string, error) {
	if n <= 0 {
		return "", ErrInvalidLength
	}

	b := make([]byte, 0, n)
	randomBytes := make([]byte, n)
	for len(b) < n {
		if _, err := io.ReadFull(r, randomBytes); err != nil {
			return "", err
		}
		for _, rb := range randomBytes {
			if int(rb) >= maxUnbiased {
				continue
			}
			b = append(b, charset[int(rb)%len(charset)])
			if len(b) == n {
				break
			}
		}
	}
	return string(b), nil
}

// IsValid reports whether s only uses the token alphabet.
func IsValid(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}
