package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// Scheme selects how an auth token is rendered in the Authorization header.
type Scheme int

const (
	// SchemeRaw sends the token as-is, which is what interactsh servers expect.
	SchemeRaw Scheme = iota
	// SchemeBearer prefixes the token with "Bearer ".
	SchemeBearer
)

var (
	ErrEmptyToken   = errors.New("auth token is empty")
	ErrInvalidToken = errors.New("auth token contains whitespace or control characters")
)

// GenerateSecret returns a fresh correlation secret (UUIDv4 from crypto/rand).
func GenerateSecret() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// HashSecret returns the hex SHA-256 digest of secret.
func HashSecret(secret []byte) string {
	h := sha256.Sum256(secret)
	return hex.EncodeToString(h[:])
}

// VerifySecret reports whether presented matches stored, where stored is
// either the raw secret or its HashSecret digest.
func VerifySecret(presented, stored string) bool {
	if subtle.ConstantTimeCompare([]byte(presented), []byte(stored)) == 1 {
		return true
	}
	digest := HashSecret([]byte(presented))
	return subtle.ConstantTimeCompare([]byte(digest), []byte(stored)) == 1
}

// ValidateToken checks that token can be sent safely as a header value.
func ValidateToken(token string) error {
	if strings.TrimSpace(token) == "" {
		return ErrEmptyToken
	}
	for _, c := range token {
		if unicode.IsSpace(c) || unicode.IsControl(c) {
			return ErrInvalidToken
		}
	}
	return nil
}

// HeaderValue renders token for the Authorization header.
func HeaderValue(scheme Scheme, token string) string {
	if scheme == SchemeBearer {
		return "Bearer " + token
	}
	return token
}

// ParseHeader extracts the token from an Authorization header value,
// accepting both raw and bearer forms.
func ParseHeader(value string) string {
	if rest, ok := strings.CutPrefix(value, "Bearer "); ok {
		return rest
	}
	return value
}
