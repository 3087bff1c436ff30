// Package keys owns the per-client key material: the RSA key pair, the
// correlation identifiers and the correlation secret.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rsclarke/oastrix-client/internal/api"
	"github.com/rsclarke/oastrix-client/internal/auth"
	"github.com/rsclarke/oastrix-client/internal/crypto"
	"github.com/rsclarke/oastrix-client/internal/errdefs"
	"github.com/rsclarke/oastrix-client/internal/secure"
	"github.com/rsclarke/oastrix-client/internal/token"
)

const (
	DefaultKeyBits = 2048
	MinKeyBits     = 2048
	MaxKeyBits     = 8192

	// Public interactsh servers expect these lengths.
	DefaultSubdomainLength     = 33
	DefaultCorrelationIDLength = 20

	// maxLabelLength is the DNS label limit.
	maxLabelLength = 63
)

var (
	ErrUnsupportedKeySize = fmt.Errorf("key size must be a multiple of 8 between %d and %d bits", MinKeyBits, MaxKeyBits)
	ErrDestroyed          = errors.New("key material destroyed")
)

// SecretEncoding selects how the correlation secret is sent to /register.
type SecretEncoding int

const (
	// SecretPlain sends the raw secret. Interactsh servers store it and
	// compare it against the secret sent on poll and deregister.
	SecretPlain SecretEncoding = iota
	// SecretSHA256 sends the hex SHA-256 digest on register only.
	SecretSHA256
)

func (e SecretEncoding) String() string {
	switch e {
	case SecretPlain:
		return "plain"
	case SecretSHA256:
		return "sha256"
	default:
		return fmt.Sprintf("SecretEncoding(%d)", int(e))
	}
}

// ParseSecretEncoding maps "plain" or "sha256" onto a SecretEncoding.
func ParseSecretEncoding(s string) (SecretEncoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "plain":
		return SecretPlain, nil
	case "sha256":
		return SecretSHA256, nil
	default:
		return 0, fmt.Errorf("unknown secret encoding %q", s)
	}
}

// CorrelationConfig sets the identifier lengths. The correlation ID is the
// leading CorrelationIDLength characters of the subdomain.
type CorrelationConfig struct {
	SubdomainLength     int
	CorrelationIDLength int
	// SubdomainOverride replaces the random subdomain when set.
	SubdomainOverride string
}

// DefaultCorrelationConfig returns the lengths used by public servers.
func DefaultCorrelationConfig() CorrelationConfig {
	return CorrelationConfig{
		SubdomainLength:     DefaultSubdomainLength,
		CorrelationIDLength: DefaultCorrelationIDLength,
	}
}

// Validate returns one error per invalid field.
func (c CorrelationConfig) Validate() []error {
	var errs []error
	if c.CorrelationIDLength <= 0 || c.CorrelationIDLength > maxLabelLength {
		errs = append(errs, &errdefs.FieldError{Field: "correlation_id_length", Reason: fmt.Sprintf("must be between 1 and %d", maxLabelLength)})
	}
	if c.SubdomainOverride != "" {
		switch {
		case !token.IsValid(c.SubdomainOverride):
			errs = append(errs, &errdefs.FieldError{Field: "subdomain_override", Reason: "must be lowercase alphanumeric"})
		case len(c.SubdomainOverride) > maxLabelLength:
			errs = append(errs, &errdefs.FieldError{Field: "subdomain_override", Reason: fmt.Sprintf("longer than %d characters", maxLabelLength)})
		case len(c.SubdomainOverride) < c.CorrelationIDLength:
			errs = append(errs, &errdefs.FieldError{Field: "subdomain_override", Reason: fmt.Sprintf("shorter than correlation id length %d", c.CorrelationIDLength)})
		}
		return errs
	}
	if c.SubdomainLength < c.CorrelationIDLength || c.SubdomainLength > maxLabelLength {
		errs = append(errs, &errdefs.FieldError{Field: "subdomain_length", Reason: fmt.Sprintf("must be between correlation id length and %d", maxLabelLength)})
	}
	return errs
}

// ValidateKeyBits checks a requested RSA modulus size.
func ValidateKeyBits(bits int) error {
	if bits < MinKeyBits || bits > MaxKeyBits || bits%8 != 0 {
		return ErrUnsupportedKeySize
	}
	return nil
}

// Material is generated once per client and never shared.
type Material struct {
	mu            sync.RWMutex
	private       *rsa.PrivateKey
	publicKey     string
	subdomain     string
	correlationID string
	secret        *secure.Bytes
	destroyed     bool
}

// Generate creates fresh key material.
func Generate(bits int, cfg CorrelationConfig) (*Material, error) {
	if err := ValidateKeyBits(bits); err != nil {
		return nil, &errdefs.KeyGenerationError{Bits: bits, Err: err}
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, &errdefs.KeyGenerationError{Bits: bits, Err: errors.Join(errs...)}
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, &errdefs.KeyGenerationError{Bits: bits, Err: err}
	}

	m, err := fromKey(priv, cfg)
	if err != nil {
		wipeKey(priv)
		return nil, &errdefs.KeyGenerationError{Bits: bits, Err: err}
	}
	return m, nil
}

func fromKey(priv *rsa.PrivateKey, cfg CorrelationConfig) (*Material, error) {
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	subdomain := cfg.SubdomainOverride
	if subdomain == "" {
		subdomain, err = token.Generate(cfg.SubdomainLength)
		if err != nil {
			return nil, fmt.Errorf("generate subdomain: %w", err)
		}
	}

	secret, err := auth.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	return &Material{
		private:       priv,
		publicKey:     base64.StdEncoding.EncodeToString(pemBytes),
		subdomain:     subdomain,
		correlationID: subdomain[:cfg.CorrelationIDLength],
		secret:        secure.FromString(secret),
	}, nil
}

// CorrelationID is the registration identity.
func (m *Material) CorrelationID() string { return m.correlationID }

// Subdomain is the label embedded in the interaction hostname.
func (m *Material) Subdomain() string { return m.subdomain }

// PublicKey returns the base64-encoded PEM public key sent on register.
func (m *Material) PublicKey() string { return m.publicKey }

// KeyBits returns the modulus size, or 0 once destroyed.
func (m *Material) KeyBits() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.destroyed {
		return 0
	}
	return m.private.N.BitLen()
}

// RegistrationPayload builds the /register body.
func (m *Material) RegistrationPayload(enc SecretEncoding) (api.RegisterRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.destroyed {
		return api.RegisterRequest{}, ErrDestroyed
	}

	var secret string
	switch enc {
	case SecretPlain:
		secret = m.secret.String()
	case SecretSHA256:
		m.secret.Use(func(b []byte) { secret = auth.HashSecret(b) })
	default:
		return api.RegisterRequest{}, fmt.Errorf("unknown secret encoding %s", enc)
	}

	return api.RegisterRequest{
		PublicKey:     m.publicKey,
		SecretKey:     secret,
		CorrelationID: m.correlationID,
	}, nil
}

// Secret returns the raw correlation secret for poll and deregister.
func (m *Material) Secret() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.destroyed {
		return "", ErrDestroyed
	}
	return m.secret.String(), nil
}

// DeregistrationPayload builds the /deregister body.
func (m *Material) DeregistrationPayload() (api.DeregisterRequest, error) {
	secret, err := m.Secret()
	if err != nil {
		return api.DeregisterRequest{}, err
	}
	return api.DeregisterRequest{CorrelationID: m.correlationID, SecretKey: secret}, nil
}

// UnwrapKey decrypts a wrapped symmetric key with p. The private key never
// leaves this package except as an argument to the provider.
func (m *Material) UnwrapKey(p crypto.Provider, ciphertext []byte) (*secure.Bytes, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.destroyed {
		return nil, ErrDestroyed
	}
	key, err := p.DecryptKey(m.private, ciphertext)
	if err != nil {
		return nil, err
	}
	return secure.New(key), nil
}

// Destroy wipes the private key and secret. Safe to call more than once.
func (m *Material) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	wipeKey(m.private)
	m.private = nil
	m.secret.Destroy()
	m.destroyed = true
}

// Destroyed reports whether Destroy has run.
func (m *Material) Destroyed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.destroyed
}

func wipeKey(priv *rsa.PrivateKey) {
	if priv == nil {
		return
	}
	secure.WipeInt(priv.D)
	for _, p := range priv.Primes {
		secure.WipeInt(p)
	}
	secure.WipeInt(priv.Precomputed.Dp)
	secure.WipeInt(priv.Precomputed.Dq)
	secure.WipeInt(priv.Precomputed.Qinv)
	for _, crt := range priv.Precomputed.CRTValues {
		secure.WipeInt(crt.Exp)
		secure.WipeInt(crt.Coeff)
		secure.WipeInt(crt.R)
	}
	// Drops the runtime's precomputed copy of the key along with the
	// public half, so the struct can no longer decrypt.
	priv.Precomputed = rsa.PrecomputedValues{}
	*priv = rsa.PrivateKey{}
}
