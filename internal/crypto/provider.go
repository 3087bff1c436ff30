// Package crypto implements the hybrid decryption primitives used on poll
// payloads: RSA-OAEP (SHA-256) key unwrapping followed by AES-256-CFB.
//
// Two interchangeable providers satisfy the same contract. Native delegates
// to the standard library's OAEP and CFB implementations. Portable goes
// through the crypto.Decrypter interface and runs CFB-128 block by block
// over a cipher.Block, so it can front any Decrypter-capable key store.
package crypto

import (
	"crypto/aes"
	"crypto/rsa"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	// KeySize is the AES-256 key length carried in aes_key.
	KeySize = 32
	// IVSize is the length of the IV prefixed to every data entry.
	IVSize = aes.BlockSize
	// MaxCiphertextSize bounds a single data entry.
	MaxCiphertextSize = 16 << 20
)

var (
	ErrDecryption         = errors.New("decryption failed")
	ErrNoPrivateKey       = errors.New("no private key")
	ErrKeySize            = fmt.Errorf("symmetric key must be %d bytes", KeySize)
	ErrIVSize             = fmt.Errorf("iv must be %d bytes", IVSize)
	ErrShortCiphertext    = fmt.Errorf("ciphertext shorter than %d-byte iv", IVSize)
	ErrCiphertextTooLarge = fmt.Errorf("ciphertext exceeds %d bytes", MaxCiphertextSize)
	ErrUnknownProvider    = errors.New("unknown crypto provider")
)

// Provider decrypts poll payloads. Implementations must return errors, never
// panic, on malformed input.
type Provider interface {
	Name() string
	DecryptKey(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error)
	DecryptData(key, iv, ciphertext []byte) ([]byte, error)
}

var providers = map[string]Provider{
	Native{}.Name():   Native{},
	Portable{}.Name(): Portable{},
}

// Default returns the provider used when none is configured.
func Default() Provider { return Native{} }

// Lookup returns the provider registered under name.
func Lookup(name string) (Provider, error) {
	p, ok := providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownProvider, name, strings.Join(Names(), ", "))
	}
	return p, nil
}

// Names lists the registered provider names.
func Names() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SplitIV separates the IV prefix of a data entry from its ciphertext.
func SplitIV(blob []byte) (iv, ciphertext []byte, err error) {
	if len(blob) < IVSize {
		return nil, nil, ErrShortCiphertext
	}
	return blob[:IVSize], blob[IVSize:], nil
}

func checkKeyInput(priv *rsa.PrivateKey, ciphertext []byte) error {
	if priv == nil || priv.D == nil || priv.D.Sign() == 0 {
		return ErrNoPrivateKey
	}
	if len(ciphertext) == 0 {
		return fmt.Errorf("%w: empty key ciphertext", ErrDecryption)
	}
	if len(ciphertext) != priv.Size() {
		return fmt.Errorf("%w: key ciphertext is %d bytes, want %d", ErrDecryption, len(ciphertext), priv.Size())
	}
	return nil
}

func checkDataInput(key, iv, ciphertext []byte) error {
	if len(key) != KeySize {
		return ErrKeySize
	}
	if len(iv) != IVSize {
		return ErrIVSize
	}
	if len(ciphertext) > MaxCiphertextSize {
		return ErrCiphertextTooLarge
	}
	return nil
}
