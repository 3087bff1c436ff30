package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

// Native is the library-backed provider.
type Native struct{}

func (Native) Name() string { return "native" }

func (Native) DecryptKey(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	if err := checkKeyInput(priv, ciphertext); err != nil {
		return nil, err
	}
	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return key, nil
}

func (Native) DecryptData(key, iv, ciphertext []byte) ([]byte, error) {
	if err := checkDataInput(key, iv, ciphertext); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	out := make([]byte, len(ciphertext))
	//lint:ignore SA1019 interactsh servers encrypt with unauthenticated CFB
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(out, ciphertext)
	return out, nil
}
