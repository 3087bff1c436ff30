package crypto

import (
	gocrypto "crypto"
	"crypto/aes"
	"crypto/rsa"
	"crypto/subtle"
	"fmt"

	"github.com/rsclarke/oastrix-client/internal/secure"
)

// Portable decrypts through the crypto.Decrypter interface and a hand-run
// CFB-128 feedback loop.
type Portable struct{}

func (Portable) Name() string { return "portable" }

func (Portable) DecryptKey(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	if err := checkKeyInput(priv, ciphertext); err != nil {
		return nil, err
	}
	var dec gocrypto.Decrypter = priv
	key, err := dec.Decrypt(nil, ciphertext, &rsa.OAEPOptions{Hash: gocrypto.SHA256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return key, nil
}

func (Portable) DecryptData(key, iv, ciphertext []byte) ([]byte, error) {
	if err := checkDataInput(key, iv, ciphertext); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	out := make([]byte, len(ciphertext))
	feedback := make([]byte, aes.BlockSize)
	keystream := make([]byte, aes.BlockSize)
	defer secure.Wipe(keystream)
	defer secure.Wipe(feedback)

	copy(feedback, iv)
	for off := 0; off < len(ciphertext); off += aes.BlockSize {
		block.Encrypt(keystream, feedback)
		end := min(off+aes.BlockSize, len(ciphertext))
		segment := ciphertext[off:end]
		subtle.XORBytes(out[off:end], segment, keystream)
		// CFB feeds the previous ciphertext block back in; a short final
		// segment ends the stream so its feedback is never used.
		copy(feedback, segment)
	}
	return out, nil
}
