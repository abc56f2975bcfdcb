package connections

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var (
	ErrBadKey        = errors.New("connections: key must be 32 bytes base64")
	ErrDecryptFailed = errors.New("connections: decryption failed")
)

// Cipher seals and opens token payloads with a static secretbox key. The
// nonce is random per message and prepended to the ciphertext.
type Cipher struct {
	key [keySize]byte
}

// NewCipher parses a base64-encoded 32-byte key.
func NewCipher(keyB64 string) (*Cipher, error) {
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	if len(raw) != keySize {
		return nil, ErrBadKey
	}
	c := &Cipher{}
	copy(c.key[:], raw)
	return c, nil
}

// GenerateKey returns a fresh random key in the accepted base64 form.
func GenerateKey() (string, error) {
	raw := make([]byte, keySize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &c.key), nil
}

func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, ErrDecryptFailed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plain, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &c.key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}
