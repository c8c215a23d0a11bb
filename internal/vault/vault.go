package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrKeyMissing     = errors.New("encryption_key_missing")
	ErrMalformedToken = errors.New("malformed_token")
)

// Vault encrypts provider credentials at rest. The cipher key is derived
// from the master secret with SHA-256 so the secret itself does not have to
// be exactly 32 bytes.
//
// CTR mode carries no integrity tag: decrypting with the wrong key returns
// garbage bytes, not an error.
type Vault struct {
	key []byte
}

func New(masterSecret string) (*Vault, error) {
	secret := strings.TrimSpace(masterSecret)
	if secret == "" {
		return nil, ErrKeyMissing
	}
	sum := sha256.Sum256([]byte(secret))
	return &Vault{key: sum[:]}, nil
}

// Encrypt returns hex(iv):hex(ciphertext) with a fresh random IV per call,
// so identical plaintexts never produce identical tokens.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if v == nil || len(v.key) == 0 {
		return "", ErrKeyMissing
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, []byte(plaintext))

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

func (v *Vault) Decrypt(token string) (string, error) {
	if v == nil || len(v.key) == 0 {
		return "", ErrKeyMissing
	}

	ivHex, ctHex, ok := strings.Cut(token, ":")
	if !ok {
		return "", ErrMalformedToken
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrMalformedToken
	}
	ciphertext, err := hex.DecodeString(ctHex)
	if err != nil {
		return "", ErrMalformedToken
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)

	return string(plaintext), nil
}

// GenerateKey returns fresh hex-encoded master key material.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}
