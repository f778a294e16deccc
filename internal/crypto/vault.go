// Package crypto protects venue credentials at rest and provides the request
// signing primitives used by the venue adapters.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	defaultIterations = 480_000
	saltLen    = 16
	keyLen     = 32
	envelopeV1 = "v1."
)

var b64 = base64.RawURLEncoding

// Vault seals venue secrets with AES-256-GCM under a key derived from the
// operator passphrase by PBKDF2-HMAC-SHA256. A sealed secret is
//
//	v1.<base64url(salt | nonce | ciphertext+tag)>
//
// Derived keys are cached per salt because workers reopen the same
// credentials every cycle.
type Vault struct {
	passphrase []byte
	iterations int
	keys       sync.Map // string(salt) -> cipher.AEAD
}

// NewVault returns a Vault for the given passphrase.
func NewVault(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: passphrase must not be empty")
	}
	return &Vault{passphrase: []byte(passphrase), iterations: defaultIterations}, nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	if a, ok := v.keys.Load(string(salt)); ok {
		return a.(cipher.AEAD), nil
	}
	block, err := aes.NewCipher(pbkdf2.Key(v.passphrase, salt, v.iterations, keyLen, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	v.keys.Store(string(salt), a)
	return a, nil
}

// Seal encrypts plaintext under a fresh salt and nonce.
func (v *Vault) Seal(plaintext string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto: salt: %w", err)
	}
	a, err := v.aead(salt)
	if err != nil {
		return "", err
	}
	buf := make([]byte, saltLen+a.NonceSize(), saltLen+a.NonceSize()+len(plaintext)+a.Overhead())
	copy(buf, salt)
	nonce := buf[saltLen:]
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	buf = a.Seal(buf, nonce, []byte(plaintext), nil)
	return envelopeV1 + b64.EncodeToString(buf), nil
}

// Open decrypts a value produced by Seal. A wrong passphrase and a tampered
// value fail the same way.
func (v *Vault) Open(sealed string) (string, error) {
	body, ok := strings.CutPrefix(sealed, envelopeV1)
	if !ok {
		return "", errors.New("crypto: unknown envelope version")
	}
	raw, err := b64.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("crypto: decode: %w", err)
	}
	if len(raw) < saltLen {
		return "", errors.New("crypto: sealed value too short")
	}
	a, err := v.aead(raw[:saltLen])
	if err != nil {
		return "", err
	}
	rest := raw[saltLen:]
	if len(rest) < a.NonceSize()+a.Overhead() {
		return "", errors.New("crypto: sealed value too short")
	}
	plaintext, err := a.Open(nil, rest[:a.NonceSize()], rest[a.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("crypto: authentication failed: %w", err)
	}
	return string(plaintext), nil
}
