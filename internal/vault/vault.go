// Package vault seals bank tokens with AES-GCM before they touch the
// database. Not a replacement for an HSM but keeps plaintext credentials
// out of sqlite files and backups.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"runtime"
)

// EncryptedToken is an opaque sealed credential. The zero value is empty.
type EncryptedToken struct {
	data []byte
}

// Empty reports whether the token holds no ciphertext.
func (t EncryptedToken) Empty() bool { return len(t.data) == 0 }

// Encode renders the token for storage.
func (t EncryptedToken) Encode() string {
	return base64.StdEncoding.EncodeToString(t.data)
}

// String redacts the ciphertext so tokens cannot leak through logs or
// error messages by accident.
func (t EncryptedToken) String() string {
	if t.Empty() {
		return "enc:empty"
	}
	return "enc:redacted"
}

// Decode parses a stored token produced by Encode.
func Decode(s string) (EncryptedToken, error) {
	if s == "" {
		return EncryptedToken{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return EncryptedToken{}, fmt.Errorf("decode token: %w", err)
	}
	return EncryptedToken{data: raw}, nil
}

// Vault seals and reveals tokens under a single derived key.
type Vault struct {
	key []byte
}

// New derives the sealing key from secret. An empty secret falls back to a
// host-derived key, which survives restarts on one machine but not a move
// to another. Production deployments set vault.secret.
func New(secret string) *Vault {
	if secret == "" {
		secret = fmt.Sprintf("contaflux-%s-%s", runtime.GOOS, os.Getenv("USER"))
	}
	hash := sha256.Sum256([]byte(secret))
	return &Vault{key: hash[:]}
}

// Seal encrypts plain. A fresh nonce is drawn per call and prepended to
// the ciphertext, so sealing the same value twice yields different bytes.
func (v *Vault) Seal(plain string) (EncryptedToken, error) {
	gcm, err := v.gcm()
	if err != nil {
		return EncryptedToken{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return EncryptedToken{}, fmt.Errorf("nonce: %w", err)
	}
	return EncryptedToken{data: gcm.Seal(nonce, nonce, []byte(plain), nil)}, nil
}

// Reveal decrypts a sealed token. Fails on tampered ciphertext or a key
// other than the sealing one.
func (v *Vault) Reveal(t EncryptedToken) (string, error) {
	if t.Empty() {
		return "", fmt.Errorf("reveal: empty token")
	}
	gcm, err := v.gcm()
	if err != nil {
		return "", err
	}
	if len(t.data) < gcm.NonceSize() {
		return "", fmt.Errorf("reveal: ciphertext too short")
	}
	nonce := t.data[:gcm.NonceSize()]
	body := t.data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("reveal: %w", err)
	}
	return string(plain), nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
