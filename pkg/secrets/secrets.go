// Package secrets encrypts values at rest with a host-mounted 32-byte
// key, using AES-GCM with a random nonce prepended to the ciphertext.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/discodeploy/disco/pkg/disco"
)

type Keyring struct {
	path string
	once sync.Once
	key  []byte
	err  error
}

func NewKeyring(path string) *Keyring {
	return &Keyring{path: path}
}

func (k *Keyring) load() ([]byte, error) {
	k.once.Do(func() {
		raw, err := os.ReadFile(k.path)
		if err != nil {
			k.err = fmt.Errorf("reading encryption key %s: %w", k.path, err)
			return
		}
		if len(raw) != 32 {
			k.err = fmt.Errorf("encryption key at %s must be 32 bytes, got %d", k.path, len(raw))
			return
		}
		k.key = raw
	})
	return k.key, k.err
}

// Encrypt returns an opaque base64 string; nil/empty in yields empty out,
// matching encrypt(None) == None.
func (k *Keyring) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	key, err := k.load()
	if err != nil {
		return "", disco.InternalError(err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", disco.InternalError(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", disco.InternalError(err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", disco.InternalError(err)
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt is the inverse of Encrypt; empty in yields empty out.
func (k *Keyring) Decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	key, err := k.load()
	if err != nil {
		return "", disco.InternalError(err)
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", disco.InternalError(err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", disco.InternalError(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", disco.InternalError(err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", disco.InvalidArgument("ciphertext too short")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", disco.InternalError(err)
	}
	return string(plaintext), nil
}

// GenerateKey produces a fresh 32-byte key for first-install bootstrap.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Obfuscate renders a short, non-reversible display form of a secret for
// logs.
func Obfuscate(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}
