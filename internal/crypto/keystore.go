// Package crypto provides the gateway's cryptographic primitives: sealing of
// stored MySQL passwords under a file-held master key, API token generation,
// memory-hard password hashing, and JWT issuance for the REST surface.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mysqlgate/mysqlgate/internal/gateway"
)

const (
	// MasterKeySize is the AES-256 key length in bytes.
	MasterKeySize = 32
	// MasterKeyFile is the well-known file name inside the data directory.
	MasterKeyFile = "master.key"

	nonceSize = 12
)

// Keystore seals and opens password records under a master key.
type Keystore struct {
	aead cipher.AEAD
	path string
}

// LoadOrCreateKeystore reads the master key from dataDir, generating a fresh
// 32-byte key with mode 0600 on first run.
func LoadOrCreateKeystore(dataDir string) (*Keystore, error) {
	path := filepath.Join(dataDir, MasterKeyFile)

	key, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(key) != MasterKeySize {
			return nil, fmt.Errorf("master key file %s: expected %d bytes, got %d", path, MasterKeySize, len(key))
		}
	case os.IsNotExist(err):
		key = make([]byte, MasterKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating master key: %w", err)
		}
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		if err := writeFileAtomic(path, key, 0o600); err != nil {
			return nil, fmt.Errorf("writing master key: %w", err)
		}
	default:
		return nil, fmt.Errorf("reading master key: %w", err)
	}

	return newKeystore(key, path)
}

func newKeystore(key []byte, path string) (*Keystore, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initializing AEAD: %w", err)
	}
	return &Keystore{aead: aead, path: path}, nil
}

// Seal encrypts a password with a fresh random nonce. The returned record is
// base64url(nonce || ciphertext || tag).
func (k *Keystore) Seal(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := k.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a record produced by Seal. Verification failure, including any
// record sealed under a different master key, returns ErrCryptoTamper.
func (k *Keystore) Open(record string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(record)
	if err != nil || len(raw) < nonceSize+k.aead.Overhead() {
		return "", gateway.ErrCryptoTamper
	}
	plaintext, err := k.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", gateway.ErrCryptoTamper
	}
	return string(plaintext), nil
}

// Rotate generates a fresh master key, calls reencrypt with a keystore bound
// to the new key so the caller can rewrite every stored record, and then
// atomically replaces the key file. The receiver keeps the old key so the
// caller can still Open existing records during reencrypt.
func (k *Keystore) Rotate(reencrypt func(next *Keystore) error) error {
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generating replacement key: %w", err)
	}
	next, err := newKeystore(key, k.path)
	if err != nil {
		return err
	}

	if err := reencrypt(next); err != nil {
		return fmt.Errorf("re-encrypting records: %w", err)
	}

	if err := writeFileAtomic(k.path, key, 0o600); err != nil {
		return fmt.Errorf("replacing master key file: %w", err)
	}
	k.aead = next.aead
	return nil
}

// writeFileAtomic writes via a temp file and rename so a crash never leaves a
// truncated key on disk.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
