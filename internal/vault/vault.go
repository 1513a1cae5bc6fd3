// Package vault encrypts and decrypts stored field values under a master key.
//
// Two schemes are readable: the legacy AES-256-GCM format whose nonce lives
// in a separate IV column, and the current XChaCha20-Poly1305 format with the
// nonce prepended to the ciphertext. New payloads are always written with the
// current scheme. Encrypted payloads are base64 encoded for storage.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/atinyakov/fieldkeeper/internal/models"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the required size of the master key.
const KeySize = 32

var (
	ErrInvalidKeySize     = errors.New("vault: key must be 32 bytes")
	ErrCiphertextTooShort = errors.New("vault: ciphertext too short")
	ErrMissingIV          = errors.New("vault: legacy payload without iv")
	ErrUnsupportedScheme  = errors.New("vault: unsupported scheme")
)

const keyInfo = "fieldkeeper field values v1"

// Vault holds the master key.
type Vault struct {
	key []byte
}

// New creates a Vault from a raw 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Vault{key: k}, nil
}

// NewFromSecret derives the master key from an arbitrary secret with HKDF-SHA256.
func NewFromSecret(secret string) (*Vault, error) {
	if secret == "" {
		return nil, errors.New("vault: empty secret")
	}
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return &Vault{key: key}, nil
}

// Encrypt seals plaintext with the current scheme.
func (v *Vault) Encrypt(plaintext string) (string, models.Scheme, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", models.SchemeNone, fmt.Errorf("vault: create chacha20 cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", models.SchemeNone, fmt.Errorf("vault: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), models.SchemeCurrent, nil
}

// Decrypt opens payload according to scheme. SchemeNone returns payload as is.
func (v *Vault) Decrypt(payload string, iv []byte, scheme models.Scheme) (string, error) {
	switch scheme {
	case models.SchemeNone:
		return payload, nil
	case models.SchemeCurrent:
		return v.decryptCurrent(payload)
	case models.SchemeLegacy:
		return v.decryptLegacy(payload, iv)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
}

func (v *Vault) decryptCurrent(payload string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("vault: decode payload: %w", err)
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: create chacha20 cipher: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrCiphertextTooShort
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("vault: decryption failed: %w", err)
	}
	return string(plain), nil
}

func (v *Vault) decryptLegacy(payload string, iv []byte) (string, error) {
	aead, err := v.legacyAEAD()
	if err != nil {
		return "", err
	}
	if len(iv) != aead.NonceSize() {
		return "", ErrMissingIV
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("vault: decode payload: %w", err)
	}
	plain, err := aead.Open(nil, iv, raw, nil)
	if err != nil {
		return "", fmt.Errorf("vault: decryption failed: %w", err)
	}
	return string(plain), nil
}

// SealLegacy writes plaintext in the legacy format. It exists for importing
// data from older installations.
func (v *Vault) SealLegacy(plaintext string) (string, []byte, error) {
	aead, err := v.legacyAEAD()
	if err != nil {
		return "", nil, err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", nil, fmt.Errorf("vault: generate iv: %w", err)
	}
	ct := aead.Seal(nil, iv, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ct), iv, nil
}

func (v *Vault) legacyAEAD() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("vault: create aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: create gcm: %w", err)
	}
	return aead, nil
}
