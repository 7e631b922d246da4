// Package secure provides at-rest encryption for account credentials,
// grounded on the teacher's pkg/security/encryption.go AES-256-GCM scheme.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrInvalidKeySize    = errors.New("secure: invalid key size, must be 32 bytes for AES-256")
	ErrInvalidCiphertext = errors.New("secure: ciphertext too short")
	ErrDecryptionFailed  = errors.New("secure: decryption failed")
)

const (
	keySize          = 32
	pbkdf2Iterations = 100000
	saltSize         = 32
)

// Box encrypts and decrypts account credential blobs with a single master
// key derived once at startup.
type Box struct {
	key []byte
}

// NewBox derives a Box's key from a passphrase via SHA-256, matching the
// teacher's NewEncryptionManager.
func NewBox(masterKey string) (*Box, error) {
	if masterKey == "" {
		return nil, errors.New("secure: master key cannot be empty")
	}
	hash := sha256.Sum256([]byte(masterKey))
	return &Box{key: hash[:]}, nil
}

// DeriveKey derives a key from a password and salt via PBKDF2-SHA256, for
// callers that want a per-tenant key instead of NewBox's single master key.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keySize, sha256.New)
}

// GenerateSalt returns a random PBKDF2 salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("secure: generate salt: %w", err)
	}
	return salt, nil
}

// Encrypt seals plaintext with AES-256-GCM and returns a base64 string
// (nonce || ciphertext || tag).
func (b *Box) Encrypt(plaintext []byte) (string, error) {
	return Encrypt(plaintext, b.key)
}

// Decrypt opens a string produced by Encrypt.
func (b *Box) Decrypt(ciphertext string) ([]byte, error) {
	return Decrypt(ciphertext, b.key)
}

// EncryptString encrypts a credential string, the shape Account.Credentials
// is stored as.
func (b *Box) EncryptString(plaintext string) (string, error) {
	return b.Encrypt([]byte(plaintext))
}

// DecryptString is the inverse of EncryptString.
func (b *Box) DecryptString(ciphertext string) (string, error) {
	plaintext, err := b.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Encrypt seals plaintext with the given 32-byte key.
func Encrypt(plaintext, key []byte) (string, error) {
	if len(key) != keySize {
		return "", ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("secure: new cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secure: new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secure: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a string produced by Encrypt with the given 32-byte key.
func Decrypt(ciphertextBase64 string, key []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKeySize
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil {
		return nil, fmt.Errorf("secure: decode base64: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secure: new cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secure: new gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}
