package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"

	"pairlink/internal/constants"

	"golang.org/x/crypto/pbkdf2"
)

// encryptor protects message text at rest. Encryption is opt-in via
// PAIRLINK_ENABLE_ENCRYPTION; when disabled every method passes text
// through unchanged so existing plaintext databases keep working.
type encryptor struct {
	gcm cipher.AEAD
}

func newEncryptor() (*encryptor, error) {
	if !encryptionEnabled() {
		return &encryptor{}, nil
	}

	key, err := deriveKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &encryptor{gcm: gcm}, nil
}

// encrypt seals plaintext with a random nonce, prepends the nonce and
// returns the result base64 encoded.
func (e *encryptor) encrypt(plaintext string) (string, error) {
	if plaintext == "" || e.gcm == nil {
		return plaintext, nil
	}

	nonce := make([]byte, constants.EncryptionNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := e.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(append(nonce, ciphertext...)), nil
}

func (e *encryptor) decrypt(ciphertext string) (string, error) {
	if ciphertext == "" || e.gcm == nil {
		return ciphertext, nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(data) < constants.EncryptionNonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:constants.EncryptionNonceSize], data[constants.EncryptionNonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// encryptOptional handles nullable text columns.
func (e *encryptor) encryptOptional(text *string) (*string, error) {
	if text == nil {
		return nil, nil
	}
	sealed, err := e.encrypt(*text)
	if err != nil {
		return nil, err
	}
	return &sealed, nil
}

func (e *encryptor) decryptOptional(text *string) (*string, error) {
	if text == nil {
		return nil, nil
	}
	plain, err := e.decrypt(*text)
	if err != nil {
		return nil, err
	}
	return &plain, nil
}

func deriveKey() ([]byte, error) {
	secret := os.Getenv("PAIRLINK_ENCRYPTION_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("PAIRLINK_ENCRYPTION_SECRET is required when encryption is enabled")
	}
	if len(secret) < constants.MinEncryptionSecret {
		return nil, fmt.Errorf("encryption secret must be at least %d characters long", constants.MinEncryptionSecret)
	}

	key := pbkdf2.Key([]byte(secret), []byte(constants.EncryptionSalt),
		constants.EncryptionIterations, constants.EncryptionKeySize, sha256.New)
	return key, nil
}

func encryptionEnabled() bool {
	return os.Getenv("PAIRLINK_ENABLE_ENCRYPTION") == "true"
}
