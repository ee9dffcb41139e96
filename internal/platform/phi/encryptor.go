package phi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// KeySize is the AES-256 key length in bytes. Fixed process-wide.
const KeySize = 32

// RecordEncryptor provides AES-256-GCM authenticated encryption for whole
// record payloads.
type RecordEncryptor struct {
	aead cipher.AEAD
}

// NewRecordEncryptor creates a RecordEncryptor with the given 32-byte key.
func NewRecordEncryptor(key []byte) (*RecordEncryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("phi encryptor: key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create GCM: %w", err)
	}

	return &RecordEncryptor{aead: aead}, nil
}

// Encrypt seals data under a fresh random nonce and binds the result to
// recordID through the additional authenticated data, so a blob moved between
// record rows fails to open. The nonce is generated here, never accepted from
// the caller, and is prepended to the ciphertext.
func (e *RecordEncryptor) Encrypt(data []byte, recordID string) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("phi encrypt: generate nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, so the result is nonce + ciphertext.
	return e.aead.Seal(nonce, nonce, data, []byte(recordID)), nil
}

// Decrypt extracts the nonce from the front of data and opens the remainder
// under the same recordID binding. Every authentication failure reports
// ErrIntegrity.
func (e *RecordEncryptor) Decrypt(data []byte, recordID string) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("phi decrypt: ciphertext too short: %w", ErrIntegrity)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, []byte(recordID))
	if err != nil {
		return nil, fmt.Errorf("phi decrypt: %w", ErrIntegrity)
	}
	return plaintext, nil
}
