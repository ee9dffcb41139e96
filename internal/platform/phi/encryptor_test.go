package phi

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return key
}

func TestNewRecordEncryptor_RejectsBadKeySizes(t *testing.T) {
	for _, size := range []int{0, 16, 31, 33, 64} {
		if _, err := NewRecordEncryptor(make([]byte, size)); err == nil {
			t.Errorf("expected error for %d-byte key", size)
		}
	}
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	enc, err := NewRecordEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}

	binary := make([]byte, 4096)
	if _, err := rand.Read(binary); err != nil {
		t.Fatalf("generate binary payload: %v", err)
	}

	cases := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("rr 22, radial present")},
		{"json", []byte(`{"priority":"delayed","vitals":{"breathing":"normal"}}`)},
		{"unicode", []byte("complains of pain — côté gauche, 痛み")},
		{"binary", binary},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := enc.Encrypt(tc.data, "rec-1")
			if err != nil {
				t.Fatalf("encrypt: %v", err)
			}
			opened, err := enc.Decrypt(sealed, "rec-1")
			if err != nil {
				t.Fatalf("decrypt: %v", err)
			}
			if !bytes.Equal(opened, tc.data) {
				t.Errorf("roundtrip mismatch: got %d bytes, want %d", len(opened), len(tc.data))
			}
		})
	}
}

func TestEncrypt_ProducesDifferentCiphertexts(t *testing.T) {
	enc, err := NewRecordEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}

	data := []byte("same plaintext")
	first, err := enc.Encrypt(data, "rec-1")
	if err != nil {
		t.Fatalf("first encrypt: %v", err)
	}
	second, err := enc.Encrypt(data, "rec-1")
	if err != nil {
		t.Fatalf("second encrypt: %v", err)
	}

	if bytes.Equal(first, second) {
		t.Error("expected two encryptions of the same plaintext to differ (fresh nonce per call)")
	}
}

func TestDecrypt_WrongRecordID(t *testing.T) {
	enc, err := NewRecordEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}

	sealed, err := enc.Encrypt([]byte("bound payload"), "rec-1")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := enc.Decrypt(sealed, "rec-2"); !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected ErrIntegrity for mismatched record binding, got %v", err)
	}
}

func TestDecrypt_TamperedBitFails(t *testing.T) {
	enc, err := NewRecordEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}

	sealed, err := enc.Encrypt([]byte("a payload long enough to span nonce, body, and tag"), "rec-1")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// One position in the nonce, one in the body, and the final tag byte.
	positions := []int{0, len(sealed) / 2, len(sealed) - 1}
	for _, pos := range positions {
		tampered := make([]byte, len(sealed))
		copy(tampered, sealed)
		tampered[pos] ^= 0x01

		opened, err := enc.Decrypt(tampered, "rec-1")
		if !errors.Is(err, ErrIntegrity) {
			t.Errorf("position %d: expected ErrIntegrity, got %v", pos, err)
		}
		if opened != nil {
			t.Errorf("position %d: expected no plaintext from tampered blob", pos)
		}
	}
}

func TestDecrypt_TooShort(t *testing.T) {
	enc, err := NewRecordEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}

	if _, err := enc.Decrypt([]byte{0x01, 0x02}, "rec-1"); !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected ErrIntegrity for truncated blob, got %v", err)
	}
}
