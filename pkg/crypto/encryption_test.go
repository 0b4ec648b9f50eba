package crypto

import (
	"testing"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptDecrypt(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"short", "hello"},
		{"api_key", "abc123XYZ789"},
		{"secret", "a very long string standing in for an exchange API secret key"},
		{"unicode", "passphrase-密碼-🔐"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := enc.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}
			if !IsEncrypted(ciphertext) {
				t.Errorf("ciphertext missing version prefix: %s", ciphertext)
			}

			decrypted, err := enc.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt failed: %v", err)
			}
			if decrypted != tt.plaintext {
				t.Errorf("decrypted = %q, want %q", decrypted, tt.plaintext)
			}
		})
	}
}

func TestEncryptDifferentCiphertexts(t *testing.T) {
	enc, _ := NewEncryptor(testKey())

	plaintext := "same-api-key"
	c1, _ := enc.Encrypt(plaintext)
	c2, _ := enc.Encrypt(plaintext)

	// Random nonce means equal plaintexts must not repeat ciphertexts.
	if c1 == c2 {
		t.Error("expected different ciphertexts for same plaintext")
	}
}

func TestNewEncryptorFromString(t *testing.T) {
	// Any non-empty passphrase is accepted and round-trips.
	enc, err := NewEncryptorFromString("operator passphrase")
	if err != nil {
		t.Fatalf("NewEncryptorFromString failed: %v", err)
	}
	c, err := enc.Encrypt("key-material")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	got, err := enc.Decrypt(c)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if got != "key-material" {
		t.Errorf("round trip = %q, want %q", got, "key-material")
	}

	if _, err := NewEncryptorFromString(""); err == nil {
		t.Error("expected error for empty key string")
	}
}

func TestInvalidKey(t *testing.T) {
	if _, err := NewEncryptor([]byte("short")); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestDecryptPassthrough(t *testing.T) {
	enc, _ := NewEncryptor(testKey())

	// Legacy rows stored before encryption was enabled come back verbatim.
	got, err := enc.Decrypt("plain-api-key")
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if got != "plain-api-key" {
		t.Errorf("passthrough = %q, want %q", got, "plain-api-key")
	}
}

func TestDecryptInvalidCiphertext(t *testing.T) {
	enc, _ := NewEncryptor(testKey())

	invalids := []string{
		"ENC[v1]:",           // empty data
		"ENC[v1]:!!!invalid", // invalid base64
		"ENC[v1]:QQ==",       // shorter than a nonce
	}

	for _, invalid := range invalids {
		if _, err := enc.Decrypt(invalid); err == nil {
			t.Errorf("expected error for invalid ciphertext: %s", invalid)
		}
	}
}

func TestDecryptWrongKey(t *testing.T) {
	enc, _ := NewEncryptor(testKey())
	other, _ := NewEncryptorFromString("different key")

	c, _ := enc.Encrypt("secret")
	if _, err := other.Decrypt(c); err != ErrDecryptionFailed {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}
