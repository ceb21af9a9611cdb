package secretbox

import (
	"errors"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	box, err := New("fleet-secret", 10)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sealed, err := box.Encrypt("raspberry")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if sealed == "raspberry" || sealed == "" {
		t.Fatalf("ciphertext looks like plaintext: %q", sealed)
	}
	plain, err := box.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "raspberry" {
		t.Fatalf("plaintext = %q", plain)
	}
}

func TestDecryptWithWrongPassphrase(t *testing.T) {
	box, _ := New("fleet-secret", 10)
	sealed, _ := box.Encrypt("tskey-auth-123")
	other, _ := New("another", 10)
	if _, err := other.Decrypt(sealed); err == nil {
		t.Fatalf("expected decrypt failure with wrong passphrase")
	}
	if _, err := box.Decrypt("%%% not base64"); err == nil {
		t.Fatalf("expected decode failure")
	}
}

func TestNewRejectsEmptyPassphrase(t *testing.T) {
	if _, err := New("  ", 0); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}
