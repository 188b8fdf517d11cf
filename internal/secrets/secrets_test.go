package secrets

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func newTestBox(t *testing.T) *Box {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	box, err := NewBox(key)
	if err != nil {
		t.Fatal(err)
	}
	return box
}

func TestBox_RoundTrip(t *testing.T) {
	box := newTestBox(t)

	inputs := []string{
		"sk-ant-api03-abc123",
		"",
		"multi\nline\nsecret",
		"unicode: héllo wörld 日本語 🔑",
		string(bytes.Repeat([]byte("x"), 4096)),
	}
	for _, plaintext := range inputs {
		ct, err := box.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		got, err := box.Decrypt(ct)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if got != plaintext {
			t.Errorf("round trip mismatch for %q", plaintext)
		}
	}
}

func TestBox_NonceVaries(t *testing.T) {
	box := newTestBox(t)
	a, _ := box.Encrypt("same")
	b, _ := box.Encrypt("same")
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext must differ")
	}
}

func TestBox_TamperDetected(t *testing.T) {
	box := newTestBox(t)
	ct, _ := box.Encrypt("secret")
	ct[len(ct)-1] ^= 0xff
	if _, err := box.Decrypt(ct); err == nil {
		t.Error("tampered ciphertext must not decrypt")
	}
}

func TestNewBox_KeySize(t *testing.T) {
	if _, err := NewBox(make([]byte, 16)); err == nil {
		t.Error("16-byte key must be rejected")
	}
}

func TestNewBoxFromEnv(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	box, err := NewBoxFromEnv(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatal(err)
	}
	ct, _ := box.Encrypt("v")
	if got, _ := box.Decrypt(ct); got != "v" {
		t.Error("env-loaded box round trip failed")
	}

	if _, err := NewBoxFromEnv("not base64!!!"); err == nil {
		t.Error("invalid base64 must be rejected")
	}
}

func TestWebhookSecret(t *testing.T) {
	stored, err := HashSecret("whsec_topsecret")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifySecret(stored, "whsec_topsecret") {
		t.Error("correct secret rejected")
	}
	if VerifySecret(stored, "whsec_wrong") {
		t.Error("wrong secret accepted")
	}
	if VerifySecret("garbage", "whsec_topsecret") {
		t.Error("malformed stored hash accepted")
	}

	// Salted: same secret, different stored forms.
	other, _ := HashSecret("whsec_topsecret")
	if stored == other {
		t.Error("hashes should be salted")
	}
}
