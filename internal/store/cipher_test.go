package store

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return c
}

func TestNewCipher_KeyLength(t *testing.T) {
	if _, err := NewCipher(make([]byte, 16)); err == nil {
		t.Fatal("expected error for 16-byte key")
	}
}

func TestCipher_RoundTrip(t *testing.T) {
	c := newTestCipher(t)

	plaintext := []byte(`{"access_token":"tok","refresh_token":"ref"}`)
	sealed, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	opened, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip mismatch: %q", opened)
	}
}

func TestCipher_NonceUniqueness(t *testing.T) {
	c := newTestCipher(t)

	a, _ := c.Encrypt([]byte("same plaintext"))
	b, _ := c.Encrypt([]byte("same plaintext"))
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestCipher_RejectsTampering(t *testing.T) {
	c := newTestCipher(t)

	sealed, err := c.Encrypt([]byte("credential blob"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := c.Decrypt(tampered); err == nil {
		t.Fatal("expected authentication failure for tampered ciphertext")
	}
}

func TestCipher_RejectsGarbage(t *testing.T) {
	c := newTestCipher(t)

	for _, in := range []string{"", "not-base64!!", base64.StdEncoding.EncodeToString([]byte("xy"))} {
		if _, err := c.Decrypt(in); err == nil {
			t.Errorf("Decrypt(%q) should fail", in)
		}
	}
}
