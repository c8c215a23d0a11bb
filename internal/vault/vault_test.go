package vault

import (
	"errors"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	v, err := New("master_secret")
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	inputs := []string{
		"sq0atp-token",
		" ",
		"日本語のテキスト",
		`{"access_token":"shpat_abc","refresh_token":"shpat_def"}`,
		strings.Repeat("x", 4096),
	}
	for _, input := range inputs {
		token, err := v.Encrypt(input)
		if err != nil {
			t.Fatalf("encrypt %q: %v", input, err)
		}
		out, err := v.Decrypt(token)
		if err != nil {
			t.Fatalf("decrypt %q: %v", input, err)
		}
		if out != input {
			t.Fatalf("round trip mismatch: got %q want %q", out, input)
		}
	}
}

func TestEncryptNeverRepeats(t *testing.T) {
	v, err := New("master_secret")
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	first, err := v.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	second, err := v.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if first == second {
		t.Fatalf("two encryptions produced identical tokens")
	}
}

func TestDecryptMalformed(t *testing.T) {
	v, err := New("master_secret")
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	for _, token := range []string{
		"no-separator",
		"zz:deadbeef",
		"abcd:deadbeef",
		"00112233445566778899aabbccddeeff:not-hex",
	} {
		if _, err := v.Decrypt(token); !errors.Is(err, ErrMalformedToken) {
			t.Fatalf("decrypt %q: expected ErrMalformedToken, got %v", token, err)
		}
	}
}

func TestMissingMasterSecret(t *testing.T) {
	if _, err := New("   "); !errors.Is(err, ErrKeyMissing) {
		t.Fatalf("expected ErrKeyMissing, got %v", err)
	}
}

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if len(key) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(key))
	}
	v, err := New(key)
	if err != nil {
		t.Fatalf("new vault from generated key: %v", err)
	}
	token, err := v.Encrypt("credential")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	out, err := v.Decrypt(token)
	if err != nil || out != "credential" {
		t.Fatalf("round trip with generated key: %q %v", out, err)
	}
}
