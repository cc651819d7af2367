package codec

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func mustKey(t *testing.T) []byte {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := mustKey(t)

	plaintexts := []string{
		"",
		"hello",
		"héllo wörld ✓",
		strings.Repeat("x", 64*1024),
	}

	for _, p := range plaintexts {
		frame, err := Encrypt(key, []byte(p))
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		if len(frame) != MinFrameSize+len(p) {
			t.Errorf("expected frame length %d, got %d", MinFrameSize+len(p), len(frame))
		}

		got, err := Decrypt(key, frame)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if string(got) != p {
			t.Errorf("round trip mismatch for %q", truncate(p))
		}
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	key := mustKey(t)

	a, err := Encrypt(key, []byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encrypt(key, []byte("same"))
	if err != nil {
		t.Fatal(err)
	}

	if bytes.Equal(a[:NonceSize], b[:NonceSize]) {
		t.Error("two encryptions produced the same nonce")
	}
	if bytes.Equal(a, b) {
		t.Error("two encryptions produced identical frames")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	k1 := mustKey(t)
	k2 := mustKey(t)

	frame, err := Encrypt(k1, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	plaintext, err := Decrypt(k2, frame)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if plaintext != nil {
		t.Error("expected no plaintext on authentication failure")
	}
}

func TestDecryptTamperedFrame(t *testing.T) {
	key := mustKey(t)

	frame, err := Encrypt(key, []byte("do not touch"))
	if err != nil {
		t.Fatal(err)
	}

	regions := map[string]int{
		"nonce":      0,
		"tag":        NonceSize,
		"ciphertext": MinFrameSize,
	}
	for name, offset := range regions {
		tampered := append([]byte(nil), frame...)
		tampered[offset] ^= 0x01

		if _, err := Decrypt(key, tampered); !errors.Is(err, ErrAuthentication) {
			t.Errorf("%s: expected ErrAuthentication, got %v", name, err)
		}
	}
}

func TestDecryptShortFrame(t *testing.T) {
	key := mustKey(t)

	for n := 0; n < MinFrameSize; n++ {
		_, err := Decrypt(key, make([]byte, n))
		if !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("length %d: expected ErrMalformedFrame, got %v", n, err)
		}

		var frameErr *FrameError
		if !errors.As(err, &frameErr) || frameErr.Length != n {
			t.Errorf("length %d: expected FrameError with length, got %v", n, err)
		}
	}
}

func TestInvalidKeyLength(t *testing.T) {
	if _, err := Encrypt(make([]byte, 16), []byte("x")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey from Encrypt, got %v", err)
	}
	if _, err := Decrypt(make([]byte, 31), make([]byte, 40)); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey from Decrypt, got %v", err)
	}
}

func TestKeyEncoding(t *testing.T) {
	key := mustKey(t)

	decoded, err := DecodeKey(EncodeKey(key) + "\n")
	if err != nil {
		t.Fatalf("DecodeKey failed: %v", err)
	}
	if !bytes.Equal(decoded, key) {
		t.Error("decoded key differs from original")
	}

	if _, err := DecodeKey("not base64!"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for bad base64, got %v", err)
	}
	if _, err := DecodeKey(EncodeKey(key[:16])); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for short key, got %v", err)
	}
}

func truncate(s string) string {
	if len(s) > 16 {
		return s[:16] + "..."
	}
	return s
}
