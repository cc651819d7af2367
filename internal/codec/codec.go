// Package codec seals chat payloads into the wire frame exchanged with the
// consensus log: nonce(12) | tag(16) | ciphertext, AES-256-GCM.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const (
	// KeySize is the symmetric key length in bytes (AES-256).
	KeySize = 32
	// NonceSize is the GCM nonce length at the head of every frame.
	NonceSize = 12
	// TagSize is the GCM authentication tag length following the nonce.
	TagSize = 16
	// MinFrameSize is the shortest valid frame (empty plaintext).
	MinFrameSize = NonceSize + TagSize
)

// Encrypt seals plaintext under key with a fresh random nonce.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	// Seal returns ciphertext|tag; the frame layout puts the tag first.
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]

	frame := make([]byte, 0, MinFrameSize+len(ciphertext))
	frame = append(frame, nonce...)
	frame = append(frame, tag...)
	frame = append(frame, ciphertext...)
	return frame, nil
}

// Decrypt verifies and opens a frame produced by Encrypt. Short frames fail
// with ErrMalformedFrame; any tag mismatch fails with ErrAuthentication.
func Decrypt(key, frame []byte) ([]byte, error) {
	if len(frame) < MinFrameSize {
		return nil, &FrameError{Kind: ErrMalformedFrame, Length: len(frame)}
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := frame[:NonceSize]
	tag := frame[NonceSize:MinFrameSize]
	ciphertext := frame[MinFrameSize:]

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &FrameError{Kind: ErrAuthentication, Length: len(frame)}
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return aead, nil
}
