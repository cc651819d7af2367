package codec

import (
	"errors"
	"fmt"
)

var (
	ErrAuthentication = errors.New("frame authentication failed")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrInvalidKey     = errors.New("invalid symmetric key")
)

// FrameError reports why a frame could not be decrypted. It unwraps to
// ErrAuthentication or ErrMalformedFrame.
type FrameError struct {
	Kind   error
	Length int
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%v (%d bytes)", e.Kind, e.Length)
}

func (e *FrameError) Unwrap() error { return e.Kind }
