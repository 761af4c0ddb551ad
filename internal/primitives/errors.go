package primitives

import "errors"

var (
	// ErrInvalidSecret is returned when a TOTP secret cannot be decoded.
	ErrInvalidSecret = errors.New("invalid totp secret")
	// ErrInvalidFormat is returned when a submitted code has the wrong shape.
	ErrInvalidFormat = errors.New("invalid code format")
	// ErrInvalidHash is returned when a stored backup-code hash cannot be parsed.
	ErrInvalidHash = errors.New("invalid backup code hash")
)
