package channels

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTemplate is returned when a message names no loaded template.
	ErrUnknownTemplate = errors.New("channels: unknown template")
	// ErrInvalidDestination is returned for destinations a provider cannot address.
	ErrInvalidDestination = errors.New("channels: invalid destination")
	// ErrCircuitOpen is returned while a Breaker rejects sends.
	ErrCircuitOpen = errors.New("channels: circuit open")
)

// ProviderError is a non-success response from a delivery provider.
type ProviderError struct {
	Provider string
	Status   int
	Code     int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: status %d code %d: %s", e.Provider, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Provider, e.Status)
}
