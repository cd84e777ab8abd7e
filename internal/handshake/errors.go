package handshake

import "errors"

// Handshake errors. All of them are local to the affected connection: the
// session keeps its state and nothing is sent to the peer.
var (
	// ErrInvalidLength is returned when a write has the wrong size for the
	// current state.
	ErrInvalidLength = errors.New("handshake: invalid payload length")

	// ErrUnexpectedState is returned for writes the current state does not
	// accept, such as any write after the handshake is established.
	ErrUnexpectedState = errors.New("handshake: unexpected state")

	// ErrInvalidConfigValue is returned for configuration writes other than
	// enable or disable notifications.
	ErrInvalidConfigValue = errors.New("handshake: invalid config value")
)
