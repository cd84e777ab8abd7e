// Package session holds the per-connection handshake records and the
// fixed-capacity table that owns them.
package session

import (
	"fmt"
	"time"
)

// ConnID is the transport-assigned connection identifier. It is unique among
// open connections and may be reused once its previous holder disconnects.
type ConnID uint16

// State is the handshake state. The numeric values are observed by the peer
// and must not change.
type State uint8

const (
	StateFreshStart       State = 0
	StateAwaitFirstReply  State = 1
	StateAwaitSecondReply State = 2
	StateReconnectOffered State = 3
	StateAwaitProof       State = 4
	StateAwaitConfirm     State = 5
	StateEstablished      State = 6
)

// String returns a readable name for logs.
func (s State) String() string {
	switch s {
	case StateFreshStart:
		return "FreshStart"
	case StateAwaitFirstReply:
		return "AwaitFirstReply"
	case StateAwaitSecondReply:
		return "AwaitSecondReply"
	case StateReconnectOffered:
		return "ReconnectOffered"
	case StateAwaitProof:
		return "AwaitProof"
	case StateAwaitConfirm:
		return "AwaitConfirm"
	case StateEstablished:
		return "Established"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Sizes of the key material and the working buffer.
const (
	KeySize                = 16
	ReconnectChallengeSize = 32
	WorkingBufferSize      = 378 // largest payload: the initial challenge
)

// Session is the handshake record of one connection.
//
// Fields are mutated only from the transport event context (through
// Table.Update); diagnostic readers must use Table.Snapshot.
type Session struct {
	ConnID               ConnID
	State                State
	HasReconnectKey      bool
	NotificationsEnabled bool

	// Buffer is the scratch space for outbound payloads. Value returns the
	// slice holding the last payload written to it.
	Buffer   [WorkingBufferSize]byte
	valueLen int

	Challenge          [KeySize]byte
	MainNonce          [KeySize]byte
	OuterNonce         [KeySize]byte
	SessionKey         [KeySize]byte
	StepNonce          [KeySize]byte
	ReconnectChallenge [ReconnectChallengeSize]byte

	HandshakeStart time.Time
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	ReconnectedAt  time.Time
}

// SetValue copies p into the working buffer and records it as the current
// response value. It returns the buffer slice holding the copy.
func (s *Session) SetValue(p []byte) []byte {
	n := copy(s.Buffer[:], p)
	// zero the tail so a shorter payload never leaks bytes of a longer one
	clear(s.Buffer[n:])
	s.valueLen = n
	return s.Buffer[:n]
}

// Value returns the current response value, or nil if none has been set.
func (s *Session) Value() []byte {
	if s.valueLen == 0 {
		return nil
	}
	return s.Buffer[:s.valueLen]
}

// Info is a copy of the non-secret fields of a session, safe to hand to
// diagnostic readers on other goroutines.
type Info struct {
	Slot                 int
	ConnID               ConnID
	State                State
	HasReconnectKey      bool
	NotificationsEnabled bool
	HandshakeStart       time.Time
	ConnectedAt          time.Time
	DisconnectedAt       time.Time
	ReconnectedAt        time.Time
}

func (s *Session) info(slot int) Info {
	return Info{
		Slot:                 slot,
		ConnID:               s.ConnID,
		State:                s.State,
		HasReconnectKey:      s.HasReconnectKey,
		NotificationsEnabled: s.NotificationsEnabled,
		HandshakeStart:       s.HandshakeStart,
		ConnectedAt:          s.ConnectedAt,
		DisconnectedAt:       s.DisconnectedAt,
		ReconnectedAt:        s.ReconnectedAt,
	}
}
