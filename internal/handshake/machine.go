// Package handshake implements the per-connection pairing state machine.
//
// The machine is driven by two kinds of input: a subscription change on the
// command-configuration attribute (Subscribe) and a write to the
// central-to-sfida attribute (Handle). Each input mutates the session record
// and yields a Result describing the new response value and command
// notification to send. The machine never touches the transport.
package handshake

import (
	"crypto/rand"
	"encoding/hex"
	"io"

	"github.com/chaz8081/pgpemu/internal/ble/protocol"
	"github.com/chaz8081/pgpemu/internal/session"
	"github.com/pion/logging"
	"github.com/samber/oops"
)

// Primitives produces the challenge and response payloads. Implementations
// must be deterministic for a given input.
type Primitives interface {
	GenerateInitialChallenge(mac [6]byte, challenge, mainNonce, sessionKey, outerNonce [16]byte) []byte
	GenerateNextChallenge(step byte, sessionKey, nonce [16]byte) []byte
	DecryptStep(payload []byte, sessionKey [16]byte) [16]byte
	GenerateReconnectResponse(sessionKey, proof [16]byte) [16]byte
}

// Event is a lifecycle milestone reached by a transition.
type Event uint8

const (
	EventNone Event = iota
	EventFirstEstablished
	EventReconnectEstablished
)

func (e Event) String() string {
	switch e {
	case EventFirstEstablished:
		return "FirstEstablished"
	case EventReconnectEstablished:
		return "ReconnectEstablished"
	default:
		return "None"
	}
}

// Result is the outcome of one transition.
type Result struct {
	// State is the session state after the transition.
	State session.State

	// Value is the new response value, or nil when it is unchanged. It aliases
	// the session's working buffer.
	Value []byte

	// Notify is the command notification to send, or nil.
	Notify []byte

	Event Event
}

// Values used instead of random bytes when debug fixed values are enabled.
const (
	debugChallenge          = 0x41
	debugNonce              = 0x42
	debugSessionKey         = 0x43
	debugOuterNonce         = 0x44
	debugReconnectChallenge = 0x46
)

// Config configures a Machine.
type Config struct {
	Primitives Primitives

	// Rand is the randomness source. Defaults to crypto/rand.Reader.
	Rand io.Reader

	// DebugFixedValues replaces every random draw with a constant pattern.
	// Each use is logged as a warning.
	DebugFixedValues bool

	// DeviceMAC is the address embedded in the initial challenge.
	DeviceMAC [6]byte

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Machine runs handshake transitions. It holds no per-connection state and
// may be shared by all sessions.
type Machine struct {
	prims Primitives
	rand  io.Reader
	fixed bool
	mac   [6]byte
	log   logging.LeveledLogger
}

// New creates a Machine.
func New(config Config) (*Machine, error) {
	if config.Primitives == nil {
		return nil, oops.In("handshake").Errorf("primitives must be set")
	}
	if config.Rand == nil {
		config.Rand = rand.Reader
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	m := &Machine{
		prims: config.Primitives,
		rand:  config.Rand,
		fixed: config.DebugFixedValues,
		mac:   config.DeviceMAC,
		log:   config.LoggerFactory.NewLogger("handshake"),
	}
	if m.fixed {
		m.log.Warn("debug fixed values enabled, handshakes are not secret")
	}
	return m, nil
}

// Subscribe applies a client characteristic configuration write. Enabling
// notifications (re)starts the handshake: the reconnect path when the session
// holds a reconnect key, the fresh path otherwise. Disabling only clears the
// notification flag.
func (m *Machine) Subscribe(s *session.Session, value uint16) (Result, error) {
	switch value {
	case protocol.ConfigDisable:
		s.NotificationsEnabled = false
		m.log.Debugf("conn_id=%d notifications disabled", s.ConnID)
		return Result{State: s.State}, nil
	case protocol.ConfigNotify:
	default:
		return Result{State: s.State}, oops.In("handshake").
			With("conn_id", s.ConnID).
			With("value", value).
			Wrapf(ErrInvalidConfigValue, "subscribe")
	}

	s.NotificationsEnabled = true

	if s.HasReconnectKey {
		offer := s.SetValue(protocol.MarshalReconnectOffer(s.ReconnectChallenge))
		return m.advance(s, session.StateReconnectOffered, offer, protocol.NotifyReconnectOffer, EventNone), nil
	}

	if err := m.fill(s.Challenge[:], debugChallenge); err != nil {
		return Result{State: s.State}, err
	}
	if err := m.fill(s.MainNonce[:], debugNonce); err != nil {
		return Result{State: s.State}, err
	}
	if err := m.fill(s.SessionKey[:], debugSessionKey); err != nil {
		return Result{State: s.State}, err
	}
	if err := m.fill(s.OuterNonce[:], debugOuterNonce); err != nil {
		return Result{State: s.State}, err
	}

	challenge := m.prims.GenerateInitialChallenge(m.mac, s.Challenge, s.MainNonce, s.SessionKey, s.OuterNonce)
	buf := s.SetValue(challenge)
	if len(buf) > 0 {
		buf[0] = protocol.TagChallenge
	}
	return m.advance(s, session.StateFreshStart, buf, protocol.NotifyChallengeReady, EventNone), nil
}

// Handle applies a write to the central-to-sfida attribute.
func (m *Machine) Handle(s *session.Session, payload []byte) (Result, error) {
	m.log.Tracef("conn_id=%d state=%s rx %s", s.ConnID, s.State, hex.EncodeToString(payload))

	switch s.State {
	case session.StateFreshStart:
		if err := m.expectLen(s, payload, protocol.PeerReplySize); err != nil {
			return Result{State: s.State}, err
		}
		if err := m.fill(s.StepNonce[:], debugNonce); err != nil {
			return Result{State: s.State}, err
		}
		value := s.SetValue(m.prims.GenerateNextChallenge(0, s.SessionKey, s.StepNonce))
		if len(value) > 0 {
			value[0] = protocol.TagNextChallenge
		}
		return m.advance(s, session.StateAwaitFirstReply, value, protocol.NotifyNextChallenge, EventNone), nil

	case session.StateAwaitFirstReply:
		if err := m.expectLen(s, payload, protocol.PeerReplySize); err != nil {
			return Result{State: s.State}, err
		}
		cleartext := m.prims.DecryptStep(payload, s.SessionKey)
		value := s.SetValue(protocol.MarshalDecrypted(cleartext))
		return m.advance(s, session.StateAwaitSecondReply, value, protocol.NotifyDecrypted, EventNone), nil

	case session.StateAwaitSecondReply:
		if err := m.expectLen(s, payload, protocol.PeerReplySize); err != nil {
			return Result{State: s.State}, err
		}
		// the second reply is decrypted but its content is not checked
		_ = m.prims.DecryptStep(payload, s.SessionKey)
		if err := m.fill(s.ReconnectChallenge[:], debugReconnectChallenge); err != nil {
			return Result{State: s.State}, err
		}
		s.HasReconnectKey = true
		return m.advance(s, session.StateEstablished, nil, protocol.NotifyReconnectKeyIssued, EventFirstEstablished), nil

	case session.StateReconnectOffered:
		if err := m.expectLen(s, payload, protocol.ReconnectAckSize); err != nil {
			return Result{State: s.State}, err
		}
		return m.advance(s, session.StateAwaitProof, nil, protocol.NotifyReconnectAck, EventNone), nil

	case session.StateAwaitProof:
		if len(payload) < protocol.MinReconnectProofSize {
			return Result{State: s.State}, m.lengthError(s, payload, protocol.MinReconnectProofSize)
		}
		resp := m.prims.GenerateReconnectResponse(s.SessionKey, protocol.ReconnectProof(payload))
		value := s.SetValue(protocol.MarshalReconnectResponse(resp))
		return m.advance(s, session.StateAwaitConfirm, value, protocol.NotifyReconnectResponse, EventNone), nil

	case session.StateAwaitConfirm:
		if err := m.expectLen(s, payload, protocol.ReconnectConfirmSize); err != nil {
			return Result{State: s.State}, err
		}
		return m.advance(s, session.StateEstablished, nil, protocol.NotifyReconnectEstablished, EventReconnectEstablished), nil

	default:
		return Result{State: s.State}, oops.In("handshake").
			With("conn_id", s.ConnID).
			With("state", s.State.String()).
			With("len", len(payload)).
			Wrapf(ErrUnexpectedState, "unhandled write")
	}
}

func (m *Machine) advance(s *session.Session, next session.State, value []byte, notify protocol.Notify, ev Event) Result {
	m.log.Debugf("conn_id=%d %s -> %s", s.ConnID, s.State, next)
	if value != nil {
		m.log.Tracef("conn_id=%d value %s", s.ConnID, hex.EncodeToString(value))
	}
	s.State = next
	return Result{
		State:  next,
		Value:  value,
		Notify: notify.Bytes(),
		Event:  ev,
	}
}

func (m *Machine) expectLen(s *session.Session, payload []byte, want int) error {
	if len(payload) != want {
		return m.lengthError(s, payload, want)
	}
	return nil
}

func (m *Machine) lengthError(s *session.Session, payload []byte, want int) error {
	return oops.In("handshake").
		With("conn_id", s.ConnID).
		With("state", s.State.String()).
		With("len", len(payload)).
		With("want", want).
		Wrapf(ErrInvalidLength, "write")
}

// fill draws random bytes into buf, or the debug pattern when fixed values
// are enabled.
func (m *Machine) fill(buf []byte, debug byte) error {
	if m.fixed {
		m.log.Warnf("using fixed value %#02x instead of random bytes", debug)
		for i := range buf {
			buf[i] = debug
		}
		return nil
	}
	if _, err := io.ReadFull(m.rand, buf); err != nil {
		return oops.In("handshake").Wrapf(err, "read random")
	}
	return nil
}
