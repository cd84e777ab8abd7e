// Package protocol defines the wire shapes of the certificate service: the
// response payloads exposed through the sfida-to-central value, the 4-byte
// command notifications, and prepare-write reassembly.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Payload tags. Byte 0 of every response payload carries one of these.
const (
	TagChallenge         byte = 0x00
	TagNextChallenge     byte = 0x01
	TagDecrypted         byte = 0x02
	TagReconnectOffer    byte = 0x03
	TagReconnectResponse byte = 0x05
)

// Payload sizes.
const (
	HeaderSize = 4

	ChallengeSize         = 378
	NextChallengeSize     = 52
	DecryptedSize         = 20
	ReconnectOfferSize    = 36
	ReconnectResponseSize = 20

	// Peer write sizes per handshake state.
	PeerReplySize         = 20
	ReconnectAckSize      = 20
	MinReconnectProofSize = 4
	ReconnectConfirmSize  = 5

	NotifySize = 4
)

// Notify is a command notification sent on the sfida-commands characteristic.
type Notify [NotifySize]byte

// Command notifications.
var (
	NotifyChallengeReady       = Notify{0x00, 0x00, 0x00, 0x00}
	NotifyNextChallenge        = Notify{0x01, 0x00, 0x00, 0x00}
	NotifyDecrypted            = Notify{0x02, 0x00, 0x00, 0x00}
	NotifyReconnectOffer       = Notify{0x03, 0x00, 0x00, 0x00}
	NotifyReconnectKeyIssued   = Notify{0x04, 0x00, 0x23, 0x00}
	NotifyReconnectAck         = Notify{0x04, 0x00, 0x01, 0x00}
	NotifyReconnectResponse    = Notify{0x05, 0x00, 0x00, 0x00}
	NotifyReconnectEstablished = Notify{0x04, 0x00, 0x02, 0x00}
)

// Bytes returns the notification as a fresh slice.
func (n Notify) Bytes() []byte {
	b := n
	return b[:]
}

// Client characteristic configuration values.
const (
	ConfigDisable  uint16 = 0x0000
	ConfigNotify   uint16 = 0x0001
	ConfigIndicate uint16 = 0x0002
)

// ParseConfigValue decodes a client characteristic configuration write.
func ParseConfigValue(p []byte) (uint16, error) {
	if len(p) < 2 {
		return 0, fmt.Errorf("protocol: config value must be 2 bytes, got %d", len(p))
	}
	return binary.LittleEndian.Uint16(p), nil
}

// MarshalDecrypted frames a decrypted step: tag 0x02, cleartext at 4..20.
func MarshalDecrypted(cleartext [16]byte) []byte {
	buf := make([]byte, DecryptedSize)
	buf[0] = TagDecrypted
	copy(buf[HeaderSize:], cleartext[:])
	return buf
}

// MarshalReconnectOffer frames the reconnect offer: tag 0x03, challenge at 4..36.
func MarshalReconnectOffer(challenge [32]byte) []byte {
	buf := make([]byte, ReconnectOfferSize)
	buf[0] = TagReconnectOffer
	copy(buf[HeaderSize:], challenge[:])
	return buf
}

// MarshalReconnectResponse frames a reconnect response: tag 0x05, response at 4..20.
func MarshalReconnectResponse(response [16]byte) []byte {
	buf := make([]byte, ReconnectResponseSize)
	buf[0] = TagReconnectResponse
	copy(buf[HeaderSize:], response[:])
	return buf
}

// ReconnectProof extracts the 16 proof bytes following the header of a
// reconnect proof write. Short payloads are zero padded.
func ReconnectProof(payload []byte) [16]byte {
	var proof [16]byte
	if len(payload) > HeaderSize {
		copy(proof[:], payload[HeaderSize:])
	}
	return proof
}

// StepCiphertext extracts the 16 encrypted bytes of a 20-byte peer reply.
func StepCiphertext(payload []byte) [16]byte {
	var ct [16]byte
	if len(payload) > HeaderSize {
		copy(ct[:], payload[HeaderSize:])
	}
	return ct
}
