// Package crypto provides the default challenge/response primitives for the
// certificate handshake: AES-128 keyed by the device key or the per-connection
// session key, HKDF-SHA256 derived step keys, and truncated HMAC-SHA256 tags.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Sizes of the device secrets.
const (
	MACSize       = 6
	DeviceKeySize = 16
	BlobSize      = 256
	BlockSize     = aes.BlockSize
)

// Payload sizes produced by Cert.
const (
	ChallengeSize     = 378
	NextChallengeSize = 52
)

// Layout of the initial challenge.
//
//	0..4     header, byte 0 = 0x00
//	4..10    device MAC
//	10..266  device blob
//	266..282 outer nonce (CTR IV)
//	282..362 encrypted: challenge | main nonce | session key | E(session key, challenge) | hash
//	362..378 tag over 0..362
const (
	offMAC      = 4
	offBlob     = offMAC + MACSize
	offNonce    = offBlob + BlobSize
	offSealed   = offNonce + BlockSize
	sealedSize  = 5 * BlockSize
	offTag      = offSealed + sealedSize
	tagSize     = 16
	headerBytes = 4
)

// Cert implements the handshake primitives for one cloned device.
type Cert struct {
	deviceKey [DeviceKeySize]byte
	blob      [BlobSize]byte
	device    cipher.Block
}

// NewCert creates the primitives for a device key and blob.
func NewCert(deviceKey [DeviceKeySize]byte, blob [BlobSize]byte) (*Cert, error) {
	block, err := aes.NewCipher(deviceKey[:])
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	return &Cert{deviceKey: deviceKey, blob: blob, device: block}, nil
}

// GenerateInitialChallenge builds the 378-byte challenge sent after the peer
// subscribes for a fresh pairing.
func (c *Cert) GenerateInitialChallenge(mac [MACSize]byte, challenge, mainNonce, sessionKey, outerNonce [BlockSize]byte) []byte {
	out := make([]byte, ChallengeSize)
	out[0] = 0x00
	copy(out[offMAC:], mac[:])
	copy(out[offBlob:], c.blob[:])
	copy(out[offNonce:], outerNonce[:])

	session := newBlock(sessionKey)
	var proof [BlockSize]byte
	session.Encrypt(proof[:], challenge[:])
	digest := sha256.Sum256(append(challenge[:], mainNonce[:]...))

	plain := make([]byte, 0, sealedSize)
	plain = append(plain, challenge[:]...)
	plain = append(plain, mainNonce[:]...)
	plain = append(plain, sessionKey[:]...)
	plain = append(plain, proof[:]...)
	plain = append(plain, digest[:BlockSize]...)

	cipher.NewCTR(c.device, outerNonce[:]).XORKeyStream(out[offSealed:offTag], plain)

	macKey := deriveKey(c.deviceKey[:], outerNonce[:], "pgpemu challenge", tagSize)
	copy(out[offTag:], sum(macKey, out[:offTag]))
	return out
}

// GenerateNextChallenge builds the 52-byte challenge for the given step.
//
//	0..4   header, byte 0 = 0x01
//	4..20  nonce
//	20..36 E(session key, nonce ^ step key)
//	36..52 tag over 0..36
func (c *Cert) GenerateNextChallenge(step byte, sessionKey, nonce [BlockSize]byte) []byte {
	out := make([]byte, NextChallengeSize)
	out[0] = 0x01
	copy(out[headerBytes:], nonce[:])

	keys := deriveKey(sessionKey[:], nonce[:], fmt.Sprintf("pgpemu step %d", step), 2*BlockSize)
	var mixed [BlockSize]byte
	for i := range mixed {
		mixed[i] = nonce[i] ^ keys[i]
	}
	newBlock(sessionKey).Encrypt(out[20:36], mixed[:])
	copy(out[36:], sum(keys[BlockSize:], out[:36]))
	return out
}

// DecryptStep decrypts the 16 encrypted bytes of a 20-byte peer reply.
func (c *Cert) DecryptStep(payload []byte, sessionKey [BlockSize]byte) [BlockSize]byte {
	var in, out [BlockSize]byte
	if len(payload) > headerBytes {
		copy(in[:], payload[headerBytes:])
	}
	newBlock(sessionKey).Decrypt(out[:], in[:])
	return out
}

// GenerateReconnectResponse answers a reconnect proof.
func (c *Cert) GenerateReconnectResponse(sessionKey, proof [BlockSize]byte) [BlockSize]byte {
	var out [BlockSize]byte
	newBlock(sessionKey).Encrypt(out[:], proof[:])
	return out
}

// newBlock returns an AES-128 block for a fixed-size key, which cannot fail.
func newBlock(key [BlockSize]byte) cipher.Block {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic("ble/crypto: aes rejected a 16-byte key: " + err.Error())
	}
	return block
}

// deriveKey uses HKDF-SHA256 to expand secret into n bytes.
func deriveKey(secret, salt []byte, info string, n int) []byte {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, n)
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF-SHA256 can produce up to 8160 bytes
		panic("ble/crypto: hkdf: " + err.Error())
	}
	return key
}

// sum returns HMAC-SHA256(key, data) truncated to tagSize.
func sum(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)[:tagSize]
}
