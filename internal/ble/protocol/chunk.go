package protocol

import "errors"

// DefaultPrepareBufferSize bounds a reassembled prepare-write sequence.
const DefaultPrepareBufferSize = 1024

// Reassembly errors, mirroring the ATT error codes returned to the peer.
var (
	ErrInvalidOffset  = errors.New("protocol: invalid offset")
	ErrInvalidAttrLen = errors.New("protocol: invalid attribute length")
	ErrNoResources    = errors.New("protocol: no resources")
)

// Reassembly collects the fragments of a prepare-write sequence until it is
// executed or cancelled.
type Reassembly struct {
	buf    []byte
	length int
}

// NewReassembly creates a buffer holding at most max bytes.
func NewReassembly(max int) *Reassembly {
	if max <= 0 {
		max = DefaultPrepareBufferSize
	}
	return &Reassembly{buf: make([]byte, max)}
}

// Append places p at offset. Fragments may arrive out of order; the
// reassembled length is the furthest byte written.
func (r *Reassembly) Append(offset int, p []byte) error {
	if offset < 0 || offset > len(r.buf) {
		return ErrInvalidOffset
	}
	if offset+len(p) > len(r.buf) {
		return ErrInvalidAttrLen
	}
	copy(r.buf[offset:], p)
	if end := offset + len(p); end > r.length {
		r.length = end
	}
	return nil
}

// Bytes returns a copy of the reassembled payload.
func (r *Reassembly) Bytes() []byte {
	out := make([]byte, r.length)
	copy(out, r.buf[:r.length])
	return out
}

// Len returns the reassembled length so far.
func (r *Reassembly) Len() int {
	return r.length
}

// Cap returns the maximum payload size.
func (r *Reassembly) Cap() int {
	return len(r.buf)
}

// Reset discards any collected fragments.
func (r *Reassembly) Reset() {
	clear(r.buf[:r.length])
	r.length = 0
}
