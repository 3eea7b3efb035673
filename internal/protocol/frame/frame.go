// Package frame implements the peerwire wire unit and its length-prefixed codec.
//
// On the byte stream one frame is:
//
//	u64 total_length  (little-endian, bytes following this field)
//	[16]byte service  (ids.ServiceID)
//	[16]byte conn     (ids.ConnID)
//	payload           (total_length - 32 bytes, may be empty)
package frame

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/danmuck/peerwire/internal/protocol/ids"
)

const (
	HeaderLen = 2 * ids.Size
	PrefixLen = 8
)

var ErrShortHeader = errors.New("frame: short header")

// Frame is an immutable view over header+payload bytes. Slicing a Frame out of
// a receive buffer does not copy.
type Frame struct {
	b []byte
}

// New builds a frame that owns a fresh buffer.
func New(sid ids.ServiceID, cid ids.ConnID, payload []byte) Frame {
	b := make([]byte, HeaderLen+len(payload))
	copy(b[:ids.Size], sid[:])
	copy(b[ids.Size:HeaderLen], cid[:])
	copy(b[HeaderLen:], payload)
	return Frame{b: b}
}

// FromBytes wraps b without copying. b must hold at least the 32-byte header.
func FromBytes(b []byte) (Frame, error) {
	if len(b) < HeaderLen {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	return Frame{b: b[:len(b):len(b)]}, nil
}

func (f Frame) Service() (ids.ServiceID, error) {
	if len(f.b) < HeaderLen {
		return ids.ServiceID{}, ErrShortHeader
	}
	return ids.ServiceIDFromBytes(f.b[:ids.Size])
}

func (f Frame) Conn() (ids.ConnID, error) {
	if len(f.b) < HeaderLen {
		return ids.ConnID{}, ErrShortHeader
	}
	return ids.ConnIDFromBytes(f.b[ids.Size:HeaderLen])
}

func (f Frame) Payload() []byte {
	if len(f.b) < HeaderLen {
		return nil
	}
	return f.b[HeaderLen:]
}

// Len is the value written in the total_length prefix.
func (f Frame) Len() int { return len(f.b) }

// Bytes returns the header and payload without the length prefix.
func (f Frame) Bytes() []byte { return f.b }

func (f Frame) IsZero() bool { return f.b == nil }

// WithConn returns a copy of f tagged with cid.
func (f Frame) WithConn(cid ids.ConnID) Frame {
	b := bytes.Clone(f.b)
	if len(b) >= HeaderLen {
		copy(b[ids.Size:HeaderLen], cid[:])
	}
	return Frame{b: b}
}

func Equal(a, b Frame) bool {
	return bytes.Equal(a.b, b.b)
}

func (f Frame) String() string {
	sid, err := f.Service()
	if err != nil {
		return "frame(invalid)"
	}
	cid, _ := f.Conn()
	return fmt.Sprintf("frame(sid=%s cid=%s payload=%d)", sid, cid, len(f.Payload()))
}
