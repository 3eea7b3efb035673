// Package ids defines the two 128-bit identifiers carried in every frame header.
package ids

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/glycerine/blake3"
	"github.com/google/uuid"
)

const Size = 16

var ErrInvalidLength = errors.New("ids: invalid identifier length")

// ServiceID addresses a service on a connection. The zero value is the null
// id and marks connection-level messages.
type ServiceID [Size]byte

// ConnID correlates a call with its response. The zero value is the null id
// and marks a one-way send.
type ConnID [Size]byte

var (
	NullService ServiceID
	NullConn    ConnID
)

func RandomServiceID() ServiceID {
	return ServiceID(uuid.New())
}

// ServiceIDFromSeed derives a stable id for seed within namespace. Identical
// inputs yield identical ids in every process.
func ServiceIDFromSeed(namespace string, seed []byte) ServiceID {
	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(len(namespace)))

	h := blake3.New(64, nil)
	h.Write(prefix[:])
	h.Write([]byte(namespace))
	h.Write(seed)
	sum := h.Sum(nil)

	var id ServiceID
	copy(id[:], sum[:Size])
	return id
}

// ServiceIDFromName is ServiceIDFromSeed for a textual service name.
func ServiceIDFromName(namespace, name string) ServiceID {
	return ServiceIDFromSeed(namespace, []byte(name))
}

func ServiceIDFromBytes(b []byte) (ServiceID, error) {
	var id ServiceID
	if len(b) != Size {
		return id, fmt.Errorf("%w: service id %d bytes", ErrInvalidLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func ParseServiceID(s string) (ServiceID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ServiceID{}, fmt.Errorf("ids: parse service id: %w", err)
	}
	return ServiceIDFromBytes(b)
}

func (id ServiceID) IsNull() bool { return id == NullService }

func (id ServiceID) String() string { return hex.EncodeToString(id[:]) }

func (id ServiceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ServiceID) UnmarshalText(b []byte) error {
	v, err := ParseServiceID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func RandomConnID() ConnID {
	for {
		id := ConnID(uuid.New())
		if !id.IsNull() {
			return id
		}
	}
}

func ConnIDFromBytes(b []byte) (ConnID, error) {
	var id ConnID
	if len(b) != Size {
		return id, fmt.Errorf("%w: conn id %d bytes", ErrInvalidLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func ParseConnID(s string) (ConnID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ConnID{}, fmt.Errorf("ids: parse conn id: %w", err)
	}
	return ConnIDFromBytes(b)
}

func (id ConnID) IsNull() bool { return id == NullConn }

func (id ConnID) String() string { return hex.EncodeToString(id[:]) }

func (id ConnID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ConnID) UnmarshalText(b []byte) error {
	v, err := ParseConnID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}
