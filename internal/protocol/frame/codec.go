package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrIncomplete    = errors.New("frame: incomplete")
	ErrFrameTooLarge = errors.New("frame: too large")
)

// Limits bounds frame sizes. MaxFrameBytes applies to total_length, which is
// header plus payload and excludes the 8-byte prefix, on encode and decode alike.
type Limits struct {
	MaxFrameBytes uint64
}

func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: 8 * 1024 * 1024}
}

func (l Limits) WithDefaults() Limits {
	if l.MaxFrameBytes == 0 {
		l.MaxFrameBytes = DefaultLimits().MaxFrameBytes
	}
	return l
}

// MaxPayload is the largest payload that still fits the frame limit.
func (l Limits) MaxPayload() int {
	l = l.WithDefaults()
	if l.MaxFrameBytes < HeaderLen {
		return 0
	}
	return int(l.MaxFrameBytes - HeaderLen)
}

// SizeError reports a frame over the configured limit.
type SizeError struct {
	Size uint64
	Max  uint64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("frame: too large: size=%d max=%d", e.Size, e.Max)
}

func (e *SizeError) Is(target error) bool { return target == ErrFrameTooLarge }

// Decode reads one frame from the front of buf. It returns ErrIncomplete and
// consumes nothing when buf does not yet hold a whole frame. The returned
// frame aliases buf.
func (l Limits) Decode(buf []byte) (Frame, int, error) {
	l = l.WithDefaults()
	if len(buf) < PrefixLen {
		return Frame{}, 0, ErrIncomplete
	}
	total := binary.LittleEndian.Uint64(buf[:PrefixLen])
	if total > l.MaxFrameBytes {
		return Frame{}, 0, &SizeError{Size: total, Max: l.MaxFrameBytes}
	}
	if total < HeaderLen {
		return Frame{}, 0, fmt.Errorf("%w: declared length %d", ErrShortHeader, total)
	}
	end := PrefixLen + int(total)
	if len(buf) < end {
		return Frame{}, 0, ErrIncomplete
	}
	f, err := FromBytes(buf[PrefixLen:end:end])
	if err != nil {
		return Frame{}, 0, err
	}
	return f, end, nil
}

// Need reports how many bytes buf must hold before Decode can make progress.
func Need(buf []byte) int {
	if len(buf) < PrefixLen {
		return PrefixLen
	}
	return PrefixLen + int(binary.LittleEndian.Uint64(buf[:PrefixLen]))
}

// Append encodes f onto dst. On error dst is returned unchanged.
func (l Limits) Append(dst []byte, f Frame) ([]byte, error) {
	l = l.WithDefaults()
	if len(f.b) < HeaderLen {
		return dst, ErrShortHeader
	}
	size := uint64(len(f.b))
	if size > l.MaxFrameBytes {
		return dst, &SizeError{Size: size, Max: l.MaxFrameBytes}
	}
	dst = binary.LittleEndian.AppendUint64(dst, size)
	return append(dst, f.b...), nil
}

// Check validates f against the limits without encoding it.
func (l Limits) Check(f Frame) error {
	l = l.WithDefaults()
	if size := uint64(len(f.b)); size > l.MaxFrameBytes {
		return &SizeError{Size: size, Max: l.MaxFrameBytes}
	}
	return nil
}
