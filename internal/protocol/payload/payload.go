// Package payload serializes service messages carried in frame payloads.
package payload

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"

	"github.com/danmuck/peerwire/internal/protocol/frame"
)

var (
	ErrUnknownCodec = errors.New("payload: unknown codec")
	ErrDecode       = errors.New("payload: decode")
	ErrTooLarge     = errors.New("payload: decompressed size exceeds limit")
)

// MaxDecodedBytes caps decompressed payloads at the default frame size.
var MaxDecodedBytes = int(frame.DefaultLimits().MaxFrameBytes)

const (
	NameJSON       = "json"
	NameJSONZstd   = "json+zstd"
	NameJSONSnappy = "json+snappy"
	NameJSONS2     = "json+s2"
)

// Codec turns typed values into payload bytes and back. Implementations are
// safe for concurrent use.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte, v any) error
}

func Default() Codec { return JSON }

// ByName resolves a codec from its configured name.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameJSON:
		return JSON, nil
	case NameJSONZstd:
		return JSONZstd(), nil
	case NameJSONSnappy:
		return JSONSnappy, nil
	case NameJSONS2:
		return JSONS2, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

func Names() []string {
	return []string{NameJSON, NameJSONZstd, NameJSONSnappy, NameJSONS2}
}

var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string { return NameJSON }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// compressed layers a block compressor under the JSON codec.
type compressed struct {
	name       string
	compress   func([]byte) []byte
	decompress func([]byte) ([]byte, error)
}

func (c compressed) Name() string { return c.name }

func (c compressed) Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.compress(raw), nil
}

func (c compressed) Unmarshal(b []byte, v any) error {
	raw, err := c.decompress(b)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDecode, c.name, err)
	}
	return JSON.Unmarshal(raw, v)
}

var JSONSnappy Codec = compressed{
	name:     NameJSONSnappy,
	compress: func(b []byte) []byte { return snappy.Encode(nil, b) },
	decompress: func(b []byte) ([]byte, error) {
		n, err := snappy.DecodedLen(b)
		if err != nil {
			return nil, err
		}
		if err := checkDecoded(n); err != nil {
			return nil, err
		}
		return snappy.Decode(nil, b)
	},
}

var JSONS2 Codec = compressed{
	name:     NameJSONS2,
	compress: func(b []byte) []byte { return s2.Encode(nil, b) },
	decompress: func(b []byte) ([]byte, error) {
		n, err := s2.DecodedLen(b)
		if err != nil {
			return nil, err
		}
		if err := checkDecoded(n); err != nil {
			return nil, err
		}
		return s2.Decode(nil, b)
	},
}

func checkDecoded(n int) error {
	if n > MaxDecodedBytes {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, n, MaxDecodedBytes)
	}
	return nil
}

var (
	zstdOnce  sync.Once
	zstdCodec Codec
)

// JSONZstd shares one encoder and decoder; EncodeAll and DecodeAll are safe
// for concurrent use.
func JSONZstd() Codec {
	zstdOnce.Do(func() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			panic(fmt.Sprintf("payload: zstd encoder: %v", err))
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(MaxDecodedBytes)))
		if err != nil {
			panic(fmt.Sprintf("payload: zstd decoder: %v", err))
		}
		zstdCodec = compressed{
			name:     NameJSONZstd,
			compress: func(b []byte) []byte { return enc.EncodeAll(b, nil) },
			decompress: func(b []byte) ([]byte, error) {
				out, err := dec.DecodeAll(b, nil)
				if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
					return nil, fmt.Errorf("%w: %w", ErrTooLarge, err)
				}
				return out, err
			},
		}
	})
	return zstdCodec
}
