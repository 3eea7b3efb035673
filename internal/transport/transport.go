// Package transport opens the byte streams peers run over. Framing is done by
// the peer, so every transport only moves bytes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	logs "github.com/danmuck/peerwire/internal/logging"
)

type Kind string

const (
	KindTCP  Kind = "tcp"
	KindTLS  Kind = "tls"
	KindQUIC Kind = "quic"
	KindWS   Kind = "ws"
)

var (
	ErrUnknownKind    = errors.New("transport: unknown kind")
	ErrAddrRequired   = errors.New("transport: address required")
	ErrListenerClosed = errors.New("transport: listener closed")
)

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case "":
		return KindTCP, nil
	case KindTCP, KindTLS, KindQUIC, KindWS:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Stream is one bidirectional byte stream.
type Stream interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

type Listener interface {
	// Accept blocks until a stream arrives, ctx ends or the listener closes.
	Accept(ctx context.Context) (Stream, error)
	Addr() net.Addr
	Close() error
}

type ListenConfig struct {
	Kind         Kind
	Addr         string
	Path         string
	SecurityMode SecurityMode
	TLS          TLSConfig
}

type DialConfig struct {
	Kind         Kind
	Addr         string
	Path         string
	SecurityMode SecurityMode
	TLS          TLSConfig
	Timeout      time.Duration
}

func Listen(ctx context.Context, cfg ListenConfig) (Listener, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, ErrAddrRequired
	}
	kind, err := ParseKind(string(cfg.Kind))
	if err != nil {
		return nil, err
	}
	cfg.Kind = kind
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var ln Listener
	switch kind {
	case KindTCP, KindTLS:
		ln, err = listenTCP(ctx, cfg)
	case KindQUIC:
		ln, err = listenQUIC(cfg)
	case KindWS:
		ln, err = listenWS(cfg)
	}
	if err != nil {
		return nil, err
	}
	logs.Infof("transport.Listen kind=%s addr=%s", kind, ln.Addr())
	return ln, nil
}

func Dial(ctx context.Context, cfg DialConfig) (Stream, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, ErrAddrRequired
	}
	kind, err := ParseKind(string(cfg.Kind))
	if err != nil {
		return nil, err
	}
	cfg.Kind = kind
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var s Stream
	switch kind {
	case KindTCP, KindTLS:
		s, err = dialTCP(ctx, cfg)
	case KindQUIC:
		s, err = dialQUIC(ctx, cfg)
	case KindWS:
		s, err = dialWS(ctx, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s %s: %w", kind, cfg.Addr, err)
	}
	logs.Debugf("transport.Dial kind=%s addr=%s remote=%s", kind, cfg.Addr, s.RemoteAddr())
	return s, nil
}

// acceptQueue adapts push-style servers to Listener.Accept.
type acceptQueue struct {
	streams chan Stream
	done    chan struct{}
}

func newAcceptQueue() *acceptQueue {
	return &acceptQueue{streams: make(chan Stream, 16), done: make(chan struct{})}
}

func (q *acceptQueue) push(s Stream) bool {
	select {
	case q.streams <- s:
		return true
	case <-q.done:
		return false
	}
}

func (q *acceptQueue) accept(ctx context.Context) (Stream, error) {
	select {
	case s := <-q.streams:
		return s, nil
	case <-q.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *acceptQueue) close() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}
