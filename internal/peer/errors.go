package peer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/danmuck/peerwire/internal/protocol/frame"
	"github.com/danmuck/peerwire/internal/protocol/ids"
)

// ConnErrorKind names a wire-level failure.
type ConnErrorKind string

const (
	KindUnknownService          ConnErrorKind = "unknown_service"
	KindMessageTooLarge         ConnErrorKind = "message_too_large"
	KindDeserialize             ConnErrorKind = "deserialize"
	KindInternalServerError     ConnErrorKind = "internal_server_error"
	KindFailedToRelay           ConnErrorKind = "failed_to_relay"
	KindLostRelayBeforeResponse ConnErrorKind = "lost_relay_before_response"
)

// ConnectionError is the error value sent to a remote peer. It carries no
// process-local detail such as peer ids or names.
type ConnectionError struct {
	Kind    ConnErrorKind `json:"kind"`
	Service ids.ServiceID `json:"sid"`
	Conn    ids.ConnID    `json:"cid"`
	Context string        `json:"context,omitempty"`
	Size    uint64        `json:"size,omitempty"`
	Max     uint64        `json:"max,omitempty"`
}

func (e *ConnectionError) Error() string {
	var b strings.Builder
	b.WriteString("connection error: ")
	b.WriteString(string(e.Kind))
	if !e.Service.IsNull() {
		fmt.Fprintf(&b, " sid=%s", e.Service)
	}
	if !e.Conn.IsNull() {
		fmt.Fprintf(&b, " cid=%s", e.Conn)
	}
	if e.Kind == KindMessageTooLarge {
		fmt.Fprintf(&b, " size=%d max=%d", e.Size, e.Max)
	}
	if e.Context != "" {
		fmt.Fprintf(&b, " context=%q", e.Context)
	}
	return b.String()
}

func (e *ConnectionError) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalConnectionError(b []byte) (*ConnectionError, error) {
	var ce ConnectionError
	if err := json.Unmarshal(b, &ce); err != nil {
		return nil, err
	}
	switch ce.Kind {
	case KindUnknownService, KindMessageTooLarge, KindDeserialize,
		KindInternalServerError, KindFailedToRelay, KindLostRelayBeforeResponse:
	default:
		return nil, fmt.Errorf("peer: unknown connection error kind %q", ce.Kind)
	}
	return &ce, nil
}

// ErrorFrame builds the connection-level frame reporting ce to the remote.
// The frame carries the null service id and is tagged with cid.
func ErrorFrame(cid ids.ConnID, ce *ConnectionError) frame.Frame {
	b, err := ce.Marshal()
	if err != nil {
		b = []byte(`{"kind":"` + string(KindInternalServerError) + `"}`)
	}
	return frame.New(ids.NullService, cid, b)
}

// Local error kinds. Every *Error matches exactly one of these with errors.Is.
var (
	ErrConnectionClosed  = errors.New("peer: connection closed")
	ErrLostConnection    = errors.New("peer: connection lost before response")
	ErrTimeout           = errors.New("peer: operation timed out")
	ErrRemote            = errors.New("peer: remote reported an error")
	ErrSerialize         = errors.New("peer: serialize")
	ErrDeserialize       = errors.New("peer: deserialize")
	ErrDowncast          = errors.New("peer: internal dispatch failure")
	ErrHandlerDead       = errors.New("peer: handler no longer running")
	ErrUnknownService    = errors.New("peer: unknown service")
	ErrMessageTooLarge   = errors.New("peer: message too large")
	ErrRelayGone         = errors.New("peer: relay gone")
	ErrServiceRegistered = errors.New("peer: service already registered")
	ErrDuplicateConn     = errors.New("peer: conn id already outstanding")
)

// ErrorContext is local diagnostic context. It is never sent over the wire.
type ErrorContext struct {
	PeerID   uint64
	PeerName string
	Service  ids.ServiceID
	Conn     ids.ConnID
	Context  string
}

func (c ErrorContext) String() string {
	parts := make([]string, 0, 5)
	parts = append(parts, fmt.Sprintf("peer=%d", c.PeerID))
	if c.PeerName != "" {
		parts = append(parts, "name="+c.PeerName)
	}
	if !c.Service.IsNull() {
		parts = append(parts, "sid="+c.Service.String())
	}
	if !c.Conn.IsNull() {
		parts = append(parts, "cid="+c.Conn.String())
	}
	if c.Context != "" {
		parts = append(parts, "op="+c.Context)
	}
	return strings.Join(parts, " ")
}

// Error is returned to local callers of Peer operations.
type Error struct {
	Kind   error
	Ctx    ErrorContext
	Remote *ConnectionError
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Remote != nil {
		msg += ": " + e.Remote.Error()
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg + " (" + e.Ctx.String() + ")"
}

func (e *Error) Unwrap() []error {
	out := []error{e.Kind}
	if e.Remote != nil {
		out = append(out, e.Remote)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// RemoteKind reports the wire error kind for ErrRemote failures.
func RemoteKind(err error) (ConnErrorKind, bool) {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// DispatchKind classifies a ServiceMap failure.
type DispatchKind int

const (
	DispatchDeserialize DispatchKind = iota + 1
	DispatchUnknownService
	DispatchInternal
	DispatchHandlerDead
)

func (k DispatchKind) String() string {
	switch k {
	case DispatchDeserialize:
		return "deserialize"
	case DispatchUnknownService:
		return "unknown_service"
	case DispatchInternal:
		return "internal"
	case DispatchHandlerDead:
		return "handler_dead"
	default:
		return "unknown"
	}
}

// DispatchError is returned by ServiceMap implementations.
type DispatchError struct {
	Kind    DispatchKind
	Service ids.ServiceID
	Err     error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch %s sid=%s: %v", e.Kind, e.Service, e.Err)
	}
	return fmt.Sprintf("dispatch %s sid=%s", e.Kind, e.Service)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// connKind maps a dispatch failure to the error reported on the wire.
func (e *DispatchError) connKind() ConnErrorKind {
	switch e.Kind {
	case DispatchDeserialize:
		return KindDeserialize
	case DispatchUnknownService:
		return KindUnknownService
	default:
		return KindInternalServerError
	}
}

// fatal reports whether the failure stops the connection.
func (e *DispatchError) fatal() bool {
	return e.Kind == DispatchDeserialize
}
