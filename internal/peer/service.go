package peer

import (
	"context"

	"github.com/danmuck/peerwire/internal/protocol/frame"
	"github.com/danmuck/peerwire/internal/protocol/ids"
)

// Work is a unit of dispatched handler work. The peer runs it on its own
// goroutine; ctx is cancelled when the peer closes.
type Work func(ctx context.Context)

// Responder delivers a call's response frame back onto the originating
// connection.
type Responder interface {
	Respond(f frame.Frame) error
}

// ServiceMap resolves incoming frames to local handlers. Implementations must
// be safe for concurrent use by several peers. Failures are *DispatchError.
type ServiceMap interface {
	// Services lists the ids this map handles.
	Services() []ids.ServiceID
	SendService(f frame.Frame) (Work, error)
	CallService(f frame.Frame, r Responder) (Work, error)
}

type responder struct {
	p *Peer
}

func (r responder) Respond(f frame.Frame) error {
	if !r.p.mb.push(msgOutgoing{f: f, kind: "response"}) {
		return r.p.closedErr("respond", ids.NullService, ids.NullConn)
	}
	return nil
}
