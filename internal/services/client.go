package services

import (
	"context"
	"fmt"

	"github.com/danmuck/peerwire/internal/peer"
	"github.com/danmuck/peerwire/internal/protocol/ids"
	"github.com/danmuck/peerwire/internal/protocol/payload"
)

// Remote addresses the services of one namespace through a peer.
type Remote struct {
	Peer      *peer.Peer
	Namespace string
	Codec     payload.Codec
}

func NewRemote(p *peer.Peer, namespace string, codec payload.Codec) Remote {
	if codec == nil {
		codec = payload.Default()
	}
	return Remote{Peer: p, Namespace: namespace, Codec: codec}
}

func (r Remote) ServiceID(name string) ids.ServiceID {
	return ids.ServiceIDFromName(r.Namespace, name)
}

func (r Remote) codec() payload.Codec {
	if r.Codec == nil {
		return payload.Default()
	}
	return r.Codec
}

// Call invokes name with req and decodes the response.
func Call[Req, Resp any](ctx context.Context, r Remote, name string, req Req) (Resp, error) {
	var out Resp
	b, err := r.codec().Marshal(req)
	if err != nil {
		return out, fmt.Errorf("%w: %s: %v", peer.ErrSerialize, name, err)
	}
	f, err := r.Peer.Call(ctx, r.ServiceID(name), b)
	if err != nil {
		return out, err
	}
	if err := r.codec().Unmarshal(f.Payload(), &out); err != nil {
		return out, fmt.Errorf("%w: %s response: %v", peer.ErrDeserialize, name, err)
	}
	return out, nil
}

// Send delivers req to name without waiting for any outcome.
func Send[Req any](ctx context.Context, r Remote, name string, req Req) error {
	b, err := r.codec().Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", peer.ErrSerialize, name, err)
	}
	return r.Peer.Send(ctx, r.ServiceID(name), b)
}
