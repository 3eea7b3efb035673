// Package services is the local dispatch table peers use to run handlers.
// Handlers are registered by name; the wire id of a handler is
// ids.ServiceIDFromName(namespace, name).
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	logs "github.com/danmuck/peerwire/internal/logging"
	"github.com/danmuck/peerwire/internal/peer"
	"github.com/danmuck/peerwire/internal/protocol/frame"
	"github.com/danmuck/peerwire/internal/protocol/ids"
	"github.com/danmuck/peerwire/internal/protocol/payload"
)

var (
	ErrDuplicateService = errors.New("services: duplicate service")
	ErrEmptyName        = errors.New("services: empty service name")
)

type handler struct {
	name   string
	decode func(b []byte) (any, error)
	invoke func(ctx context.Context, req any) (any, error)
}

// Registry maps service ids to handlers. It is shared by every peer that
// registers it and is safe for concurrent dispatch.
type Registry struct {
	namespace string
	codec     payload.Codec
	closed    atomic.Bool

	mu   sync.RWMutex
	repo map[ids.ServiceID]*handler
}

func NewRegistry(namespace string, codec payload.Codec) *Registry {
	if codec == nil {
		codec = payload.Default()
	}
	return &Registry{
		namespace: namespace,
		codec:     codec,
		repo:      make(map[ids.ServiceID]*handler),
	}
}

func (r *Registry) Namespace() string { return r.namespace }

func (r *Registry) Codec() payload.Codec { return r.codec }

// ServiceID returns the wire id name has in this registry's namespace.
func (r *Registry) ServiceID(name string) ids.ServiceID {
	return ids.ServiceIDFromName(r.namespace, name)
}

// Handle registers fn under name. Calls answer with fn's result; sends
// discard it.
func Handle[Req, Resp any](r *Registry, name string, fn func(ctx context.Context, req Req) (Resp, error)) (ids.ServiceID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ids.ServiceID{}, ErrEmptyName
	}
	h := &handler{
		name: name,
		decode: func(b []byte) (any, error) {
			var req Req
			if err := r.codec.Unmarshal(b, &req); err != nil {
				return nil, err
			}
			return req, nil
		},
		invoke: func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(Req)
			if !ok {
				return nil, fmt.Errorf("services: %s: request type %T", name, req)
			}
			return fn(ctx, typed)
		},
	}

	sid := r.ServiceID(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.repo[sid]; ok {
		return sid, fmt.Errorf("%w: %s (registered as %s)", ErrDuplicateService, name, prev.name)
	}
	r.repo[sid] = h
	logs.Debugf("services.Handle namespace=%s name=%s sid=%s", r.namespace, name, sid)
	return sid, nil
}

// MustHandle is Handle for registration at startup.
func MustHandle[Req, Resp any](r *Registry, name string, fn func(ctx context.Context, req Req) (Resp, error)) ids.ServiceID {
	sid, err := Handle(r, name, fn)
	if err != nil {
		panic(err)
	}
	return sid
}

// Names maps every registered service name to its id.
func (r *Registry) Names() map[string]ids.ServiceID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ids.ServiceID, len(r.repo))
	for sid, h := range r.repo {
		out[h.name] = sid
	}
	return out
}

func (r *Registry) Services() []ids.ServiceID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ids.ServiceID, 0, len(r.repo))
	for sid := range r.repo {
		out = append(out, sid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Close stops the registry's handlers. Later dispatches report a dead handler.
func (r *Registry) Close() {
	r.closed.Store(true)
}

func (r *Registry) lookup(f frame.Frame) (ids.ServiceID, *handler, any, error) {
	sid, err := f.Service()
	if err != nil {
		return sid, nil, nil, &peer.DispatchError{Kind: peer.DispatchDeserialize, Err: err}
	}
	r.mu.RLock()
	h := r.repo[sid]
	r.mu.RUnlock()
	if h == nil {
		return sid, nil, nil, &peer.DispatchError{Kind: peer.DispatchUnknownService, Service: sid}
	}
	if r.closed.Load() {
		return sid, nil, nil, &peer.DispatchError{Kind: peer.DispatchHandlerDead, Service: sid}
	}
	req, err := h.decode(f.Payload())
	if err != nil {
		return sid, nil, nil, &peer.DispatchError{Kind: peer.DispatchDeserialize, Service: sid, Err: err}
	}
	return sid, h, req, nil
}

func (r *Registry) SendService(f frame.Frame) (peer.Work, error) {
	sid, h, req, err := r.lookup(f)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) {
		if _, err := h.safeInvoke(ctx, req); err != nil {
			logs.Warnf("services.Registry.SendService name=%s sid=%s err=%v", h.name, sid, err)
		}
	}, nil
}

func (r *Registry) CallService(f frame.Frame, resp peer.Responder) (peer.Work, error) {
	sid, h, req, err := r.lookup(f)
	if err != nil {
		return nil, err
	}
	cid, _ := f.Conn()
	return func(ctx context.Context) {
		out, err := h.safeInvoke(ctx, req)
		var reply frame.Frame
		if err == nil {
			var b []byte
			if b, err = r.codec.Marshal(out); err == nil {
				reply = frame.New(sid, cid, b)
			}
		}
		if err != nil {
			logs.Warnf("services.Registry.CallService name=%s sid=%s cid=%s err=%v", h.name, sid, cid, err)
			reply = peer.ErrorFrame(cid, &peer.ConnectionError{
				Kind:    peer.KindInternalServerError,
				Service: sid,
				Conn:    cid,
				Context: "handler failed",
			})
		}
		if err := resp.Respond(reply); err != nil {
			logs.Debugf("services.Registry.CallService name=%s cid=%s respond: %v", h.name, cid, err)
		}
	}, nil
}

func (h *handler) safeInvoke(ctx context.Context, req any) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %s panicked: %v", peer.ErrDowncast, h.name, rec)
		}
	}()
	return h.invoke(ctx, req)
}

var _ peer.ServiceMap = (*Registry)(nil)
