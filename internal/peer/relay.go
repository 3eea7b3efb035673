package peer

import (
	"context"
	"errors"

	logs "github.com/danmuck/peerwire/internal/logging"
	"github.com/danmuck/peerwire/internal/observability"
	"github.com/danmuck/peerwire/internal/protocol/frame"
	"github.com/danmuck/peerwire/internal/protocol/ids"
)

// relayEntry is a peer this one forwards to. lost is set once the relay's
// event stream ends or reports closure. Routes to a lost relay stay in place
// and fail when used.
type relayEntry struct {
	peer    *Peer
	gen     uint64
	stop    chan struct{}
	leave   func()
	stopped bool
	lost    bool
}

func (r *relayEntry) stopWatch() {
	if r.stopped {
		return
	}
	r.stopped = true
	close(r.stop)
	r.leave()
}

func (p *Peer) onRegisterRelay(relay *Peer, sids []ids.ServiceID) error {
	for _, sid := range sids {
		if sid.IsNull() {
			return p.errorf(ErrUnknownService, "register_relay", sid, ids.NullConn, errors.New("null service id"))
		}
		if _, ok := p.services[sid]; ok {
			return p.errorf(ErrServiceRegistered, "register_relay", sid, ids.NullConn, nil)
		}
	}

	id := relay.ID()
	entry := p.relays[id]
	if entry == nil || entry.lost {
		if entry != nil {
			entry.stopWatch()
		}
		p.nextGen++
		events, leave := relay.events.subscribe(p.cfg.RelayEventCapacity)
		entry = &relayEntry{peer: relay, gen: p.nextGen, stop: make(chan struct{}), leave: leave}
		p.relays[id] = entry
		go p.watchRelay(id, entry.gen, events, entry.stop, leave)
	}
	for _, sid := range sids {
		p.relayed[sid] = id
	}
	p.pruneRelays()
	logs.Debugf("peer.Peer.onRegisterRelay id=%d relay=%d services=%d", p.id, id, len(sids))
	return nil
}

// pruneRelays drops relays no service routes to.
func (p *Peer) pruneRelays() {
	used := make(map[uint64]struct{}, len(p.relays))
	for _, id := range p.relayed {
		used[id] = struct{}{}
	}
	for id, r := range p.relays {
		if _, ok := used[id]; !ok {
			r.stopWatch()
			delete(p.relays, id)
		}
	}
}

// watchRelay feeds the relay's events into this peer's mailbox so relay loss
// is handled on the serial path.
func (p *Peer) watchRelay(relayID, gen uint64, events <-chan Event, stop <-chan struct{}, leave func()) {
	defer leave()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.mb.push(msgRelayEvent{relayID: relayID, gen: gen, ended: true})
				return
			}
			if !p.mb.push(msgRelayEvent{relayID: relayID, gen: gen, ev: ev}) {
				return
			}
		case <-stop:
			return
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Peer) onRelayEvent(m msgRelayEvent) {
	entry := p.relays[m.relayID]
	if entry == nil || entry.gen != m.gen || entry.lost {
		return
	}
	if !m.ended && !m.ev.closing() {
		logs.Debugf("peer.Peer.onRelayEvent id=%d relay=%d event=%s", p.id, m.relayID, m.ev)
		return
	}
	entry.lost = true
	entry.stopWatch()
	logs.Warnf("peer.Peer.onRelayEvent id=%d relay=%d disappeared", p.id, m.relayID)
	p.events.publish(Event{Kind: EventRelayDisappeared, RelayID: m.relayID})
}

func (p *Peer) liveRelay(relayID uint64) *Peer {
	entry := p.relays[relayID]
	if entry == nil || entry.lost {
		return nil
	}
	return entry.peer
}

func (p *Peer) forwardSend(sid ids.ServiceID, relayID uint64, f frame.Frame) {
	relay := p.liveRelay(relayID)
	if relay == nil || !relay.mb.push(msgOutgoing{f: f, kind: "relay"}) {
		observability.RecordRelay("send", "failed")
		p.reportError(ids.NullConn, &ConnectionError{Kind: KindFailedToRelay, Service: sid})
		return
	}
	observability.RecordRelay("send", "ok")
}

// forwardCall performs the call on the relay in the background and reports
// the outcome back through the mailbox.
func (p *Peer) forwardCall(sid ids.ServiceID, cid ids.ConnID, relayID uint64, f frame.Frame) {
	relay := p.liveRelay(relayID)
	if relay == nil {
		observability.RecordRelay("call", "failed")
		p.reportError(cid, &ConnectionError{Kind: KindFailedToRelay, Service: sid, Conn: cid})
		return
	}
	p.spawn(func(ctx context.Context) {
		resp, err := relay.CallFrame(ctx, f)
		p.mb.push(msgRelayDone{sid: sid, cid: cid, relayID: relayID, resp: resp, err: err})
	})
}

func (p *Peer) onRelayDone(m msgRelayDone) {
	if m.err == nil {
		observability.RecordRelay("call", "ok")
		if err := p.write(m.resp, "relay"); err != nil {
			logs.Debugf("peer.Peer.onRelayDone id=%d write: %v", p.id, err)
		}
		return
	}

	// errors from further down the chain pass through unchanged
	var ce *ConnectionError
	if errors.Is(m.err, ErrRemote) && errors.As(m.err, &ce) {
		observability.RecordRelay("call", "remote_error")
		fwd := *ce
		fwd.Conn = m.cid
		if err := p.write(ErrorFrame(m.cid, &fwd), "error"); err != nil {
			logs.Debugf("peer.Peer.onRelayDone id=%d write: %v", p.id, err)
		}
		return
	}

	kind := KindFailedToRelay
	if errors.Is(m.err, ErrLostConnection) {
		kind = KindLostRelayBeforeResponse
	}
	logs.Warnf("peer.Peer.onRelayDone id=%d relay=%d cid=%s err=%v", p.id, m.relayID, m.cid, m.err)
	observability.RecordRelay("call", string(kind))
	p.reportError(m.cid, &ConnectionError{Kind: kind, Service: m.sid, Conn: m.cid})
}
