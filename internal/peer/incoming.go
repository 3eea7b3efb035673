package peer

import (
	"errors"
	"io"
	"net"

	logs "github.com/danmuck/peerwire/internal/logging"
	"github.com/danmuck/peerwire/internal/observability"
	"github.com/danmuck/peerwire/internal/protocol/frame"
	"github.com/danmuck/peerwire/internal/protocol/ids"
)

// onIncoming classifies one frame from the remote:
//
//	null sid                 connection error reported by the remote
//	null cid                 one-way send
//	cid awaited in responses response to a local call
//	otherwise                incoming call
func (p *Peer) onIncoming(f frame.Frame) {
	sid, serr := f.Service()
	cid, cerr := f.Conn()
	if serr != nil || cerr != nil {
		observability.RecordFrame("in", "corrupt")
		p.corrupt(ids.NullConn, &ConnectionError{Kind: KindDeserialize, Context: "frame header"})
		return
	}

	switch {
	case sid.IsNull():
		observability.RecordFrame("in", "error")
		p.onRemoteError(cid, f)
	case cid.IsNull():
		observability.RecordFrame("in", "send")
		p.onIncomingSend(sid, f)
	default:
		if ch, ok := p.responses[cid]; ok {
			observability.RecordFrame("in", "response")
			delete(p.responses, cid)
			ch <- callResult{f: f}
			return
		}
		observability.RecordFrame("in", "call")
		p.onIncomingCall(sid, cid, f)
	}
}

func (p *Peer) onRemoteError(cid ids.ConnID, f frame.Frame) {
	ce, err := UnmarshalConnectionError(f.Payload())
	if err != nil {
		logs.Warnf("peer.Peer.onRemoteError id=%d undecodable error payload: %v", p.id, err)
		p.corrupt(cid, &ConnectionError{Kind: KindDeserialize, Conn: cid, Context: "connection error payload"})
		return
	}
	logs.Debugf("peer.Peer.onRemoteError id=%d err=%v", p.id, ce)
	observability.RecordConnectionError("remote", string(ce.Kind))
	p.events.publish(Event{Kind: EventRemoteError, Err: ce})

	target := cid
	if target.IsNull() {
		target = ce.Conn
	}
	if target.IsNull() {
		return
	}
	if ch, ok := p.responses[target]; ok {
		delete(p.responses, target)
		ch <- callResult{err: ce}
	}
}

func (p *Peer) onIncomingSend(sid ids.ServiceID, f frame.Frame) {
	if key, ok := p.services[sid]; ok {
		work, err := p.serviceMaps[key].SendService(f)
		if err != nil {
			p.dispatchFailed(sid, ids.NullConn, err)
			return
		}
		p.spawn(work)
		return
	}
	if relayID, ok := p.relayed[sid]; ok {
		p.forwardSend(sid, relayID, f)
		return
	}
	p.unknownService(sid, ids.NullConn)
}

func (p *Peer) onIncomingCall(sid ids.ServiceID, cid ids.ConnID, f frame.Frame) {
	if key, ok := p.services[sid]; ok {
		work, err := p.serviceMaps[key].CallService(f, responder{p: p})
		if err != nil {
			p.dispatchFailed(sid, cid, err)
			return
		}
		p.spawn(work)
		return
	}
	if relayID, ok := p.relayed[sid]; ok {
		p.forwardCall(sid, cid, relayID, f)
		return
	}
	p.unknownService(sid, cid)
}

func (p *Peer) onReadFailed(err error) {
	var se *frame.SizeError
	switch {
	case errors.As(err, &se):
		p.corrupt(ids.NullConn, &ConnectionError{Kind: KindMessageTooLarge, Size: se.Size, Max: se.Max})
	case errors.Is(err, frame.ErrShortHeader):
		p.corrupt(ids.NullConn, &ConnectionError{Kind: KindDeserialize, Context: "frame header"})
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		logs.Debugf("peer.Peer.onReadFailed id=%d stream ended: %v", p.id, err)
		p.teardown(true)
	default:
		logs.Warnf("peer.Peer.onReadFailed id=%d read error: %v", p.id, err)
		p.teardown(true)
	}
}

func (p *Peer) dispatchFailed(sid ids.ServiceID, cid ids.ConnID, err error) {
	var de *DispatchError
	if !errors.As(err, &de) {
		de = &DispatchError{Kind: DispatchInternal, Service: sid, Err: err}
	}
	logs.Warnf("peer.Peer.dispatchFailed id=%d sid=%s cid=%s err=%v", p.id, sid, cid, de)
	ce := &ConnectionError{Kind: de.connKind(), Service: sid, Conn: cid}
	if de.fatal() {
		p.corrupt(cid, ce)
		return
	}
	p.reportError(cid, ce)
}

func (p *Peer) unknownService(sid ids.ServiceID, cid ids.ConnID) {
	logs.Debugf("peer.Peer.unknownService id=%d sid=%s cid=%s", p.id, sid, cid)
	p.reportError(cid, &ConnectionError{Kind: KindUnknownService, Service: sid, Conn: cid})
}

// reportError tells observers and the remote about ce. The connection stays open.
func (p *Peer) reportError(cid ids.ConnID, ce *ConnectionError) {
	observability.RecordConnectionError("local", string(ce.Kind))
	p.events.publish(Event{Kind: EventError, Err: ce})
	if err := p.write(ErrorFrame(cid, ce), "error"); err != nil {
		logs.Debugf("peer.Peer.reportError id=%d write: %v", p.id, err)
	}
}

// corrupt reports ce and closes: the stream can no longer be trusted.
func (p *Peer) corrupt(cid ids.ConnID, ce *ConnectionError) {
	logs.Warnf("peer.Peer.corrupt id=%d err=%v", p.id, ce)
	p.reportError(cid, ce)
	p.teardown(false)
}
