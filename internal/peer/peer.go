// Package peer implements one protocol connection: it classifies every
// incoming frame, correlates calls with responses and forwards traffic for
// relayed services. All connection state is owned by a single goroutine fed
// by the peer's mailbox.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	logs "github.com/danmuck/peerwire/internal/logging"
	"github.com/danmuck/peerwire/internal/observability"
	"github.com/danmuck/peerwire/internal/protocol/frame"
	"github.com/danmuck/peerwire/internal/protocol/ids"
)

type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var nextPeerID atomic.Uint64

type Peer struct {
	id     uint64
	name   string
	cfg    Config
	conn   io.ReadWriteCloser
	mb     *mailbox
	events *hub
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32
	final  atomic.Pointer[Snapshot]

	// owned by run
	out         *frame.Writer
	services    map[ids.ServiceID]int
	serviceMaps map[int]ServiceMap
	nextKey     int
	relayed     map[ids.ServiceID]uint64
	relays      map[uint64]*relayEntry
	nextGen     uint64
	responses   map[ids.ConnID]chan callResult
	framesIn    uint64
	framesOut   uint64
}

type callResult struct {
	f   frame.Frame
	err error
}

// New starts a peer over conn. The peer owns conn and closes it on teardown.
func New(conn io.ReadWriteCloser, cfg Config) *Peer {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		id:          nextPeerID.Add(1),
		name:        cfg.Name,
		cfg:         cfg,
		conn:        conn,
		mb:          newMailbox(),
		events:      newHub(),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		out:         frame.NewWriter(conn, cfg.Limits),
		services:    make(map[ids.ServiceID]int),
		serviceMaps: make(map[int]ServiceMap),
		relayed:     make(map[ids.ServiceID]uint64),
		relays:      make(map[uint64]*relayEntry),
		responses:   make(map[ids.ConnID]chan callResult),
	}
	observability.PeerOpened()
	logs.Debugf("peer.New id=%d name=%q", p.id, p.name)

	go p.run()
	go p.listen(frame.NewReader(conn, cfg.Limits))
	return p
}

func (p *Peer) ID() uint64 { return p.id }

func (p *Peer) Name() string { return p.name }

func (p *Peer) State() State { return State(p.state.Load()) }

// Done is closed once the peer reaches StateClosed.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) String() string {
	if p.name != "" {
		return fmt.Sprintf("peer(%d:%s)", p.id, p.name)
	}
	return fmt.Sprintf("peer(%d)", p.id)
}

// Observe subscribes to lifecycle and error events. A subscriber whose queue
// is full loses its oldest event. The channel is closed when the peer closes.
func (p *Peer) Observe(capacity int) <-chan Event {
	ch, _ := p.events.subscribe(capacity)
	return ch
}

// Send writes a one-way message. Only local failures are reported.
func (p *Peer) Send(ctx context.Context, sid ids.ServiceID, payload []byte) error {
	return p.SendFrame(ctx, frame.New(sid, ids.NullConn, payload))
}

func (p *Peer) SendFrame(ctx context.Context, f frame.Frame) error {
	sid, _ := f.Service()
	cid, _ := f.Conn()
	if sid.IsNull() {
		return p.errorf(ErrSerialize, "send", sid, cid, errors.New("send needs a service id"))
	}
	if err := p.cfg.Limits.Check(f); err != nil {
		return p.errorf(ErrMessageTooLarge, "send", sid, cid, err)
	}
	reply := make(chan error, 1)
	if !p.mb.push(msgOutgoing{f: f, kind: "send", reply: reply}) {
		return p.closedErr("send", sid, cid)
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return p.errorf(ErrTimeout, "send", sid, cid, ctx.Err())
	}
}

// Call sends payload to sid and waits for the correlated response.
func (p *Peer) Call(ctx context.Context, sid ids.ServiceID, payload []byte) (frame.Frame, error) {
	return p.CallFrame(ctx, frame.New(sid, ids.RandomConnID(), payload))
}

// CallFrame is Call for a prepared frame. The frame's conn id is used as the
// correlation id and must not be null.
func (p *Peer) CallFrame(ctx context.Context, f frame.Frame) (frame.Frame, error) {
	sid, err := f.Service()
	if err != nil {
		return frame.Frame{}, p.errorf(ErrSerialize, "call", sid, ids.NullConn, err)
	}
	cid, _ := f.Conn()
	if sid.IsNull() || cid.IsNull() {
		return frame.Frame{}, p.errorf(ErrSerialize, "call", sid, cid, errors.New("call needs service and conn ids"))
	}
	if err := p.cfg.Limits.Check(f); err != nil {
		return frame.Frame{}, p.errorf(ErrMessageTooLarge, "call", sid, cid, err)
	}
	if p.State() != StateOpen {
		return frame.Frame{}, p.closedErr("call", sid, cid)
	}
	if _, ok := ctx.Deadline(); !ok && p.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	resp := make(chan callResult, 1)
	reply := make(chan error, 1)
	if !p.mb.push(msgCall{sid: sid, cid: cid, f: f, resp: resp, reply: reply}) {
		return frame.Frame{}, p.closedErr("call", sid, cid)
	}

	select {
	case err := <-reply:
		if err != nil {
			observability.RecordCall("local_error", time.Since(start))
			return frame.Frame{}, err
		}
	case <-ctx.Done():
		p.mb.push(msgAbandon{cid: cid})
		observability.RecordCall("timeout", time.Since(start))
		return frame.Frame{}, p.errorf(ErrTimeout, "call", sid, cid, ctx.Err())
	}

	select {
	case r := <-resp:
		return p.callOutcome(r, sid, cid, start)
	case <-ctx.Done():
		p.mb.push(msgAbandon{cid: cid})
		observability.RecordCall("timeout", time.Since(start))
		return frame.Frame{}, p.errorf(ErrTimeout, "call", sid, cid, ctx.Err())
	}
}

func (p *Peer) callOutcome(r callResult, sid ids.ServiceID, cid ids.ConnID, start time.Time) (frame.Frame, error) {
	if r.err == nil {
		observability.RecordCall("ok", time.Since(start))
		return r.f, nil
	}
	var ce *ConnectionError
	if errors.As(r.err, &ce) {
		observability.RecordCall("remote_error", time.Since(start))
		return frame.Frame{}, &Error{Kind: ErrRemote, Ctx: p.errCtx("call", sid, cid), Remote: ce}
	}
	observability.RecordCall("lost", time.Since(start))
	if errors.Is(r.err, ErrLostConnection) {
		return frame.Frame{}, p.errorf(ErrLostConnection, "call", sid, cid, nil)
	}
	return frame.Frame{}, p.errorf(ErrLostConnection, "call", sid, cid, r.err)
}

// RegisterServices makes every service of sm handled locally on this peer.
func (p *Peer) RegisterServices(sm ServiceMap) error {
	reply := make(chan error, 1)
	if !p.mb.push(msgRegisterServices{sm: sm, reply: reply}) {
		return p.closedErr("register_services", ids.NullService, ids.NullConn)
	}
	return <-reply
}

// RegisterRelay forwards traffic for sids to relay. Registering the same
// service again replaces its route.
func (p *Peer) RegisterRelay(relay *Peer, sids []ids.ServiceID) error {
	if relay == nil || relay == p {
		return p.errorf(ErrRelayGone, "register_relay", ids.NullService, ids.NullConn, errors.New("invalid relay peer"))
	}
	reply := make(chan error, 1)
	if !p.mb.push(msgRegisterRelay{relay: relay, sids: append([]ids.ServiceID(nil), sids...), reply: reply}) {
		return p.closedErr("register_relay", ids.NullService, ids.NullConn)
	}
	return <-reply
}

// Close tears the connection down and waits until it is closed. Closing a
// closed peer is a no-op.
func (p *Peer) Close() error {
	p.mb.push(msgClose{remote: false})
	<-p.done
	return nil
}

// Snapshot reports the peer's routing state. After close it returns the
// final state.
func (p *Peer) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if p.mb.push(msgSnapshot{reply: reply}) {
		select {
		case s := <-reply:
			return s
		case <-p.done:
		}
	}
	<-p.done
	if s := p.final.Load(); s != nil {
		return *s
	}
	return Snapshot{ID: p.id, Name: p.name, State: StateClosed.String()}
}

type Snapshot struct {
	ID            uint64            `json:"id"`
	Name          string            `json:"name,omitempty"`
	State         string            `json:"state"`
	Services      []string          `json:"services"`
	Relayed       map[string]uint64 `json:"relayed"`
	Relays        []RelayInfo       `json:"relays"`
	PendingCalls  int               `json:"pending_calls"`
	FramesIn      uint64            `json:"frames_in"`
	FramesOut     uint64            `json:"frames_out"`
	EventsDropped uint64            `json:"events_dropped"`
}

type RelayInfo struct {
	ID   uint64 `json:"id"`
	Name string `json:"name,omitempty"`
	Lost bool   `json:"lost"`
}

type (
	message any

	msgIncoming struct {
		f frame.Frame
	}
	msgReadFailed struct {
		err error
	}
	// msgOutgoing writes f. reply is nil for responses and relayed sends.
	msgOutgoing struct {
		f     frame.Frame
		kind  string
		reply chan error
	}
	msgCall struct {
		sid   ids.ServiceID
		cid   ids.ConnID
		f     frame.Frame
		resp  chan callResult
		reply chan error
	}
	msgAbandon struct {
		cid ids.ConnID
	}
	msgClose struct {
		remote bool
	}
	msgRegisterServices struct {
		sm    ServiceMap
		reply chan error
	}
	msgRegisterRelay struct {
		relay *Peer
		sids  []ids.ServiceID
		reply chan error
	}
	msgRelayEvent struct {
		relayID uint64
		gen     uint64
		ev      Event
		ended   bool
	}
	msgRelayDone struct {
		sid     ids.ServiceID
		cid     ids.ConnID
		relayID uint64
		resp    frame.Frame
		err     error
	}
	msgSnapshot struct {
		reply chan Snapshot
	}
)

func (p *Peer) run() {
	for {
		<-p.mb.wait()
		batch := p.mb.drain()
		for i, msg := range batch {
			p.handle(msg)
			if p.out == nil {
				p.reject(batch[i+1:])
				p.reject(p.mb.close())
				p.state.Store(int32(StateClosed))
				close(p.done)
				logs.Debugf("peer.Peer.run id=%d closed", p.id)
				return
			}
		}
	}
}

func (p *Peer) handle(msg message) {
	switch m := msg.(type) {
	case msgIncoming:
		p.framesIn++
		p.onIncoming(m.f)
	case msgReadFailed:
		p.onReadFailed(m.err)
	case msgOutgoing:
		p.onOutgoing(m)
	case msgCall:
		p.onCall(m)
	case msgAbandon:
		delete(p.responses, m.cid)
	case msgClose:
		p.teardown(m.remote)
	case msgRegisterServices:
		m.reply <- p.onRegisterServices(m.sm)
	case msgRegisterRelay:
		m.reply <- p.onRegisterRelay(m.relay, m.sids)
	case msgRelayEvent:
		p.onRelayEvent(m)
	case msgRelayDone:
		p.onRelayDone(m)
	case msgSnapshot:
		m.reply <- p.snapshot()
	default:
		logs.Warnf("peer.Peer.handle id=%d unexpected message %T", p.id, msg)
	}
}

// reject answers messages that arrived after teardown.
func (p *Peer) reject(msgs []message) {
	for _, msg := range msgs {
		switch m := msg.(type) {
		case msgOutgoing:
			if m.reply != nil {
				m.reply <- p.closedErr("send", ids.NullService, ids.NullConn)
			}
		case msgCall:
			m.reply <- p.closedErr("call", m.sid, m.cid)
		case msgRegisterServices:
			m.reply <- p.closedErr("register_services", ids.NullService, ids.NullConn)
		case msgRegisterRelay:
			m.reply <- p.closedErr("register_relay", ids.NullService, ids.NullConn)
		case msgSnapshot:
			m.reply <- *p.final.Load()
		}
	}
}

func (p *Peer) listen(r *frame.Reader) {
	for {
		f, err := r.Next()
		if err != nil {
			p.mb.push(msgReadFailed{err: err})
			return
		}
		if !p.mb.push(msgIncoming{f: f}) {
			return
		}
	}
}

func (p *Peer) onOutgoing(m msgOutgoing) {
	err := p.write(m.f, m.kind)
	if m.reply != nil {
		m.reply <- err
		return
	}
	if err == nil {
		return
	}
	cid, _ := m.f.Conn()
	var se *frame.SizeError
	if m.kind == "response" && errors.As(err, &se) {
		sid, _ := m.f.Service()
		p.reportError(cid, &ConnectionError{Kind: KindMessageTooLarge, Service: sid, Conn: cid, Size: se.Size, Max: se.Max})
		return
	}
	logs.Warnf("peer.Peer.onOutgoing id=%d kind=%s cid=%s err=%v", p.id, m.kind, cid, err)
}

func (p *Peer) onCall(m msgCall) {
	if _, ok := p.responses[m.cid]; ok {
		m.reply <- p.errorf(ErrDuplicateConn, "call", m.sid, m.cid, nil)
		return
	}
	p.responses[m.cid] = m.resp
	if err := p.write(m.f, "call"); err != nil {
		delete(p.responses, m.cid)
		m.reply <- err
		return
	}
	m.reply <- nil
}

// write puts f on the sink. A sink failure tears the peer down.
func (p *Peer) write(f frame.Frame, kind string) error {
	sid, _ := f.Service()
	cid, _ := f.Conn()
	if p.out == nil {
		return p.closedErr(kind, sid, cid)
	}
	if err := p.out.WriteFrame(f); err != nil {
		if errors.Is(err, frame.ErrFrameTooLarge) {
			return p.errorf(ErrMessageTooLarge, kind, sid, cid, err)
		}
		logs.Warnf("peer.Peer.write id=%d kind=%s err=%v", p.id, kind, err)
		p.teardown(true)
		return p.errorf(ErrConnectionClosed, kind, sid, cid, err)
	}
	p.framesOut++
	observability.RecordFrame("out", kind)
	return nil
}

func (p *Peer) onRegisterServices(sm ServiceMap) error {
	sids := sm.Services()
	for _, sid := range sids {
		if _, ok := p.services[sid]; ok {
			return p.errorf(ErrServiceRegistered, "register_services", sid, ids.NullConn, nil)
		}
		if _, ok := p.relayed[sid]; ok {
			return p.errorf(ErrServiceRegistered, "register_services", sid, ids.NullConn, errors.New("service is relayed"))
		}
	}
	p.nextKey++
	key := p.nextKey
	p.serviceMaps[key] = sm
	for _, sid := range sids {
		p.services[sid] = key
	}
	logs.Debugf("peer.Peer.onRegisterServices id=%d key=%d services=%d", p.id, key, len(sids))
	return nil
}

func (p *Peer) teardown(remote bool) {
	if p.out == nil {
		return
	}
	p.state.Store(int32(StateClosing))
	if remote {
		p.events.publish(Event{Kind: EventClosedByRemote})
	} else {
		p.events.publish(Event{Kind: EventClosed})
	}
	logs.Infof("peer.Peer.teardown id=%d name=%q remote=%v pending=%d", p.id, p.name, remote, len(p.responses))

	p.out = nil
	if err := p.conn.Close(); err != nil {
		logs.Debugf("peer.Peer.teardown id=%d close conn: %v", p.id, err)
	}
	for cid, ch := range p.responses {
		ch <- callResult{err: ErrLostConnection}
		delete(p.responses, cid)
	}
	for _, r := range p.relays {
		r.stopWatch()
	}
	clear(p.services)
	clear(p.serviceMaps)
	clear(p.relayed)
	clear(p.relays)

	final := p.snapshot()
	final.State = StateClosed.String()
	p.final.Store(&final)

	p.cancel()
	p.events.close()
	observability.PeerClosed()
}

func (p *Peer) snapshot() Snapshot {
	s := Snapshot{
		ID:            p.id,
		Name:          p.name,
		State:         p.State().String(),
		Services:      make([]string, 0, len(p.services)),
		Relayed:       make(map[string]uint64, len(p.relayed)),
		Relays:        make([]RelayInfo, 0, len(p.relays)),
		PendingCalls:  len(p.responses),
		FramesIn:      p.framesIn,
		FramesOut:     p.framesOut,
		EventsDropped: p.events.dropped(),
	}
	for sid := range p.services {
		s.Services = append(s.Services, sid.String())
	}
	sort.Strings(s.Services)
	for sid, id := range p.relayed {
		s.Relayed[sid.String()] = id
	}
	for id, r := range p.relays {
		s.Relays = append(s.Relays, RelayInfo{ID: id, Name: r.peer.Name(), Lost: r.lost})
	}
	sort.Slice(s.Relays, func(i, j int) bool { return s.Relays[i].ID < s.Relays[j].ID })
	return s
}

func (p *Peer) spawn(work Work) {
	if work == nil {
		return
	}
	go work(p.ctx)
}

func (p *Peer) errCtx(op string, sid ids.ServiceID, cid ids.ConnID) ErrorContext {
	return ErrorContext{PeerID: p.id, PeerName: p.name, Service: sid, Conn: cid, Context: op}
}

func (p *Peer) errorf(kind error, op string, sid ids.ServiceID, cid ids.ConnID, err error) *Error {
	return &Error{Kind: kind, Ctx: p.errCtx(op, sid, cid), Err: err}
}

func (p *Peer) closedErr(op string, sid ids.ServiceID, cid ids.ConnID) *Error {
	return p.errorf(ErrConnectionClosed, op, sid, cid, nil)
}
