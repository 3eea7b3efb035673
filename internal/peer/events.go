package peer

import (
	"fmt"
	"sync"

	evbus "github.com/asaskevich/EventBus"
)

type EventKind int

const (
	EventClosed EventKind = iota + 1
	EventClosedByRemote
	// EventError is a connection-level error raised by this peer.
	EventError
	// EventRemoteError is a connection-level error reported by the remote.
	EventRemoteError
	EventRelayDisappeared
)

func (k EventKind) String() string {
	switch k {
	case EventClosed:
		return "closed"
	case EventClosedByRemote:
		return "closed_by_remote"
	case EventError:
		return "error"
	case EventRemoteError:
		return "remote_error"
	case EventRelayDisappeared:
		return "relay_disappeared"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type Event struct {
	Kind    EventKind
	Err     *ConnectionError
	RelayID uint64
}

func (e Event) String() string {
	switch e.Kind {
	case EventError, EventRemoteError:
		if e.Err != nil {
			return e.Kind.String() + ": " + string(e.Err.Kind)
		}
	case EventRelayDisappeared:
		return fmt.Sprintf("%s: relay=%d", e.Kind, e.RelayID)
	}
	return e.Kind.String()
}

// closing reports whether the event ends the emitting peer.
func (e Event) closing() bool {
	return e.Kind == EventClosed || e.Kind == EventClosedByRemote
}

const eventTopic = "peer:event"

// hub fans events out to subscribers. Each subscriber has a bounded queue;
// when it is full the oldest queued event is dropped so publishing never
// blocks frame processing. The bus carries one handler, fanout, so
// subscribers can leave without touching the bus.
type hub struct {
	mu      sync.Mutex
	bus     evbus.Bus
	subs    map[*subscriber]struct{}
	retired uint64
	closed  bool
}

type subscriber struct {
	ch      chan Event
	dropped uint64
}

func newHub() *hub {
	h := &hub{bus: evbus.New(), subs: make(map[*subscriber]struct{})}
	if err := h.bus.Subscribe(eventTopic, h.fanout); err != nil {
		panic(fmt.Sprintf("peer: event bus: %v", err))
	}
	return h
}

func (s *subscriber) deliver(ev Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}

// fanout runs under h.mu from publish.
func (h *hub) fanout(ev Event) {
	for s := range h.subs {
		s.deliver(ev)
	}
}

// subscribe registers a queue of the given capacity. The returned func
// removes it; the channel is then left open and receives nothing more.
func (h *hub) subscribe(capacity int) (<-chan Event, func()) {
	if capacity < 1 {
		capacity = 1
	}
	sub := &subscriber{ch: make(chan Event, capacity)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	h.subs[sub] = struct{}{}
	return sub.ch, func() { h.unsubscribe(sub) }
}

func (h *hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	h.retired += sub.dropped
	delete(h.subs, sub)
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.bus.Publish(eventTopic, ev)
}

// dropped sums events discarded across current and departed subscribers.
func (h *hub) dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.retired
	for s := range h.subs {
		n += s.dropped
	}
	return n
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		h.retired += s.dropped
		close(s.ch)
	}
	clear(h.subs)
}
