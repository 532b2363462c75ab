// Package statsbus holds the proxy's global traffic counters and a small
// broadcast event stream the observability layer subscribes to.
package statsbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// PortStats are the counters kept separately for the internal and external
// listeners.
type PortStats struct {
	BytesUp   int64
	BytesDown int64
	Conns     int64
}

func (p *PortStats) addUp(n int64)   { atomic.AddInt64(&p.BytesUp, n) }
func (p *PortStats) addDown(n int64) { atomic.AddInt64(&p.BytesDown, n) }

// Snapshot is an immutable copy of Stats at one point in time.
type Snapshot struct {
	BytesUp    int64
	BytesDown  int64
	Errors     int64
	SocksOK    int64
	SocksFail  int64
	PolicyDrop int64
	Internal   PortStats
	External   PortStats
}

// Stats is the set of atomic counters tracked for the whole process.
type Stats struct {
	bytesUp    int64
	bytesDown  int64
	errors     int64
	socksOK    int64
	socksFail  int64
	policyDrop int64

	internal PortStats
	external PortStats
}

// New returns a zeroed Stats.
func New() *Stats { return &Stats{} }

func (s *Stats) AddUp(n int64)   { atomic.AddInt64(&s.bytesUp, n) }
func (s *Stats) AddDown(n int64) { atomic.AddInt64(&s.bytesDown, n) }

// AddUpIngress attributes upload bytes to a named listener in addition to
// the global counter.
func (s *Stats) AddUpIngress(external bool, n int64) {
	s.AddUp(n)
	if external {
		s.external.addUp(n)
	} else {
		s.internal.addUp(n)
	}
}

// AddDownIngress attributes download bytes to a named listener in addition
// to the global counter.
func (s *Stats) AddDownIngress(external bool, n int64) {
	s.AddDown(n)
	if external {
		s.external.addDown(n)
	} else {
		s.internal.addDown(n)
	}
}

func (s *Stats) IncError()     { atomic.AddInt64(&s.errors, 1) }
func (s *Stats) IncSocksOK()   { atomic.AddInt64(&s.socksOK, 1) }
func (s *Stats) IncSocksFail() { atomic.AddInt64(&s.socksFail, 1) }
func (s *Stats) IncPolicyDrop() { atomic.AddInt64(&s.policyDrop, 1) }

// IncConn bumps the per-listener connection counter.
func (s *Stats) IncConn(external bool) {
	if external {
		atomic.AddInt64(&s.external.Conns, 1)
	} else {
		atomic.AddInt64(&s.internal.Conns, 1)
	}
}

// Snapshot returns a consistent-enough read of every counter.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		BytesUp:    atomic.LoadInt64(&s.bytesUp),
		BytesDown:  atomic.LoadInt64(&s.bytesDown),
		Errors:     atomic.LoadInt64(&s.errors),
		SocksOK:    atomic.LoadInt64(&s.socksOK),
		SocksFail:  atomic.LoadInt64(&s.socksFail),
		PolicyDrop: atomic.LoadInt64(&s.policyDrop),
		Internal: PortStats{
			BytesUp:   atomic.LoadInt64(&s.internal.BytesUp),
			BytesDown: atomic.LoadInt64(&s.internal.BytesDown),
			Conns:     atomic.LoadInt64(&s.internal.Conns),
		},
		External: PortStats{
			BytesUp:   atomic.LoadInt64(&s.external.BytesUp),
			BytesDown: atomic.LoadInt64(&s.external.BytesDown),
			Conns:     atomic.LoadInt64(&s.external.Conns),
		},
	}
}

// EventKind names the lifecycle stages an Event can describe.
type EventKind string

const (
	ConnOpen   EventKind = "conn_open"
	ConnTarget EventKind = "conn_target"
	ConnClose  EventKind = "conn_close"
)

// Event is one entry in the observability event stream.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Kind      EventKind `json:"kind"`
	ConnID    uint64    `json:"cid"`
	Peer      string    `json:"peer,omitempty"`
	Target    string    `json:"target,omitempty"`
	Mode      string    `json:"mode,omitempty"`
}

func NewConnOpen(cid uint64, peer string) Event {
	return Event{Timestamp: time.Now(), Kind: ConnOpen, ConnID: cid, Peer: peer}
}

func NewConnTarget(cid uint64, target, mode string) Event {
	return Event{Timestamp: time.Now(), Kind: ConnTarget, ConnID: cid, Target: target, Mode: mode}
}

func NewConnClose(cid uint64) Event {
	return Event{Timestamp: time.Now(), Kind: ConnClose, ConnID: cid}
}

// Bus fans a stream of Events out to any number of subscribers. A slow or
// absent subscriber never blocks publishers: events are dropped for a
// subscriber whose channel is full.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function that must be called when the listener goes away.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}
}

// Publish fans an event out to every current subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
