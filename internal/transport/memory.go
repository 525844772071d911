package transport

import (
	"fmt"
	"sync"
)

// Filter decides whether a datagram from one address to another is
// delivered. Returning false drops it, simulating packet loss.
type Filter func(from, to string, b []byte) bool

// Segment is an in-process broadcast domain for tests. Transports attached
// to the same Segment can reach each other by address and by broadcast.
type Segment struct {
	mu     sync.RWMutex
	nodes  map[string]*MemoryTransport
	nextID int
	filter Filter
}

// NewSegment returns an empty segment.
func NewSegment() *Segment {
	return &Segment{nodes: make(map[string]*MemoryTransport)}
}

// SetFilter installs f for every subsequent delivery. nil delivers everything.
func (s *Segment) SetFilter(f Filter) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

// Attach creates a transport on the segment with a unique address.
func (s *Segment) Attach() *MemoryTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &MemoryTransport{
		seg:      s,
		addr:     fmt.Sprintf("mem-%d", s.nextID),
		incoming: make(chan Datagram, 1024),
	}
	s.nodes[t.addr] = t
	return t
}

func (s *Segment) deliver(from string, to *MemoryTransport, b []byte) {
	s.mu.RLock()
	f := s.filter
	s.mu.RUnlock()
	if f != nil && !f(from, to.addr, b) {
		return
	}
	dg := Datagram{From: from, Data: append([]byte(nil), b...)}
	select {
	case to.incoming <- dg:
	default:
		// Receiver backlog full; the network dropped it.
	}
}

// MemoryTransport is one node's attachment to a Segment.
type MemoryTransport struct {
	seg      *Segment
	addr     string
	incoming chan Datagram

	mu     sync.Mutex
	closed bool
}

func (t *MemoryTransport) Start() error { return nil }

func (t *MemoryTransport) Addr() string { return t.addr }

func (t *MemoryTransport) SendTo(addr string, b []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	t.seg.mu.RLock()
	dst, ok := t.seg.nodes[addr]
	t.seg.mu.RUnlock()
	if !ok {
		// Like UDP: sending to an absent host is silent.
		return nil
	}
	t.seg.deliver(t.addr, dst, b)
	return nil
}

func (t *MemoryTransport) Broadcast(b []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	t.seg.mu.RLock()
	peers := make([]*MemoryTransport, 0, len(t.seg.nodes))
	for addr, p := range t.seg.nodes {
		if addr != t.addr {
			peers = append(peers, p)
		}
	}
	t.seg.mu.RUnlock()

	for _, p := range peers {
		t.seg.deliver(t.addr, p, b)
	}
	return nil
}

func (t *MemoryTransport) Incoming() <-chan Datagram {
	return t.incoming
}

// Close detaches the transport from its segment.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.seg.mu.Lock()
	delete(t.seg.nodes, t.addr)
	t.seg.mu.Unlock()
	return nil
}

func (t *MemoryTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
