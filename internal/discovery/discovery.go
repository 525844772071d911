// Package discovery maintains the live peer set of the local segment.
//
// Every node broadcasts an Announce at a fixed interval. Receiving one
// inserts or refreshes the sender; a sweep on the same interval evicts peers
// that have been silent for longer than the liveness timeout. The live set
// is the only source of addresses for group traffic.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/Operative-001/huddle/internal/logger"
	"github.com/Operative-001/huddle/internal/metrics"
	"github.com/Operative-001/huddle/internal/peer"
	"github.com/Operative-001/huddle/internal/protocol"
)

const (
	DefaultInterval        = time.Second
	DefaultLivenessTimeout = 5 * time.Second
)

var (
	ErrPeerNotFound  = errors.New("discovery: peer not found")
	ErrAmbiguousPeer = errors.New("discovery: ambiguous peer reference")
)

// EventKind distinguishes discovery events.
type EventKind int

const (
	PeerDiscovered EventKind = iota + 1
	PeerLost
)

func (k EventKind) String() string {
	switch k {
	case PeerDiscovered:
		return "discovered"
	case PeerLost:
		return "lost"
	}
	return "unknown"
}

// Event reports a change to the live set.
type Event struct {
	Kind EventKind
	Peer peer.Info
}

// Broadcaster is the part of the transport the engine needs.
type Broadcaster interface {
	Addr() string
	Broadcast(b []byte) error
}

// Engine owns the live peer set.
type Engine struct {
	self     peer.ID
	tr       Broadcaster
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
	onEvent  func(Event)

	mu    sync.RWMutex
	peers map[peer.ID]*peer.Info
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c clock.Clock) Option             { return func(e *Engine) { e.clock = c } }
func WithInterval(d time.Duration) Option        { return func(e *Engine) { e.interval = d } }
func WithLivenessTimeout(d time.Duration) Option { return func(e *Engine) { e.timeout = d } }
func WithLogger(l *zap.SugaredLogger) Option     { return func(e *Engine) { e.log = l } }
func WithMetrics(m *metrics.Metrics) Option      { return func(e *Engine) { e.metrics = m } }

// OnEvent registers the callback for discovered/lost peers. It is called
// without the engine's lock held.
func OnEvent(fn func(Event)) Option { return func(e *Engine) { e.onEvent = fn } }

// New creates an Engine for the node self.
func New(self peer.ID, tr Broadcaster, opts ...Option) (*Engine, error) {
	e := &Engine{
		self:     self,
		tr:       tr,
		clock:    clock.New(),
		interval: DefaultInterval,
		timeout:  DefaultLivenessTimeout,
		log:      logger.Nop(),
		peers:    make(map[peer.ID]*peer.Info),
	}
	for _, o := range opts {
		o(e)
	}
	if e.interval <= 0 {
		return nil, errors.New("discovery: interval must be positive")
	}
	if e.timeout < 2*e.interval {
		return nil, fmt.Errorf("discovery: liveness timeout %s is below twice the interval %s", e.timeout, e.interval)
	}
	return e, nil
}

// Run announces immediately and then every interval, sweeping stale peers
// on each tick. It returns when ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.Announce()
	ticker := e.clock.Ticker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Announce()
			e.Sweep()
		}
	}
}

// Announce broadcasts this node's presence once.
func (e *Engine) Announce() {
	b, err := protocol.Encode(&protocol.Announce{PeerID: e.self, Addr: e.tr.Addr()})
	if err != nil {
		e.log.Errorw("encode announce", "err", err)
		return
	}
	if err := e.tr.Broadcast(b); err != nil {
		e.log.Warnw("broadcast announce", "err", err)
	}
}

// HandleAnnounce inserts or refreshes the announcing peer. It reports
// whether the peer was new. Repeated announcements only refresh LastSeen.
func (e *Engine) HandleAnnounce(a protocol.Announce, from string) bool {
	if a.PeerID == e.self {
		return false
	}
	addr := a.Addr
	if addr == "" {
		addr = from
	}
	now := e.clock.Now()

	e.mu.Lock()
	p, known := e.peers[a.PeerID]
	if known {
		p.LastSeen = now
		if p.Addr != addr {
			e.log.Debugw("peer address changed", "peer", a.PeerID, "old", p.Addr, "new", addr)
			p.Addr = addr
		}
		e.mu.Unlock()
		return false
	}
	info := peer.Info{ID: a.PeerID, Addr: addr, LastSeen: now}
	e.peers[a.PeerID] = &info
	n := len(e.peers)
	e.mu.Unlock()

	e.metrics.SetPeers(n)
	e.log.Infow("peer discovered", "peer", info.ID, "addr", info.Addr)
	e.emit(Event{Kind: PeerDiscovered, Peer: info})
	return true
}

// Sweep evicts peers silent for longer than the liveness timeout.
func (e *Engine) Sweep() {
	now := e.clock.Now()
	var lost []peer.Info

	e.mu.Lock()
	for id, p := range e.peers {
		if now.Sub(p.LastSeen) > e.timeout {
			lost = append(lost, *p)
			delete(e.peers, id)
		}
	}
	n := len(e.peers)
	e.mu.Unlock()

	if len(lost) == 0 {
		return
	}
	e.metrics.SetPeers(n)
	for _, p := range lost {
		e.log.Infow("peer lost", "peer", p.ID, "silent_for", now.Sub(p.LastSeen))
		e.emit(Event{Kind: PeerLost, Peer: p})
	}
}

// Lookup returns a copy of the live entry for id.
func (e *Engine) Lookup(id peer.ID) (peer.Info, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.peers[id]
	if !ok {
		return peer.Info{}, false
	}
	return *p, true
}

// Peers returns a snapshot of the live set sorted by id.
func (e *Engine) Peers() []peer.Info {
	e.mu.RLock()
	out := make([]peer.Info, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, *p)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve maps an operator reference (a full id or a unique prefix of one)
// to a live peer.
func (e *Engine) Resolve(ref string) (peer.Info, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return peer.Info{}, ErrPeerNotFound
	}
	if p, ok := e.Lookup(peer.ID(ref)); ok {
		return p, nil
	}
	var match []peer.Info
	for _, p := range e.Peers() {
		if strings.HasPrefix(string(p.ID), ref) {
			match = append(match, p)
		}
	}
	switch len(match) {
	case 0:
		return peer.Info{}, fmt.Errorf("%w: %s", ErrPeerNotFound, ref)
	case 1:
		return match[0], nil
	}
	return peer.Info{}, fmt.Errorf("%w: %q matches %d peers", ErrAmbiguousPeer, ref, len(match))
}

func (e *Engine) emit(ev Event) {
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}
