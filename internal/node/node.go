// Package node wires the huddle protocol together.
//
// Design:
//   - One goroutine runs the discovery announce/sweep loop.
//   - One goroutine drains the transport and dispatches each datagram by
//     packet kind to discovery, the group machine or the broadcaster.
//   - Operator calls (Create, Join, Send, Leave) run on the caller's
//     goroutine. Join blocks until its handshake resolves.
//   - Group changes install the group key into the broadcaster, so a node
//     can send from the moment it becomes Owner or Member.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Operative-001/huddle/internal/broadcast"
	"github.com/Operative-001/huddle/internal/discovery"
	"github.com/Operative-001/huddle/internal/group"
	"github.com/Operative-001/huddle/internal/logger"
	"github.com/Operative-001/huddle/internal/metrics"
	"github.com/Operative-001/huddle/internal/peer"
	"github.com/Operative-001/huddle/internal/protocol"
	"github.com/Operative-001/huddle/internal/transport"
)

const defaultEventBuffer = 256

// Config configures a Node. Zero durations and sizes take the package
// defaults of the component they belong to.
type Config struct {
	ID        peer.ID // generated when empty
	Transport transport.Transport
	Clock     clock.Clock
	Metrics   *metrics.Metrics

	AnnounceInterval time.Duration
	LivenessTimeout  time.Duration
	JoinTimeout      time.Duration
	DedupWindow      int
	DedupTTL         time.Duration
	EventBuffer      int
}

// Status is a point-in-time summary of the node.
type Status struct {
	ID       peer.ID
	Addr     string
	State    group.State
	Group    group.Group // zero unless InGroup
	InGroup  bool
	Peers    int
	Sendable bool
}

// Node is one huddle participant.
type Node struct {
	id      peer.ID
	tr      transport.Transport
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	disc *discovery.Engine
	grp  *group.Machine
	bc   *broadcast.Broadcaster

	events   chan Event
	evMu     sync.RWMutex
	evClosed bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	eg      *errgroup.Group
	started bool
	stopped bool
}

// New creates a Node. Nothing touches the network until Start.
func New(cfg Config) (*Node, error) {
	if cfg.Transport == nil {
		return nil, errors.New("node: no transport")
	}
	if cfg.ID == "" {
		id, err := peer.NewID()
		if err != nil {
			return nil, fmt.Errorf("node: generate id: %w", err)
		}
		cfg.ID = id
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	n := &Node{
		id:      cfg.ID,
		tr:      cfg.Transport,
		log:     logger.Named("node").With("self", cfg.ID.Short()),
		metrics: cfg.Metrics,
		events:  make(chan Event, cfg.EventBuffer),
	}

	discOpts := []discovery.Option{
		discovery.WithClock(cfg.Clock),
		discovery.WithLogger(logger.Named("discovery")),
		discovery.WithMetrics(cfg.Metrics),
		discovery.OnEvent(n.onPeerEvent),
	}
	if cfg.AnnounceInterval > 0 {
		discOpts = append(discOpts, discovery.WithInterval(cfg.AnnounceInterval))
	}
	if cfg.LivenessTimeout > 0 {
		discOpts = append(discOpts, discovery.WithLivenessTimeout(cfg.LivenessTimeout))
	}
	disc, err := discovery.New(cfg.ID, cfg.Transport, discOpts...)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	n.disc = disc

	grpOpts := []group.Option{
		group.WithClock(cfg.Clock),
		group.WithLogger(logger.Named("group")),
		group.WithMetrics(cfg.Metrics),
		group.WithListener(n.onGroupChange),
	}
	if cfg.JoinTimeout > 0 {
		grpOpts = append(grpOpts, group.WithJoinTimeout(cfg.JoinTimeout))
	}
	n.grp = group.New(cfg.ID, cfg.Transport, disc, grpOpts...)

	n.bc = broadcast.New(cfg.ID, cfg.Transport, disc,
		broadcast.WithClock(cfg.Clock),
		broadcast.WithLogger(logger.Named("broadcast")),
		broadcast.WithMetrics(cfg.Metrics),
		broadcast.WithWindow(cfg.DedupWindow, cfg.DedupTTL),
		broadcast.OnMessage(n.onMessage),
	)
	return n, nil
}

// Start opens the transport and launches the discovery and receive loops.
// The loops stop when ctx is cancelled or Stop is called.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started || n.stopped {
		return errors.New("node: already started")
	}
	if err := n.tr.Start(); err != nil {
		return fmt.Errorf("node: transport start: %w", err)
	}
	ctx, n.cancel = context.WithCancel(ctx)
	n.eg, ctx = errgroup.WithContext(ctx)
	n.eg.Go(func() error { return n.disc.Run(ctx) })
	n.eg.Go(func() error { return n.receiveLoop(ctx) })
	n.started = true
	n.log.Infow("node started", "addr", n.tr.Addr())
	return nil
}

// Stop cancels the loops, waits for them and closes the transport. Safe to
// call more than once.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return nil
	}
	n.stopped = true

	var err error
	if n.started {
		n.cancel()
		err = n.eg.Wait()
		err = multierr.Append(err, n.tr.Close())
	}
	n.evMu.Lock()
	n.evClosed = true
	close(n.events)
	n.evMu.Unlock()
	n.log.Infow("node stopped")
	return err
}

// ID returns this node's peer id.
func (n *Node) ID() peer.ID { return n.id }

// Events returns the node's event stream. It is closed by Stop.
func (n *Node) Events() <-chan Event { return n.events }

// Create starts a new group owned by this node.
func (n *Node) Create() (group.Group, error) {
	return n.grp.Create()
}

// Join resolves ref (a peer id or unique prefix) among live peers and joins
// the group that peer belongs to.
func (n *Node) Join(ctx context.Context, ref string) (group.Group, error) {
	if st := n.grp.State(); st != group.NoGroup {
		return group.Group{}, fmt.Errorf("%w (%s)", group.ErrAlreadyInGroup, st)
	}
	target, err := n.disc.Resolve(ref)
	if err != nil {
		return group.Group{}, err
	}
	return n.grp.Join(ctx, target.ID)
}

// Send encrypts text under the group key and sends it to every live member.
func (n *Node) Send(text string) (protocol.AppMessage, error) {
	return n.bc.Send(text)
}

// Leave drops the local group. Other members keep this node in their set.
func (n *Node) Leave() error {
	return n.grp.Reset()
}

// Peers returns the live peer set.
func (n *Node) Peers() []peer.Info {
	return n.disc.Peers()
}

// Status summarises the node.
func (n *Node) Status() Status {
	g, ok := n.grp.Snapshot()
	return Status{
		ID:       n.id,
		Addr:     n.tr.Addr(),
		State:    n.grp.State(),
		Group:    g,
		InGroup:  ok,
		Peers:    len(n.disc.Peers()),
		Sendable: n.bc.Active(),
	}
}

func (n *Node) receiveLoop(ctx context.Context) error {
	in := n.tr.Incoming()
	for {
		select {
		case <-ctx.Done():
			return nil
		case dg, ok := <-in:
			if !ok {
				return nil
			}
			n.handleDatagram(dg)
		}
	}
}

func (n *Node) handleDatagram(dg transport.Datagram) {
	pkt, err := protocol.Decode(dg.Data)
	if err != nil {
		n.log.Debugw("dropping datagram", "from", dg.From, "err", err)
		n.metrics.Dropped(metrics.DropMalformed)
		return
	}
	n.metrics.Received(pkt.Kind().String())

	switch p := pkt.(type) {
	case *protocol.Announce:
		n.disc.HandleAnnounce(*p, dg.From)
	case *protocol.JoinRequest:
		n.grp.HandleJoinRequest(*p, dg.From)
	case *protocol.JoinResponse:
		n.grp.HandleJoinResponse(*p)
	case *protocol.MembershipUpdate:
		if err := n.grp.HandleMembershipUpdate(*p); err != nil {
			n.log.Debugw("membership update rejected", "group", p.GroupID, "epoch", p.Epoch, "err", err)
			if errors.Is(err, group.ErrStaleEpoch) {
				n.metrics.Dropped(metrics.DropStaleEpoch)
			} else {
				n.metrics.Dropped(metrics.DropIgnored)
			}
		}
	case *protocol.AppMessage:
		// Drops are logged and counted by the broadcaster.
		_, _ = n.bc.HandleMessage(*p)
	}
}

func (n *Node) onPeerEvent(ev discovery.Event) {
	switch ev.Kind {
	case discovery.PeerDiscovered:
		n.emit(Event{Kind: PeerDiscovered, Peer: ev.Peer})
	case discovery.PeerLost:
		n.emit(Event{Kind: PeerLost, Peer: ev.Peer})
	}
}

// onGroupChange runs under the group machine's lock, so the broadcaster
// sees views in transition order.
func (n *Node) onGroupChange(c group.Change) {
	var kind EventKind
	switch c.Kind {
	case group.Created:
		kind = GroupCreated
	case group.Joined:
		kind = GroupJoined
	case group.MembersChanged:
		kind = MembersChanged
	case group.Left:
		n.bc.Clear()
		n.emit(Event{Kind: GroupLeft})
		return
	default:
		return
	}
	n.bc.Install(broadcast.View{
		GroupID: c.Group.ID,
		Epoch:   c.Group.Epoch,
		Members: c.Group.Members,
		Key:     c.Group.Key,
	})
	n.emit(Event{Kind: kind, Group: c.Group})
}

func (n *Node) onMessage(d broadcast.Delivery) {
	n.emit(Event{Kind: MessageReceived, Message: d})
}
