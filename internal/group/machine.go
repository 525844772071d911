package group

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Operative-001/huddle/internal/crypto"
	"github.com/Operative-001/huddle/internal/logger"
	"github.com/Operative-001/huddle/internal/metrics"
	"github.com/Operative-001/huddle/internal/peer"
	"github.com/Operative-001/huddle/internal/protocol"
)

const DefaultJoinTimeout = 5 * time.Second

// Transport is the part of the network the machine sends through.
type Transport interface {
	Addr() string
	SendTo(addr string, b []byte) error
}

// PeerSet resolves live peers to addresses.
type PeerSet interface {
	Lookup(id peer.ID) (peer.Info, bool)
}

// Machine holds the group state of one node. All transitions are serialised
// by its mutex; network sends happen outside it.
type Machine struct {
	self        peer.ID
	tr          Transport
	peers       PeerSet
	clock       clock.Clock
	joinTimeout time.Duration
	log         *zap.SugaredLogger
	metrics     *metrics.Metrics
	listener    func(Change)

	mu      sync.Mutex
	state   State
	group   *Group
	pending *pendingJoin
}

// pendingJoin tracks the one outstanding join. Resolution happens exactly
// once, by whichever of response, timeout, cancellation or Reset comes first.
type pendingJoin struct {
	id     string
	target peer.ID
	hs     *crypto.Handshake
	timer  *clock.Timer
	done   chan joinResult
}

type joinResult struct {
	group Group
	err   error
}

// Option configures a Machine.
type Option func(*Machine)

func WithClock(c clock.Clock) Option         { return func(m *Machine) { m.clock = c } }
func WithJoinTimeout(d time.Duration) Option { return func(m *Machine) { m.joinTimeout = d } }
func WithLogger(l *zap.SugaredLogger) Option { return func(m *Machine) { m.log = l } }
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Machine) { m.metrics = mt } }

// WithListener registers fn for every Change. fn runs while the machine's
// lock is held, so changes arrive in order; it must not call back into the
// Machine.
func WithListener(fn func(Change)) Option { return func(m *Machine) { m.listener = fn } }

// New creates a Machine in the NoGroup state.
func New(self peer.ID, tr Transport, peers PeerSet, opts ...Option) *Machine {
	m := &Machine{
		self:        self,
		tr:          tr,
		peers:       peers,
		clock:       clock.New(),
		joinTimeout: DefaultJoinTimeout,
		log:         logger.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a copy of the current group, if any.
func (m *Machine) Snapshot() (Group, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.group == nil {
		return Group{}, false
	}
	return m.group.clone(), true
}

// Create starts a new group owned by this node.
func (m *Machine) Create() (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != NoGroup {
		return Group{}, fmt.Errorf("%w (%s)", ErrAlreadyInGroup, m.state)
	}
	key, err := crypto.GenerateGroupKey(0)
	if err != nil {
		return Group{}, fmt.Errorf("group: generate key: %w", err)
	}
	m.group = &Group{
		ID:      uuid.NewString(),
		Owner:   m.self,
		Members: []peer.ID{m.self},
		Key:     key,
		Epoch:   0,
	}
	m.state = Owner
	g := m.group.clone()
	m.log.Infow("group created", "group", g.ID)
	m.metrics.SetEpoch(g.Epoch)
	m.notify(Change{Kind: Created, Group: g})
	return g, nil
}

// Join asks target for admission and blocks until the join resolves.
// On ErrJoinTimeout, ErrUnwrapFailed or cancellation the machine is back in
// NoGroup and the operator may retry.
func (m *Machine) Join(ctx context.Context, target peer.ID) (Group, error) {
	m.mu.Lock()
	if m.state != NoGroup {
		st := m.state
		m.mu.Unlock()
		return Group{}, fmt.Errorf("%w (%s)", ErrAlreadyInGroup, st)
	}
	info, ok := m.peers.Lookup(target)
	if !ok || target == m.self {
		m.mu.Unlock()
		return Group{}, fmt.Errorf("%w: %s", ErrPeerNotFound, target)
	}
	hs, err := crypto.GenerateHandshake()
	if err != nil {
		m.mu.Unlock()
		return Group{}, fmt.Errorf("group: handshake: %w", err)
	}
	p := &pendingJoin{
		id:     uuid.NewString(),
		target: target,
		hs:     hs,
		done:   make(chan joinResult, 1),
	}
	m.pending = p
	m.state = Joining
	p.timer = m.clock.AfterFunc(m.joinTimeout, func() {
		m.resolveJoin(p.id, joinResult{err: ErrJoinTimeout})
	})
	m.mu.Unlock()

	m.log.Infow("joining", "target", target, "request", p.id)
	req := &protocol.JoinRequest{
		RequestID: p.id,
		PeerID:    m.self,
		ReplyAddr: m.tr.Addr(),
		Handshake: hs.Public[:],
	}
	if err := m.send(info.Addr, req); err != nil {
		m.resolveJoin(p.id, joinResult{err: fmt.Errorf("group: send join request: %w", err)})
	}

	select {
	case res := <-p.done:
		return res.group, res.err
	case <-ctx.Done():
		m.resolveJoin(p.id, joinResult{err: ctx.Err()})
		res := <-p.done
		return res.group, res.err
	}
}

// HandleJoinResponse completes a pending join with a matching request id.
// Responses for other or already-resolved requests are ignored.
func (m *Machine) HandleJoinResponse(resp protocol.JoinResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pending
	if m.state != Joining || p == nil || p.id != resp.RequestID {
		m.log.Debugw("ignoring join response", "request", resp.RequestID, "state", m.state)
		return
	}
	if !peer.Contains(resp.Members, m.self) {
		m.log.Debugw("join response does not list us", "request", resp.RequestID)
		return
	}
	key, err := crypto.Unwrap(resp.WrappedKey, p.hs, joinAAD(resp.RequestID, resp.GroupID))
	if err != nil {
		m.resolveLocked(p, joinResult{err: err})
		return
	}
	m.resolveLocked(p, joinResult{group: Group{
		ID:      resp.GroupID,
		Owner:   resp.Owner,
		Members: peer.Union(resp.Members, nil),
		Key:     key,
		Epoch:   resp.Epoch,
	}})
}

func (m *Machine) resolveJoin(id string, res joinResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil || m.pending.id != id {
		// Already resolved; a late timer or response is a no-op.
		return
	}
	m.resolveLocked(m.pending, res)
}

func (m *Machine) resolveLocked(p *pendingJoin, res joinResult) {
	m.pending = nil
	p.timer.Stop()
	p.hs.Wipe()

	if res.err != nil {
		m.state = NoGroup
		m.log.Infow("join failed", "target", p.target, "err", res.err)
		m.metrics.Join(joinOutcome(res.err))
	} else {
		g := res.group
		m.group = &g
		m.state = Member
		res.group = g.clone()
		m.log.Infow("joined group", "group", g.ID, "epoch", g.Epoch, "members", len(g.Members))
		m.metrics.Join("ok")
		m.metrics.SetEpoch(g.Epoch)
		m.notify(Change{Kind: Joined, Group: res.group})
	}
	p.done <- res
}

// HandleJoinRequest answers a join. Only the owner admits; a member forwards
// the request to the owner; a node without a group ignores it.
func (m *Machine) HandleJoinRequest(req protocol.JoinRequest, from string) {
	if req.ReplyAddr == "" {
		req.ReplyAddr = from
	}

	m.mu.Lock()
	switch m.state {
	case NoGroup, Joining:
		st := m.state
		m.mu.Unlock()
		m.log.Debugw("ignoring join request without a group", "from", req.PeerID, "state", st)
		return
	case Member:
		owner := m.group.Owner
		m.mu.Unlock()
		m.forward(req, owner)
		return
	}

	if req.PeerID == m.self {
		m.mu.Unlock()
		return
	}
	g := m.group
	// Wrap before touching the member set so a request whose handshake
	// cannot be used leaves the group as it was.
	var hsPub [32]byte
	copy(hsPub[:], req.Handshake)
	wrapped, err := crypto.Wrap(g.Key, hsPub, joinAAD(req.RequestID, g.ID))
	if err != nil {
		m.mu.Unlock()
		m.log.Infow("rejecting join request, bad handshake", "peer", req.PeerID, "err", err)
		m.metrics.Join("rejected")
		return
	}
	added := !g.HasMember(req.PeerID)
	if added {
		g.Members = peer.Union(g.Members, []peer.ID{req.PeerID})
		g.Epoch++
	}
	snap := g.clone()
	if added {
		m.log.Infow("admitted member", "peer", req.PeerID, "epoch", snap.Epoch)
		m.metrics.SetEpoch(snap.Epoch)
		m.notify(Change{Kind: MembersChanged, Group: snap})
	}
	m.mu.Unlock()

	resp := &protocol.JoinResponse{
		RequestID:  req.RequestID,
		GroupID:    snap.ID,
		Owner:      m.self,
		WrappedKey: wrapped,
		Members:    snap.Members,
		Epoch:      snap.Epoch,
	}
	if err := m.send(req.ReplyAddr, resp); err != nil {
		m.log.Warnw("send join response", "peer", req.PeerID, "err", err)
	}
	if added {
		m.propagate(snap, req.PeerID)
	}
}

// forward relays a join request to the owner unchanged. ReplyAddr already
// points at the requester, so the owner answers it directly.
func (m *Machine) forward(req protocol.JoinRequest, owner peer.ID) {
	info, ok := m.peers.Lookup(owner)
	if !ok {
		m.log.Infow("cannot forward join request, owner not live", "from", req.PeerID, "owner", owner)
		return
	}
	m.log.Debugw("forwarding join request to owner", "from", req.PeerID, "owner", owner)
	if err := m.send(info.Addr, &req); err != nil {
		m.log.Warnw("forward join request", "owner", owner, "err", err)
	}
}

// propagate sends the new member set to every live member except this node
// and the newcomer, who already has it in the JoinResponse.
func (m *Machine) propagate(g Group, newcomer peer.ID) {
	update := &protocol.MembershipUpdate{
		GroupID: g.ID,
		Owner:   g.Owner,
		Members: g.Members,
		Epoch:   g.Epoch,
	}
	for _, id := range g.Members {
		if id == m.self || id == newcomer {
			continue
		}
		info, ok := m.peers.Lookup(id)
		if !ok {
			m.log.Debugw("member not live, skipping update", "peer", id)
			continue
		}
		if err := m.send(info.Addr, update); err != nil {
			m.log.Warnw("send membership update", "peer", id, "err", err)
		}
	}
}

// HandleMembershipUpdate merges a newer member set. Updates with an epoch at
// or below the local one return ErrStaleEpoch and change nothing.
func (m *Machine) HandleMembershipUpdate(u protocol.MembershipUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.group == nil {
		return ErrNotInGroup
	}
	g := m.group
	if u.GroupID != g.ID {
		return ErrGroupMismatch
	}
	if u.Epoch <= g.Epoch {
		return fmt.Errorf("%w: update %d, local %d", ErrStaleEpoch, u.Epoch, g.Epoch)
	}
	g.Members = peer.Union(g.Members, u.Members)
	g.Epoch = u.Epoch
	snap := g.clone()
	m.log.Infow("membership updated", "group", g.ID, "epoch", g.Epoch, "members", len(g.Members))
	m.metrics.SetEpoch(g.Epoch)
	m.notify(Change{Kind: MembersChanged, Group: snap})
	return nil
}

// Reset drops the local group (operator "leave"). Other members are not
// told; the group only ever grows from their point of view. A pending join
// is resolved with ErrJoinCancelled.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case NoGroup:
		return ErrNotInGroup
	case Joining:
		m.resolveLocked(m.pending, joinResult{err: ErrJoinCancelled})
		return nil
	}
	m.log.Infow("left group", "group", m.group.ID)
	m.group = nil
	m.state = NoGroup
	m.metrics.SetEpoch(0)
	m.notify(Change{Kind: Left})
	return nil
}

func (m *Machine) notify(c Change) {
	if m.listener != nil {
		m.listener(c)
	}
}

func (m *Machine) send(addr string, p protocol.Packet) error {
	b, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	return m.tr.SendTo(addr, b)
}

// joinAAD binds wrapped key material to one request and one group.
func joinAAD(requestID, groupID string) []byte {
	return []byte(requestID + "|" + groupID)
}

func joinOutcome(err error) string {
	switch {
	case errors.Is(err, ErrJoinTimeout):
		return "timeout"
	case errors.Is(err, ErrUnwrapFailed):
		return "unwrap_failed"
	case errors.Is(err, ErrJoinCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}
