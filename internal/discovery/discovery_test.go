package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Operative-001/huddle/internal/peer"
	"github.com/Operative-001/huddle/internal/protocol"
)

type fakeNet struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeNet) Addr() string { return "self:1" }

func (f *fakeNet) Broadcast(b []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, b)
	f.mu.Unlock()
	return nil
}

func (f *fakeNet) first() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[0]
}

func (f *fakeNet) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func newEngine(t *testing.T) (*Engine, *clock.Mock, *fakeNet, *recorder) {
	t.Helper()
	mock := clock.NewMock()
	net := &fakeNet{}
	rec := &recorder{}
	e, err := New("self", net,
		WithClock(mock),
		WithInterval(time.Second),
		WithLivenessTimeout(3*time.Second),
		OnEvent(rec.add),
	)
	require.NoError(t, err)
	return e, mock, net, rec
}

func TestNewRejectsShortLiveness(t *testing.T) {
	_, err := New("self", &fakeNet{}, WithInterval(time.Second), WithLivenessTimeout(time.Second))
	assert.Error(t, err)
}

func TestDuplicateAnnounceEmitsOnce(t *testing.T) {
	e, mock, _, rec := newEngine(t)
	a := protocol.Announce{PeerID: "p1", Addr: "10.0.0.1:4000"}

	assert.True(t, e.HandleAnnounce(a, "10.0.0.1:4000"))
	first, _ := e.Lookup("p1")

	mock.Add(time.Millisecond)
	assert.False(t, e.HandleAnnounce(a, "10.0.0.1:4000"))

	assert.Equal(t, []EventKind{PeerDiscovered}, rec.kinds())
	require.Len(t, e.Peers(), 1)
	second, _ := e.Lookup("p1")
	assert.Equal(t, first.LastSeen.Add(time.Millisecond), second.LastSeen)
}

func TestOwnAnnounceIgnored(t *testing.T) {
	e, _, _, rec := newEngine(t)
	assert.False(t, e.HandleAnnounce(protocol.Announce{PeerID: "self", Addr: "self:1"}, "self:1"))
	assert.Empty(t, e.Peers())
	assert.Empty(t, rec.kinds())
}

func TestEmptyAddrFallsBackToSource(t *testing.T) {
	e, _, _, _ := newEngine(t)
	e.HandleAnnounce(protocol.Announce{PeerID: "p1"}, "10.0.0.9:5000")
	p, ok := e.Lookup("p1")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.9:5000", p.Addr)
}

func TestSweepEvictsSilentPeers(t *testing.T) {
	e, mock, _, rec := newEngine(t)
	e.HandleAnnounce(protocol.Announce{PeerID: "quiet", Addr: "a"}, "a")
	e.HandleAnnounce(protocol.Announce{PeerID: "chatty", Addr: "b"}, "b")

	for i := 0; i < 4; i++ {
		mock.Add(time.Second)
		e.HandleAnnounce(protocol.Announce{PeerID: "chatty", Addr: "b"}, "b")
		e.Sweep()
	}

	_, ok := e.Lookup("quiet")
	assert.False(t, ok)
	_, ok = e.Lookup("chatty")
	assert.True(t, ok)
	assert.Equal(t, []EventKind{PeerDiscovered, PeerDiscovered, PeerLost}, rec.kinds())

	// A lost peer that comes back is discovered again.
	e.HandleAnnounce(protocol.Announce{PeerID: "quiet", Addr: "a"}, "a")
	assert.Equal(t, PeerDiscovered, rec.kinds()[3])
}

func TestSweepToleratesMissedAnnouncements(t *testing.T) {
	e, mock, _, _ := newEngine(t)
	e.HandleAnnounce(protocol.Announce{PeerID: "p1", Addr: "a"}, "a")
	mock.Add(3 * time.Second)
	e.Sweep()
	_, ok := e.Lookup("p1")
	assert.True(t, ok, "a peer exactly at the timeout is still live")
}

func TestResolve(t *testing.T) {
	e, _, _, _ := newEngine(t)
	e.HandleAnnounce(protocol.Announce{PeerID: "abc111", Addr: "a"}, "a")
	e.HandleAnnounce(protocol.Announce{PeerID: "abc222", Addr: "b"}, "b")
	e.HandleAnnounce(protocol.Announce{PeerID: "xyz333", Addr: "c"}, "c")

	p, err := e.Resolve("xyz")
	require.NoError(t, err)
	assert.Equal(t, peer.ID("xyz333"), p.ID)

	p, err = e.Resolve("abc222")
	require.NoError(t, err)
	assert.Equal(t, "b", p.Addr)

	_, err = e.Resolve("abc")
	assert.ErrorIs(t, err, ErrAmbiguousPeer)
	_, err = e.Resolve("nope")
	assert.ErrorIs(t, err, ErrPeerNotFound)
	_, err = e.Resolve("")
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestRunAnnouncesPeriodically(t *testing.T) {
	e, mock, net, _ := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return net.count() >= 3
	}, time.Second, 5*time.Millisecond)

	pkt, err := protocol.Decode(net.first())
	require.NoError(t, err)
	require.Equal(t, protocol.KindAnnounce, pkt.Kind())
	a := pkt.(*protocol.Announce)
	assert.Equal(t, peer.ID("self"), a.PeerID)
	assert.Equal(t, "self:1", a.Addr)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
