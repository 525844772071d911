package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, tr Transport) Datagram {
	t.Helper()
	select {
	case dg := <-tr.Incoming():
		return dg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for datagram")
	}
	return Datagram{}
}

func assertEmpty(t *testing.T, tr Transport) {
	t.Helper()
	select {
	case dg := <-tr.Incoming():
		t.Fatalf("unexpected datagram from %s", dg.From)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryBroadcastReachesOthers(t *testing.T) {
	seg := NewSegment()
	a, b, c := seg.Attach(), seg.Attach(), seg.Attach()

	require.NoError(t, a.Broadcast([]byte("hi")))

	for _, tr := range []*MemoryTransport{b, c} {
		dg := recv(t, tr)
		assert.Equal(t, a.Addr(), dg.From)
		assert.Equal(t, []byte("hi"), dg.Data)
	}
	assertEmpty(t, a)
}

func TestMemorySendTo(t *testing.T) {
	seg := NewSegment()
	a, b, c := seg.Attach(), seg.Attach(), seg.Attach()

	require.NoError(t, a.SendTo(b.Addr(), []byte("direct")))
	assert.Equal(t, []byte("direct"), recv(t, b).Data)
	assertEmpty(t, c)

	require.NoError(t, a.SendTo("mem-404", []byte("nobody")))
}

func TestMemoryFilterDrops(t *testing.T) {
	seg := NewSegment()
	a, b := seg.Attach(), seg.Attach()
	seg.SetFilter(func(from, to string, _ []byte) bool { return to != b.Addr() })

	require.NoError(t, a.SendTo(b.Addr(), []byte("lost")))
	assertEmpty(t, b)

	seg.SetFilter(nil)
	require.NoError(t, a.SendTo(b.Addr(), []byte("found")))
	assert.Equal(t, []byte("found"), recv(t, b).Data)
}

func TestMemoryClose(t *testing.T) {
	seg := NewSegment()
	a, b := seg.Attach(), seg.Attach()
	require.NoError(t, b.Close())

	require.NoError(t, a.Broadcast([]byte("x")))
	assertEmpty(t, b)
	assert.ErrorIs(t, b.SendTo(a.Addr(), nil), ErrClosed)
}
