package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Operative-001/huddle/internal/broadcast"
	"github.com/Operative-001/huddle/internal/group"
	"github.com/Operative-001/huddle/internal/node"
	"github.com/Operative-001/huddle/internal/peer"
	"github.com/Operative-001/huddle/internal/protocol"
)

func init() {
	color.NoColor = true
}

type fakeCore struct {
	state  group.State
	joined string
	sent   []string
}

func (f *fakeCore) ID() peer.ID { return "self" }

func (f *fakeCore) Create() (group.Group, error) {
	if f.state != group.NoGroup {
		return group.Group{}, group.ErrAlreadyInGroup
	}
	f.state = group.Owner
	return group.Group{ID: "g1", Owner: "self", Members: []peer.ID{"self"}}, nil
}

func (f *fakeCore) Join(_ context.Context, ref string) (group.Group, error) {
	if ref != "abc" {
		return group.Group{}, group.ErrPeerNotFound
	}
	f.joined = ref
	f.state = group.Member
	return group.Group{ID: "g1", Owner: "abc", Members: []peer.ID{"abc", "self"}, Epoch: 1}, nil
}

func (f *fakeCore) Send(text string) (protocol.AppMessage, error) {
	if f.state == group.NoGroup {
		return protocol.AppMessage{}, broadcast.ErrNoActiveGroup
	}
	f.sent = append(f.sent, text)
	return protocol.AppMessage{}, nil
}

func (f *fakeCore) Leave() error {
	if f.state == group.NoGroup {
		return group.ErrNotInGroup
	}
	f.state = group.NoGroup
	return nil
}

func (f *fakeCore) Peers() []peer.Info {
	return []peer.Info{{ID: "abc", Addr: "10.0.0.2:5000", LastSeen: time.Now()}}
}

func (f *fakeCore) Status() node.Status {
	return node.Status{ID: "self", Addr: "10.0.0.1:5000", State: f.state, Peers: 1}
}

func TestConsoleCommands(t *testing.T) {
	fc := &fakeCore{}
	var out bytes.Buffer
	c := newConsole(fc, &out)
	ctx := context.Background()

	require.NoError(t, c.Exec(ctx, "create"))
	assert.Contains(t, out.String(), "created group g1")

	assert.ErrorIs(t, c.Exec(ctx, "create"), group.ErrAlreadyInGroup)

	require.NoError(t, c.Exec(ctx, "send hello   there"))
	assert.Equal(t, []string{"hello   there"}, fc.sent)
	assert.Contains(t, out.String(), "me: hello   there")

	require.NoError(t, c.Exec(ctx, "leave"))
	require.NoError(t, c.Exec(ctx, "join abc"))
	assert.Equal(t, "abc", fc.joined)
	assert.Contains(t, out.String(), "joined group g1")

	require.NoError(t, c.Exec(ctx, "peers"))
	assert.Contains(t, out.String(), "10.0.0.2:5000")
	require.NoError(t, c.Exec(ctx, "status"))
	assert.Contains(t, out.String(), "State    : member")

	require.NoError(t, c.Exec(ctx, "   "))
}

func TestConsoleErrors(t *testing.T) {
	fc := &fakeCore{}
	c := newConsole(fc, &bytes.Buffer{})
	ctx := context.Background()

	assert.ErrorIs(t, c.Exec(ctx, "send hi"), broadcast.ErrNoActiveGroup)
	assert.Error(t, c.Exec(ctx, "send"))
	assert.Error(t, c.Exec(ctx, "join"))
	assert.ErrorIs(t, c.Exec(ctx, "join nobody"), group.ErrPeerNotFound)
	assert.ErrorIs(t, c.Exec(ctx, "leave"), group.ErrNotInGroup)
	assert.ErrorContains(t, c.Exec(ctx, "dance"), "unknown command: dance")
	assert.ErrorIs(t, c.Exec(ctx, "exit"), errExit)
}

func TestConsoleRunStopsAtExit(t *testing.T) {
	fc := &fakeCore{}
	var out bytes.Buffer
	c := newConsole(fc, &out)

	in := strings.NewReader("help\nsend early\ncreate\nexit\ncreate\n")
	require.NoError(t, c.Run(context.Background(), in))

	s := out.String()
	assert.Contains(t, s, "Usage:")
	assert.Contains(t, s, "error: broadcast: no active group")
	assert.Contains(t, s, "Exiting ...")
	assert.Equal(t, 1, strings.Count(s, "created group"))
}

func TestPrintEvents(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&fakeCore{}, &out)
	ch := make(chan node.Event, 4)
	ch <- node.Event{Kind: node.PeerDiscovered, Peer: peer.Info{ID: "abcdefghij", Addr: "10.0.0.2:1"}}
	ch <- node.Event{Kind: node.MessageReceived, Message: broadcast.Delivery{Sender: "abcdefghij", Text: "hi"}}
	close(ch)
	c.printEvents(ch)
	assert.Contains(t, out.String(), "peer up abcdefgh at 10.0.0.2:1")
	assert.Contains(t, out.String(), "abcdefgh: hi")
}
