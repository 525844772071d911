// Package broadcast encrypts, fans out and receives group messages.
//
// A message is sealed once under the group key and unicast to every live
// member. Receivers authenticate it against the group it claims, then drop
// (sender, seq) pairs they have already delivered.
package broadcast

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/Operative-001/huddle/internal/crypto"
	"github.com/Operative-001/huddle/internal/logger"
	"github.com/Operative-001/huddle/internal/metrics"
	"github.com/Operative-001/huddle/internal/peer"
	"github.com/Operative-001/huddle/internal/protocol"
	"github.com/Operative-001/huddle/internal/seen"
)

var (
	ErrNoActiveGroup = errors.New("broadcast: no active group")
	ErrUndecryptable = crypto.ErrUndecryptable
	ErrDuplicate     = errors.New("broadcast: duplicate message")
	ErrOwnMessage    = errors.New("broadcast: own message")
)

// Transport sends unicast datagrams.
type Transport interface {
	SendTo(addr string, b []byte) error
}

// PeerSet resolves live peers to addresses.
type PeerSet interface {
	Lookup(id peer.ID) (peer.Info, bool)
}

// View is the slice of group state the broadcaster needs.
type View struct {
	GroupID string
	Epoch   uint64
	Members []peer.ID
	Key     crypto.GroupKey
}

// Envelope is the plaintext sealed inside an AppMessage.
type Envelope struct {
	Text   string    `msgpack:"text"`
	SentAt time.Time `msgpack:"at"`
}

// Delivery is a decrypted, deduplicated message.
type Delivery struct {
	GroupID    string
	Sender     peer.ID
	Seq        uint64
	Epoch      uint64
	Text       string
	SentAt     time.Time
	ReceivedAt time.Time
}

// Broadcaster owns the installed group key, the send sequence and the
// receive dedup window.
type Broadcaster struct {
	self      peer.ID
	tr        Transport
	peers     PeerSet
	clock     clock.Clock
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics
	onMessage func(Delivery)
	window    *seen.Cache[seen.Key]

	mu   sync.Mutex
	view *View
	seq  uint64
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

func WithClock(c clock.Clock) Option         { return func(b *Broadcaster) { b.clock = c } }
func WithLogger(l *zap.SugaredLogger) Option { return func(b *Broadcaster) { b.log = l } }
func WithMetrics(m *metrics.Metrics) Option  { return func(b *Broadcaster) { b.metrics = m } }

// WithWindow sizes the dedup window.
func WithWindow(size int, ttl time.Duration) Option {
	return func(b *Broadcaster) { b.window = seen.New[seen.Key](size, ttl) }
}

// WithSeen uses c as the dedup window. Broadcasters in one process may
// share a window; it is safe for concurrent use.
func WithSeen(c *seen.Cache[seen.Key]) Option { return func(b *Broadcaster) { b.window = c } }

// OnMessage registers the callback for delivered messages. It runs without
// the broadcaster's lock held.
func OnMessage(fn func(Delivery)) Option { return func(b *Broadcaster) { b.onMessage = fn } }

// New creates a Broadcaster with no group installed.
func New(self peer.ID, tr Transport, peers PeerSet, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		self:  self,
		tr:    tr,
		peers: peers,
		clock: clock.New(),
		log:   logger.Nop(),
	}
	for _, o := range opts {
		o(b)
	}
	if b.window == nil {
		b.window = seen.New[seen.Key](seen.DefaultSize, seen.DefaultExpiry)
	}
	return b
}

// Install replaces the active view.
func (b *Broadcaster) Install(v View) {
	v.Members = append([]peer.ID(nil), v.Members...)
	b.mu.Lock()
	b.view = &v
	b.mu.Unlock()
}

// Clear removes the active view; Send fails until the next Install.
func (b *Broadcaster) Clear() {
	b.mu.Lock()
	b.view = nil
	b.mu.Unlock()
}

// Active reports whether a group is installed.
func (b *Broadcaster) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.view != nil
}

// Send seals text and unicasts it to every live member other than this
// node. Individual send failures are logged; the message is returned even
// when no member is reachable.
func (b *Broadcaster) Send(text string) (protocol.AppMessage, error) {
	b.mu.Lock()
	if b.view == nil {
		b.mu.Unlock()
		return protocol.AppMessage{}, ErrNoActiveGroup
	}
	b.seq++
	seq := b.seq
	v := *b.view
	b.mu.Unlock()

	pt, err := msgpack.Marshal(&Envelope{Text: text, SentAt: b.clock.Now()})
	if err != nil {
		return protocol.AppMessage{}, fmt.Errorf("broadcast: encode envelope: %w", err)
	}
	nonce, ct, err := crypto.Seal(v.Key, pt, messageAAD(v.GroupID, v.Epoch, b.self, seq))
	if err != nil {
		return protocol.AppMessage{}, fmt.Errorf("broadcast: seal: %w", err)
	}
	msg := protocol.AppMessage{
		GroupID:    v.GroupID,
		Epoch:      v.Epoch,
		Sender:     b.self,
		Seq:        seq,
		Nonce:      nonce,
		Ciphertext: ct,
	}
	frame, err := protocol.Encode(&msg)
	if err != nil {
		return protocol.AppMessage{}, fmt.Errorf("broadcast: %w", err)
	}

	sent := 0
	for _, id := range v.Members {
		if id == b.self {
			continue
		}
		info, ok := b.peers.Lookup(id)
		if !ok {
			b.log.Debugw("member not live, skipping", "peer", id, "seq", seq)
			continue
		}
		if err := b.tr.SendTo(info.Addr, frame); err != nil {
			b.log.Warnw("send message", "peer", id, "err", err)
			continue
		}
		sent++
	}
	b.metrics.MessageSent()
	b.log.Debugw("message sent", "group", v.GroupID, "seq", seq, "recipients", sent)
	return msg, nil
}

// HandleMessage authenticates and delivers m. Messages for another group,
// from an epoch before the installed key, or failing authentication return
// ErrUndecryptable. Redelivered (sender, seq) pairs return ErrDuplicate.
func (b *Broadcaster) HandleMessage(m protocol.AppMessage) (Delivery, error) {
	if m.Sender == b.self {
		return Delivery{}, ErrOwnMessage
	}
	b.mu.Lock()
	var v View
	active := b.view != nil
	if active {
		v = *b.view
	}
	b.mu.Unlock()

	if !active || m.GroupID != v.GroupID || m.Epoch < v.Key.Epoch {
		return Delivery{}, b.drop(m, metrics.DropUndecryptable, ErrUndecryptable)
	}
	pt, err := crypto.Open(v.Key, m.Nonce, m.Ciphertext, messageAAD(m.GroupID, m.Epoch, m.Sender, m.Seq))
	if err != nil {
		return Delivery{}, b.drop(m, metrics.DropUndecryptable, ErrUndecryptable)
	}
	var env Envelope
	if err := msgpack.Unmarshal(pt, &env); err != nil {
		return Delivery{}, b.drop(m, metrics.DropUndecryptable, ErrUndecryptable)
	}
	// Only authenticated pairs enter the window, so forged traffic cannot
	// suppress real messages.
	if !b.window.Add(seen.Key{Sender: m.Sender, Seq: m.Seq}) {
		return Delivery{}, b.drop(m, metrics.DropDuplicate, ErrDuplicate)
	}

	d := Delivery{
		GroupID:    m.GroupID,
		Sender:     m.Sender,
		Seq:        m.Seq,
		Epoch:      m.Epoch,
		Text:       env.Text,
		SentAt:     env.SentAt,
		ReceivedAt: b.clock.Now(),
	}
	b.metrics.MessageDelivered()
	if b.onMessage != nil {
		b.onMessage(d)
	}
	return d, nil
}

func (b *Broadcaster) drop(m protocol.AppMessage, reason string, err error) error {
	b.log.Debugw("dropping message", "from", m.Sender, "seq", m.Seq, "group", m.GroupID, "reason", reason)
	b.metrics.Dropped(reason)
	return err
}

// messageAAD binds a ciphertext to its group, epoch, sender and sequence.
func messageAAD(groupID string, epoch uint64, sender peer.ID, seq uint64) []byte {
	out := make([]byte, 0, len(groupID)+len(sender)+2+16)
	out = append(out, groupID...)
	out = append(out, 0)
	out = append(out, sender...)
	out = append(out, 0)
	out = binary.BigEndian.AppendUint64(out, epoch)
	return binary.BigEndian.AppendUint64(out, seq)
}
