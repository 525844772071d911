// Package transport defines the datagram interface the protocol runs over and
// provides implementations for production (UDP multicast) and testing
// (in-memory segment).
//
// Delivery is best-effort: packets may be lost, duplicated or reordered, and
// there is no flow control.
package transport

import "errors"

// ErrClosed is returned by sends on a closed transport.
var ErrClosed = errors.New("transport: closed")

// Datagram is one received packet and the address it came from.
type Datagram struct {
	From string
	Data []byte
}

// Transport abstracts the local network segment.
// The node uses this interface exclusively so that tests can inject an
// in-memory segment without real sockets.
type Transport interface {
	// Start opens the underlying sockets.
	Start() error

	// Addr is the unicast address other peers reach this node on. Valid
	// after Start.
	Addr() string

	// SendTo delivers b to a single peer address.
	SendTo(addr string, b []byte) error

	// Broadcast delivers b to every node on the segment.
	Broadcast(b []byte) error

	// Incoming returns received datagrams from any peer.
	Incoming() <-chan Datagram

	// Close releases the sockets.
	Close() error
}
