package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/Operative-001/huddle/internal/logger"
)

const readBufSize = 64 * 1024

// UDPConfig configures a UDPTransport.
type UDPConfig struct {
	Group     string // IPv4 multicast group, e.g. 239.255.42.99
	Port      int    // multicast port shared by all nodes
	Interface string // interface name; empty uses the system default
	Logger    *zap.SugaredLogger
}

// UDPTransport implements Transport over UDP on the local segment.
//
// Two sockets are used. A multicast socket bound to the shared port (with
// address reuse, so several nodes can share a host) receives broadcasts. A
// unicast socket on an ephemeral port sends everything and receives direct
// traffic; its address is the one peers learn from announcements.
type UDPTransport struct {
	cfg   UDPConfig
	log   *zap.SugaredLogger
	group *net.UDPAddr
	ifi   *net.Interface

	mconn *ipv4.PacketConn
	uconn *net.UDPConn
	upc   *ipv4.PacketConn
	addr  string

	incoming chan Datagram
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewUDP creates a UDPTransport. Sockets are opened by Start.
func NewUDP(cfg UDPConfig) *UDPTransport {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &UDPTransport{
		cfg:      cfg,
		log:      log,
		incoming: make(chan Datagram, 512),
	}
}

func (t *UDPTransport) Start() error {
	ip := net.ParseIP(t.cfg.Group)
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return fmt.Errorf("transport: %q is not an IPv4 multicast group", t.cfg.Group)
	}
	t.group = &net.UDPAddr{IP: ip.To4(), Port: t.cfg.Port}

	if t.cfg.Interface != "" {
		ifi, err := net.InterfaceByName(t.cfg.Interface)
		if err != nil {
			return fmt.Errorf("transport: interface %s: %w", t.cfg.Interface, err)
		}
		t.ifi = ifi
	}

	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(t.cfg.Port)))
	if err != nil {
		return fmt.Errorf("transport: listen multicast: %w", err)
	}
	t.mconn = ipv4.NewPacketConn(pc)
	if err := t.mconn.JoinGroup(t.ifi, &net.UDPAddr{IP: t.group.IP}); err != nil {
		pc.Close()
		return fmt.Errorf("transport: join group %s: %w", t.group.IP, err)
	}

	uconn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		pc.Close()
		return fmt.Errorf("transport: listen unicast: %w", err)
	}
	t.uconn = uconn
	t.upc = ipv4.NewPacketConn(uconn)
	// Same-host peers must hear our multicast, and it must not leave the segment.
	err = multierr.Combine(
		t.upc.SetMulticastLoopback(true),
		t.upc.SetMulticastTTL(1),
	)
	if err == nil && t.ifi != nil {
		err = t.upc.SetMulticastInterface(t.ifi)
	}
	if err != nil {
		t.closeSockets()
		return fmt.Errorf("transport: multicast options: %w", err)
	}

	host, err := t.localIP()
	if err != nil {
		t.closeSockets()
		return err
	}
	t.addr = net.JoinHostPort(host, strconv.Itoa(uconn.LocalAddr().(*net.UDPAddr).Port))

	t.wg.Add(2)
	go t.readLoop("multicast", pc)
	go t.readLoop("unicast", uconn)
	t.log.Infow("udp transport started", "addr", t.addr, "group", t.group.String())
	return nil
}

func (t *UDPTransport) Addr() string { return t.addr }

func (t *UDPTransport) SendTo(addr string, b []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	ua, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	_, err = t.uconn.WriteToUDP(b, ua)
	return err
}

func (t *UDPTransport) Broadcast(b []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	_, err := t.uconn.WriteToUDP(b, t.group)
	return err
}

func (t *UDPTransport) Incoming() <-chan Datagram {
	return t.incoming
}

func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	var err error
	if t.mconn != nil {
		err = multierr.Append(err, t.mconn.LeaveGroup(t.ifi, &net.UDPAddr{IP: t.group.IP}))
	}
	err = multierr.Append(err, t.closeSockets())
	t.wg.Wait()
	return err
}

func (t *UDPTransport) closeSockets() error {
	var err error
	if t.mconn != nil {
		err = multierr.Append(err, t.mconn.Close())
	}
	if t.uconn != nil {
		err = multierr.Append(err, t.uconn.Close())
	}
	return err
}

func (t *UDPTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *UDPTransport) readLoop(name string, conn net.PacketConn) {
	defer t.wg.Done()
	buf := make([]byte, readBufSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.isClosed() {
				return
			}
			t.log.Debugw("read error", "socket", name, "err", err)
			continue
		}
		dg := Datagram{From: from.String(), Data: append([]byte(nil), buf[:n]...)}
		select {
		case t.incoming <- dg:
		default:
			t.log.Debugw("incoming queue full, dropping datagram", "from", dg.From)
		}
	}
}

// localIP picks the address announced to peers: the first IPv4 address of
// the configured interface, or the address the kernel routes the multicast
// group through.
func (t *UDPTransport) localIP() (string, error) {
	if t.ifi != nil {
		addrs, err := t.ifi.Addrs()
		if err != nil {
			return "", fmt.Errorf("transport: interface addrs: %w", err)
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
				return ipn.IP.String(), nil
			}
		}
		return "", fmt.Errorf("transport: interface %s has no IPv4 address", t.ifi.Name)
	}
	c, err := net.DialUDP("udp4", nil, t.group)
	if err != nil {
		return "", fmt.Errorf("transport: route to %s: %w", t.group, err)
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
