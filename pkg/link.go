package protocol

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const maxDatagramSize = 1400

func datagramDst(datagram []byte) (netip.Addr, error) {
	if len(datagram) < IPHeaderLen {
		return netip.Addr{}, errors.Wrapf(ErrMalformedHeader, "datagram of %d bytes", len(datagram))
	}
	return netip.AddrFrom4([4]byte(datagram[16:20])), nil
}

type simAttachment struct {
	stack *IPStack
	iface string
}

// SimNetwork connects IPStacks in memory. Deliveries are scheduled on a
// SimLoop, and Drop/DelayFor let tests lose or reorder individual datagrams.
type SimNetwork struct {
	loop  *SimLoop
	Delay time.Duration
	// Drop reports whether a datagram is lost in transit.
	Drop func(datagram []byte) bool
	// DelayFor overrides Delay for a single datagram.
	DelayFor func(datagram []byte) time.Duration

	hosts   map[netip.Addr]simAttachment
	Sent    int
	Dropped int
}

func NewSimNetwork(loop *SimLoop, delay time.Duration) *SimNetwork {
	return &SimNetwork{
		loop:  loop,
		Delay: delay,
		hosts: make(map[netip.Addr]simAttachment),
	}
}

// Attach makes every interface of stack reachable and points its Link at
// the network.
func (n *SimNetwork) Attach(stack *IPStack) {
	for name, iface := range stack.Interfaces {
		n.hosts[iface.IP] = simAttachment{stack: stack, iface: name}
	}
	stack.Link = &simLink{net: n}
}

type simLink struct {
	net *SimNetwork
}

func (l *simLink) Transmit(datagram []byte) error {
	n := l.net
	dst, err := datagramDst(datagram)
	if err != nil {
		return err
	}
	n.Sent++
	host, ok := n.hosts[dst]
	if !ok {
		return errors.Wrapf(ErrNoRoute, "%s", dst)
	}
	if n.Drop != nil && n.Drop(datagram) {
		n.Dropped++
		return nil
	}
	delay := n.Delay
	if n.DelayFor != nil {
		delay = n.DelayFor(datagram)
	}
	pkt := append([]byte(nil), datagram...)
	n.loop.Schedule(delay, func() { host.stack.Deliver(pkt, host.iface) })
	return nil
}

// UDPLink carries virtual IP datagrams inside real UDP packets, one UDP
// socket per host interface.
type UDPLink struct {
	conn        *net.UDPConn
	neighbors   map[netip.Addr]netip.AddrPort // maps (virtual) IPs to UDP addresses
	DefaultPeer netip.AddrPort                // used when no neighbor matches
	log         *logrus.Entry
}

func ListenUDPLink(bind netip.AddrPort, logger *logrus.Logger) (*UDPLink, error) {
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(bind))
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", bind)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &UDPLink{
		conn:      conn,
		neighbors: make(map[netip.Addr]netip.AddrPort),
		log:       logger.WithField("link", bind.String()),
	}, nil
}

func (l *UDPLink) LocalAddr() netip.AddrPort {
	ap := l.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (l *UDPLink) AddNeighbor(vip netip.Addr, udp netip.AddrPort) {
	l.neighbors[vip] = udp
}

func (l *UDPLink) Transmit(datagram []byte) error {
	dst, err := datagramDst(datagram)
	if err != nil {
		return err
	}
	peer, ok := l.neighbors[dst]
	if !ok {
		if !l.DefaultPeer.IsValid() {
			return errors.Wrapf(ErrNoRoute, "%s", dst)
		}
		peer = l.DefaultPeer
	}
	_, err = l.conn.WriteToUDPAddrPort(datagram, peer)
	return errors.Wrapf(err, "write to %s", peer)
}

// Serve reads datagrams until ctx is cancelled, handing each to deliver.
func (l *UDPLink) Serve(ctx context.Context, deliver func([]byte)) error {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "read udp")
		}
		l.log.WithField("from", from).Tracef("received %d bytes", n)
		deliver(append([]byte(nil), buf[:n]...))
	}
}

func (l *UDPLink) Close() error {
	return l.conn.Close()
}
