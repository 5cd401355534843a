package protocol

import (
	"net/netip"

	"github.com/pkg/errors"
)

func (tcpStack *TCPStack) VListen(port uint16) (*TCPListener, error) {
	if _, exists := tcpStack.ListenTable[port]; exists {
		return nil, errors.Wrapf(ErrPortInUse, "port %d", port)
	}
	tcpListener := &TCPListener{
		ID:        tcpStack.NextSocketID,
		State:     LISTEN,
		LocalPort: port,
		LocalAddr: netip.IPv4Unspecified(),
		TCPStack:  tcpStack,
	}

	// Edit the stack's listen table
	tcpStack.ListenTable[port] = tcpListener
	tcpStack.NextSocketID++
	tcpStack.log.WithField("port", port).Info("listening")
	return tcpListener, nil
}

func (tcpStack *TCPStack) VConnect(remoteAddr netip.Addr, remotePort uint16) (*TCPConn, error) {
	if !tcpStack.IP.IsValid() {
		return nil, errors.Wrap(ErrNoRoute, "no local interface is up")
	}
	localPort, ok := tcpStack.ephemeralPort(remoteAddr, remotePort)
	if !ok {
		return nil, errors.Wrap(ErrPortInUse, "no free ephemeral port")
	}
	tuple := FourTuple{
		LocalAddr:  tcpStack.IP,
		LocalPort:  localPort,
		RemoteAddr: remoteAddr,
		RemotePort: remotePort,
	}
	tcpConn := tcpStack.newConn(tuple, CLOSED)

	// Send SYN packet
	tcpConn.setState(SYN_SENT)
	tcpConn.sendTCP(nil, FlagSyn, tcpConn.ISN, 0)
	tcpConn.armTimer()
	return tcpConn, nil
}

// HandleSegment turns a SYN for a 4-tuple nobody owns into a new connection.
// Anything else is refused with ErrUnknownConnection.
func (tcpListener *TCPListener) HandleSegment(seg *Segment) error {
	if tcpListener.State != LISTEN {
		return errors.Wrap(ErrConnectionClosed, "listener closed")
	}
	if !seg.HasFlag(FlagSyn) || seg.HasFlag(FlagAck) || seg.HasFlag(FlagRst) {
		// drop packet because only syn flag should be set
		return errors.Wrapf(ErrUnknownConnection, "%s", seg)
	}
	tcpStack := tcpListener.TCPStack
	tuple := FourTuple{
		LocalAddr:  seg.DstAddr,
		LocalPort:  seg.DstPort,
		RemoteAddr: seg.SrcAddr,
		RemotePort: seg.SrcPort,
	}
	if existing, exists := tcpStack.ConnectionsTable[tuple]; exists {
		existing.HandleSegment(seg)
		return nil
	}

	tcpConn := tcpStack.newConn(tuple, LISTEN)
	tcpConn.onEstablished = func(c *TCPConn) {
		tcpListener.acceptQueue = append(tcpListener.acceptQueue, c)
	}
	if tcpListener.OnNewConn != nil {
		tcpListener.OnNewConn(tuple, tcpConn)
	}
	tcpConn.HandleSegment(seg)
	return nil
}

// VAccept pops the oldest established connection, if any.
func (tcpListener *TCPListener) VAccept() (*TCPConn, bool) {
	for len(tcpListener.acceptQueue) > 0 {
		tcpConn := tcpListener.acceptQueue[0]
		tcpListener.acceptQueue = tcpListener.acceptQueue[1:]
		if tcpConn.State != CLOSED {
			return tcpConn, true
		}
	}
	return nil, false
}

// VClose stops accepting. Connections already created are unaffected.
func (tcpListener *TCPListener) VClose() error {
	if tcpListener.State != LISTEN {
		return errors.Wrap(ErrConnectionClosed, "listener already closed")
	}
	tcpListener.State = CLOSED
	tcpListener.acceptQueue = nil
	delete(tcpListener.TCPStack.ListenTable, tcpListener.LocalPort)
	return nil
}

func (tcpConn *TCPConn) Tuple() FourTuple {
	return FourTuple{
		LocalAddr:  tcpConn.LocalAddr,
		LocalPort:  tcpConn.LocalPort,
		RemoteAddr: tcpConn.RemoteAddr,
		RemotePort: tcpConn.RemotePort,
	}
}

// BypassHandshake puts a connection straight into ESTABLISHED with both
// initial sequence numbers fixed, as if the three-way handshake had run.
func (tcpConn *TCPConn) BypassHandshake(isnSelf uint32, isnOther uint32) {
	tcpConn.ISN = isnSelf
	tcpConn.SendBuf = NewSendBuffer(isnSelf + 1)
	tcpConn.learnPeerISN(isnOther)
	tcpConn.setState(ESTABLISHED)
}

func (tcpConn *TCPConn) learnPeerISN(isn uint32) {
	tcpConn.BaseSeqOther = isn
	tcpConn.haveOther = true
	tcpConn.RecvBuf = NewRecvBuffer(isn+1, tcpConn.opts.RecvWindow)
}

// RelativeSeqSelf is seq as an offset from our initial sequence number.
func (tcpConn *TCPConn) RelativeSeqSelf(seq uint32) uint32 {
	return seq - tcpConn.ISN
}

// RelativeSeqOther is seq as an offset from the peer's initial sequence number.
func (tcpConn *TCPConn) RelativeSeqOther(seq uint32) uint32 {
	return seq - tcpConn.BaseSeqOther
}

// ackNum is the cumulative acknowledgment to put on outgoing segments.
func (tcpConn *TCPConn) ackNum() uint32 {
	if !tcpConn.haveOther {
		return 0
	}
	ack := tcpConn.RecvBuf.Base()
	if tcpConn.peerFin {
		ack++
	}
	return ack
}

func (tcpConn *TCPConn) advertisedWindow() uint16 {
	window := tcpConn.opts.RecvWindow
	if window <= 0 || window > 0xffff {
		window = 0xffff
	}
	return uint16(window)
}

func (tcpConn *TCPConn) sendTCP(data []byte, flags uint8, seqNum uint32, ackNum uint32) {
	seg := &Segment{
		SrcAddr:    tcpConn.LocalAddr,
		DstAddr:    tcpConn.RemoteAddr,
		SrcPort:    tcpConn.LocalPort,
		DstPort:    tcpConn.RemotePort,
		SeqNum:     seqNum,
		AckNum:     ackNum,
		Flags:      flags,
		WindowSize: tcpConn.advertisedWindow(),
		Payload:    data,
	}
	datagram, err := seg.Marshal()
	if err != nil {
		tcpConn.log.WithError(err).Error("could not build segment")
		return
	}
	for _, o := range tcpConn.observers {
		o.OnSegmentSent(tcpConn, seg)
	}
	// Loss on the wire is handled by retransmission, so a failed send is not fatal.
	if err := tcpConn.TCPStack.IPStack.SendIP(datagram); err != nil {
		tcpConn.log.WithError(err).Debug("could not send segment")
	}
}

func (tcpConn *TCPConn) sendAck() {
	tcpConn.sendTCP(nil, FlagAck, tcpConn.sndNxt(), tcpConn.ackNum())
}
