package protocol

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/sirupsen/logrus"
)

const (
	maxPayloadSize = 1360 // 1400 bytes - IP header size - TCP header size
	BUFFER_SIZE    = 65535

	ephemeralPortMin = 20000
)

type TCPState int

const (
	CLOSED TCPState = iota
	LISTEN
	SYN_SENT
	SYN_RECEIVED
	ESTABLISHED
	FIN_WAIT_1
	FIN_WAIT_2
	CLOSE_WAIT
	CLOSING
	LAST_ACK
	TIME_WAIT
)

var stateNames = [...]string{
	CLOSED:       "CLOSED",
	LISTEN:       "LISTEN",
	SYN_SENT:     "SYN_SENT",
	SYN_RECEIVED: "SYN_RECEIVED",
	ESTABLISHED:  "ESTABLISHED",
	FIN_WAIT_1:   "FIN_WAIT_1",
	FIN_WAIT_2:   "FIN_WAIT_2",
	CLOSE_WAIT:   "CLOSE_WAIT",
	CLOSING:      "CLOSING",
	LAST_ACK:     "LAST_ACK",
	TIME_WAIT:    "TIME_WAIT",
}

func (s TCPState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("TCPState(%d)", int(s))
}

// synchronized reports whether both initial sequence numbers are known.
func (s TCPState) synchronized() bool {
	return s >= ESTABLISHED
}

type FourTuple struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

func (t FourTuple) String() string {
	return fmt.Sprintf("%s:%d<->%s:%d", formatAddr(t.LocalAddr), t.LocalPort, formatAddr(t.RemoteAddr), t.RemotePort)
}

// TCPOptions are the per-stack knobs handed to every connection.
type TCPOptions struct {
	MSS               int
	InitialCwnd       int
	Ssthresh          int
	RecvWindow        int
	FastRetransmit    bool
	CongestionControl string
	RTO               time.Duration
	MaxRetransmits    int // consecutive timeouts before giving up, 0 = never
	TimeWait          time.Duration
	RSTOnUnknown      bool
}

func DefaultTCPOptions() TCPOptions {
	return TCPOptions{
		MSS:               maxPayloadSize,
		InitialCwnd:       maxPayloadSize,
		Ssthresh:          64000,
		RecvWindow:        BUFFER_SIZE,
		FastRetransmit:    true,
		CongestionControl: CongestionReno,
		RTO:               time.Second,
		MaxRetransmits:    8,
		TimeWait:          2 * time.Second,
	}
}

type TCPConn struct {
	ID         uint16
	State      TCPState
	LocalPort  uint16
	LocalAddr  netip.Addr
	RemotePort uint16
	RemoteAddr netip.Addr
	TCPStack   *TCPStack

	ISN          uint32 // base_seq_self
	BaseSeqOther uint32 // base_seq_other, valid once the peer's SYN is seen
	haveOther    bool

	SendBuf *TCPSendBuffer
	RecvBuf *TCPRecvBuffer // allocated once BaseSeqOther is known
	CC      *CongestionControl

	opts       TCPOptions
	peerWindow int
	ready      []byte // reassembled bytes waiting for VRead

	timer       *Timer // retransmission timer, at most one
	lingerTimer *Timer // TIME_WAIT
	timeouts    int    // consecutive retransmission timeouts

	// After a timeout the outstanding range is resent from base as the
	// congestion window reopens; resendNxt is the next byte to resend.
	recovering bool
	resendNxt  seqnum.Value

	closeRequested bool
	finSent        bool
	finSeq         seqnum.Value
	finAcked       bool
	peerFin        bool

	err           error
	terminated    bool
	observers     []ConnObserver
	onEstablished func(*TCPConn)
	log           *logrus.Entry
}

type TCPListener struct {
	ID        uint16
	State     TCPState
	LocalPort uint16
	LocalAddr netip.Addr
	TCPStack  *TCPStack

	// OnNewConn is invoked for every connection created from a SYN, before
	// the SYN itself is processed.
	OnNewConn func(tuple FourTuple, conn *TCPConn)

	acceptQueue []*TCPConn
}

// TCPStack is the per-host registry of listeners and connections. Every
// method must run on the host's Scheduler.
type TCPStack struct {
	ListenTable      map[uint16]*TCPListener
	ConnectionsTable map[FourTuple]*TCPConn
	IP               netip.Addr
	NextSocketID     uint16 // unique ID for each sockets per node
	IPStack          *IPStack
	Scheduler        Scheduler
	Options          TCPOptions

	// NewObserver, when set, attaches an observer to every new connection.
	NewObserver func(conn *TCPConn) ConnObserver
	// GenerateISN picks initial sequence numbers.
	GenerateISN func() uint32

	logger *logrus.Logger
	log    *logrus.Entry
}

func NewTCPStack(ipStack *IPStack, sched Scheduler, opts TCPOptions, logger *logrus.Logger) *TCPStack {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	tcpStack := &TCPStack{
		ListenTable:      make(map[uint16]*TCPListener),
		ConnectionsTable: make(map[FourTuple]*TCPConn),
		IP:               ipStack.LocalAddr(),
		IPStack:          ipStack,
		Scheduler:        sched,
		Options:          opts,
		GenerateISN:      rand.Uint32,
		logger:           logger,
		log:              logger.WithField("layer", "tcp"),
	}

	// register tcp packet handler
	ipStack.RegisterRecvHandler(IPProtoTCP, tcpStack.TCPHandler)
	return tcpStack
}

func (tcpStack *TCPStack) TCPHandler(packet *IPPacket) {
	seg, err := ParseSegment(packet.Raw)
	if err != nil {
		tcpStack.log.WithError(err).Debug("dropping segment")
		return
	}

	tuple := FourTuple{
		LocalAddr:  seg.DstAddr,
		LocalPort:  seg.DstPort,
		RemoteAddr: seg.SrcAddr,
		RemotePort: seg.SrcPort,
	}
	if tcpConn, exists := tcpStack.ConnectionsTable[tuple]; exists {
		tcpConn.HandleSegment(seg)
		return
	}
	if listener, exists := tcpStack.ListenTable[seg.DstPort]; exists {
		if err := listener.HandleSegment(seg); err == nil {
			return
		}
	}
	tcpStack.noSocket(seg)
}

// noSocket handles a segment nobody claimed.
func (tcpStack *TCPStack) noSocket(seg *Segment) {
	tcpStack.log.WithError(ErrUnknownConnection).WithField("segment", seg.String()).Warn("dropping segment")
	if !tcpStack.Options.RSTOnUnknown || seg.HasFlag(FlagRst) {
		return
	}
	rst := &Segment{
		SrcAddr: seg.DstAddr,
		DstAddr: seg.SrcAddr,
		SrcPort: seg.DstPort,
		DstPort: seg.SrcPort,
		Flags:   FlagRst,
	}
	if seg.HasFlag(FlagAck) {
		rst.SeqNum = seg.AckNum
	} else {
		rst.Flags |= FlagAck
		rst.AckNum = seg.SeqNum + seg.Len()
	}
	b, err := rst.Marshal()
	if err != nil {
		tcpStack.log.WithError(err).Error("could not build RST")
		return
	}
	if err := tcpStack.IPStack.SendIP(b); err != nil {
		tcpStack.log.WithError(err).Debug("could not send RST")
	}
}

// newConn creates a connection and installs it in the connections table.
func (tcpStack *TCPStack) newConn(tuple FourTuple, state TCPState) *TCPConn {
	isn := tcpStack.GenerateISN()
	tcpConn := &TCPConn{
		ID:         tcpStack.NextSocketID,
		State:      state,
		LocalPort:  tuple.LocalPort,
		LocalAddr:  tuple.LocalAddr,
		RemotePort: tuple.RemotePort,
		RemoteAddr: tuple.RemoteAddr,
		TCPStack:   tcpStack,
		ISN:        isn,
		SendBuf:    NewSendBuffer(isn + 1),
		CC:         NewCongestionControl(tcpStack.Options),
		opts:       tcpStack.Options,
		peerWindow: tcpStack.Options.MSS,
		log:        tcpStack.log.WithField("conn", tuple.String()),
	}
	if tcpStack.NewObserver != nil {
		tcpConn.AddObserver(tcpStack.NewObserver(tcpConn))
	}
	tcpStack.NextSocketID++
	tcpStack.ConnectionsTable[tuple] = tcpConn
	return tcpConn
}

// NewConn installs a connection for tuple without any handshake traffic.
// Pair it with BypassHandshake.
func (tcpStack *TCPStack) NewConn(tuple FourTuple) *TCPConn {
	return tcpStack.newConn(tuple, CLOSED)
}

func (tcpStack *TCPStack) deregister(tcpConn *TCPConn) {
	tuple := tcpConn.Tuple()
	if cur, exists := tcpStack.ConnectionsTable[tuple]; exists && cur == tcpConn {
		delete(tcpStack.ConnectionsTable, tuple)
	}
}

func (tcpStack *TCPStack) ephemeralPort(remoteAddr netip.Addr, remotePort uint16) (uint16, bool) {
	span := 65536 - ephemeralPortMin
	start := rand.IntN(span)
	for i := 0; i < span; i++ {
		port := uint16(ephemeralPortMin + (start+i)%span)
		if _, listening := tcpStack.ListenTable[port]; listening {
			continue
		}
		tuple := FourTuple{LocalAddr: tcpStack.IP, LocalPort: port, RemoteAddr: remoteAddr, RemotePort: remotePort}
		if _, used := tcpStack.ConnectionsTable[tuple]; !used {
			return port, true
		}
	}
	return 0, false
}
