package protocol

import "github.com/google/netstack/tcpip/seqnum"

const (
	CongestionReno = "reno"
	CongestionNone = "none"

	dupAckThreshold = 3
)

// CongestionControl tracks how many bytes may be in flight. In "none" mode
// the window stays at its initial size and only loss detection runs.
type CongestionControl struct {
	mode           string
	mss            int
	cwnd           int
	ssthresh       int
	fastRetransmit bool

	dupAcks int
	lastAck seqnum.Value
}

func NewCongestionControl(opts TCPOptions) *CongestionControl {
	cwnd := opts.InitialCwnd
	if cwnd < opts.MSS {
		cwnd = opts.MSS
	}
	mode := opts.CongestionControl
	if mode == "" {
		mode = CongestionReno
	}
	return &CongestionControl{
		mode:           mode,
		mss:            opts.MSS,
		cwnd:           cwnd,
		ssthresh:       opts.Ssthresh,
		fastRetransmit: opts.FastRetransmit,
	}
}

func (cc *CongestionControl) Cwnd() int     { return cc.cwnd }
func (cc *CongestionControl) Ssthresh() int { return cc.ssthresh }
func (cc *CongestionControl) DupAcks() int  { return cc.dupAcks }

func (cc *CongestionControl) InSlowStart() bool {
	return cc.cwnd < cc.ssthresh
}

// OnNewAck is called for a cumulative ACK that acknowledges acked new bytes.
func (cc *CongestionControl) OnNewAck(ack uint32, acked int) {
	cc.lastAck = seqnum.Value(ack)
	cc.dupAcks = 0
	if cc.mode == CongestionNone || acked <= 0 {
		return
	}
	if cc.InSlowStart() {
		// Don't let the congestion window cross into the congestion avoidance range.
		cc.cwnd = min(cc.cwnd+cc.mss, cc.ssthresh)
		return
	}
	cc.cwnd += max(cc.mss*cc.mss/cc.cwnd, 1)
}

// OnDupAck records an ACK that acknowledged nothing new while data is
// outstanding. It reports true exactly when the fast retransmit threshold is
// reached.
func (cc *CongestionControl) OnDupAck(ack uint32) bool {
	if seqnum.Value(ack) != cc.lastAck {
		cc.lastAck = seqnum.Value(ack)
		cc.dupAcks = 0
	}
	cc.dupAcks++
	if !cc.fastRetransmit || cc.dupAcks != dupAckThreshold {
		return false
	}
	if cc.mode != CongestionNone {
		cc.reduceSlowStartThreshold()
		cc.cwnd = cc.ssthresh
	}
	return true
}

// OnTimeout collapses the window back to one segment and re-enters slow start.
func (cc *CongestionControl) OnTimeout() {
	cc.dupAcks = 0
	if cc.mode == CongestionNone {
		return
	}
	cc.reduceSlowStartThreshold()
	cc.cwnd = cc.mss
}

func (cc *CongestionControl) reduceSlowStartThreshold() {
	cc.ssthresh = max(cc.cwnd/2, cc.mss)
}

// SendableBytes is how much new data may go out now given the peer's
// advertised window and what is already in flight.
func (cc *CongestionControl) SendableBytes(peerWindow int, outstanding int) int {
	return max(min(cc.cwnd, peerWindow)-outstanding, 0)
}
