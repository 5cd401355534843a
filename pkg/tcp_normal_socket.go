package protocol

import (
	"io"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

// HandleSegment runs one inbound segment through the state machine.
func (tcpConn *TCPConn) HandleSegment(seg *Segment) {
	for _, o := range tcpConn.observers {
		o.OnSegmentReceived(tcpConn, seg)
	}
	if seg.HasFlag(FlagRst) {
		tcpConn.handleReset(seg)
		return
	}

	switch tcpConn.State {
	case CLOSED:
		return
	case LISTEN:
		tcpConn.handleSyn(seg)
		return
	case SYN_SENT:
		tcpConn.handleSynAck(seg)
		return
	case SYN_RECEIVED:
		if !tcpConn.handleAckAfterSynAck(seg) {
			return
		}
		// this ACK completed the handshake, it is not a duplicate
		tcpConn.handleSynchronized(seg, false)
		return
	}
	tcpConn.handleSynchronized(seg, true)
}

func (tcpConn *TCPConn) handleReset(seg *Segment) {
	switch tcpConn.State {
	case CLOSED, LISTEN:
		return
	case SYN_SENT:
		// Only a RST answering our SYN is believable here.
		if !seg.HasFlag(FlagAck) || seg.AckNum != tcpConn.ISN+1 {
			return
		}
	}
	tcpConn.log.Warn("connection reset by peer")
	tcpConn.terminate(ErrConnectionReset, true)
}

// LISTEN: a SYN fixes the peer's initial sequence number.
func (tcpConn *TCPConn) handleSyn(seg *Segment) {
	if !seg.HasFlag(FlagSyn) || seg.HasFlag(FlagAck) {
		return
	}
	tcpConn.learnPeerISN(seg.SeqNum)
	tcpConn.peerWindow = int(seg.WindowSize)
	tcpConn.setState(SYN_RECEIVED)
	tcpConn.sendTCP(nil, FlagSyn|FlagAck, tcpConn.ISN, tcpConn.ackNum())
	tcpConn.armTimer()
}

// SYN_SENT: wait for the SYN+ACK acknowledging our SYN.
func (tcpConn *TCPConn) handleSynAck(seg *Segment) {
	if !seg.HasFlag(FlagSyn) {
		return
	}
	if !seg.HasFlag(FlagAck) {
		// simultaneous open
		tcpConn.learnPeerISN(seg.SeqNum)
		tcpConn.peerWindow = int(seg.WindowSize)
		tcpConn.setState(SYN_RECEIVED)
		tcpConn.sendTCP(nil, FlagSyn|FlagAck, tcpConn.ISN, tcpConn.ackNum())
		tcpConn.armTimer()
		return
	}
	if seg.AckNum != tcpConn.ISN+1 {
		tcpConn.log.Debugf("SYN+ACK acknowledges %d, expected %d", seg.AckNum, tcpConn.ISN+1)
		return
	}
	tcpConn.learnPeerISN(seg.SeqNum)
	tcpConn.peerWindow = int(seg.WindowSize)
	tcpConn.cancelTimer()
	tcpConn.timeouts = 0
	tcpConn.setState(ESTABLISHED)
	tcpConn.sendAck()
	tcpConn.trySend()
}

// SYN_RECEIVED: wait for the ACK of our SYN+ACK. Returns true once
// established, so the rest of the segment can be processed as data.
func (tcpConn *TCPConn) handleAckAfterSynAck(seg *Segment) bool {
	if seg.HasFlag(FlagSyn) && !seg.HasFlag(FlagAck) {
		// our SYN+ACK was lost
		if seg.SeqNum == tcpConn.BaseSeqOther {
			tcpConn.sendTCP(nil, FlagSyn|FlagAck, tcpConn.ISN, tcpConn.ackNum())
		}
		return false
	}
	if !seg.HasFlag(FlagAck) || seg.AckNum != tcpConn.ISN+1 {
		return false
	}
	tcpConn.peerWindow = int(seg.WindowSize)
	tcpConn.cancelTimer()
	tcpConn.timeouts = 0
	tcpConn.setState(ESTABLISHED)
	if tcpConn.onEstablished != nil {
		tcpConn.onEstablished(tcpConn)
	}
	if tcpConn.closeRequested {
		tcpConn.setState(FIN_WAIT_1)
	}
	tcpConn.trySend()
	return true
}

func (tcpConn *TCPConn) handleSynchronized(seg *Segment, countDup bool) {
	if seg.HasFlag(FlagSyn) {
		// The peer is still retransmitting its SYN, so our ACK was lost.
		tcpConn.sendAck()
		return
	}
	if seg.HasFlag(FlagAck) {
		tcpConn.handleAck(seg, countDup)
		if tcpConn.State == CLOSED {
			return
		}
	}

	needAck := false
	if len(seg.Payload) > 0 {
		tcpConn.handleData(seg)
		needAck = true
	}
	if seg.HasFlag(FlagFin) {
		tcpConn.handleFin(seg)
		needAck = true
	}
	if needAck {
		tcpConn.sendAck()
	}
}

func (tcpConn *TCPConn) handleAck(seg *Segment, countDup bool) {
	tcpConn.peerWindow = int(seg.WindowSize)
	ack := seqnum.Value(seg.AckNum)
	base := seqnum.Value(tcpConn.SendBuf.Base())

	target := ack
	ackedFin := false
	if tcpConn.finSent && ack == tcpConn.finSeq.Add(1) {
		// the FIN occupies one sequence number the send buffer never holds
		target = tcpConn.finSeq
		ackedFin = !tcpConn.finAcked
	}

	if target == base && !ackedFin {
		if countDup && len(seg.Payload) == 0 && !seg.HasFlag(FlagFin) && tcpConn.SendBuf.BytesOutstanding() > 0 {
			if tcpConn.CC.OnDupAck(seg.AckNum) {
				tcpConn.retransmitFirst("fast retransmit")
			}
		}
		// the advertised window may have opened
		tcpConn.trySend()
		return
	}
	if err := tcpConn.SendBuf.Slide(uint32(target)); err != nil {
		tcpConn.log.WithError(err).Debug("ignoring ack")
		return
	}

	acked := int(base.Size(target))
	tcpConn.CC.OnNewAck(uint32(target), acked)
	tcpConn.timeouts = 0
	if tcpConn.recovering && tcpConn.resendNxt.LessThan(target) {
		tcpConn.resendNxt = target
	}
	for _, o := range tcpConn.observers {
		o.OnAck(tcpConn, seg.AckNum, acked)
	}
	if ackedFin {
		tcpConn.finAcked = true
		tcpConn.onFinAcked()
		if tcpConn.State == CLOSED {
			return
		}
	}

	if tcpConn.unacknowledged() {
		tcpConn.armTimer()
	} else {
		tcpConn.cancelTimer()
	}
	tcpConn.trySend()
}

// handleData buffers the payload and moves whatever became contiguous to the
// ready buffer. Segments outside the window are still acknowledged by the
// caller, just not stored.
func (tcpConn *TCPConn) handleData(seg *Segment) {
	switch tcpConn.State {
	case ESTABLISHED, FIN_WAIT_1, FIN_WAIT_2:
	default:
		return
	}
	if tcpConn.peerFin {
		return
	}
	if !tcpConn.RecvBuf.Put(seg.Payload, seg.SeqNum) {
		tcpConn.log.Tracef("segment at %d carries nothing new", seg.SeqNum)
	}
	data, _ := tcpConn.RecvBuf.Get()
	if len(data) == 0 {
		return
	}
	tcpConn.ready = append(tcpConn.ready, data...)
	for _, o := range tcpConn.observers {
		o.OnData(tcpConn, len(data))
	}
}

// sndNxt is the sequence number of the next new byte, counting a sent FIN.
func (tcpConn *TCPConn) sndNxt() uint32 {
	if tcpConn.finSent {
		return uint32(tcpConn.finSeq.Add(1))
	}
	return tcpConn.SendBuf.Next()
}

func (tcpConn *TCPConn) unacknowledged() bool {
	return tcpConn.SendBuf.BytesOutstanding() > 0 || (tcpConn.finSent && !tcpConn.finAcked)
}

// trySend transmits as much new data as the congestion and receive windows
// allow, followed by a FIN once a close is pending and everything is out.
func (tcpConn *TCPConn) trySend() {
	switch tcpConn.State {
	case ESTABLISHED, CLOSE_WAIT, FIN_WAIT_1, CLOSING, LAST_ACK:
	default:
		return
	}
	if tcpConn.recovering && !tcpConn.resendPending(false) {
		if !tcpConn.timer.Active() {
			tcpConn.armTimer()
		}
		return
	}
	for !tcpConn.finSent {
		n := tcpConn.CC.SendableBytes(tcpConn.peerWindow, tcpConn.SendBuf.BytesOutstanding())
		n = min(n, tcpConn.opts.MSS, tcpConn.SendBuf.BytesNotYetSent())
		if n <= 0 {
			break
		}
		data, seq := tcpConn.SendBuf.Get(n)
		tcpConn.sendTCP(data, FlagAck, seq, tcpConn.ackNum())
	}
	if tcpConn.closeRequested && !tcpConn.finSent && tcpConn.SendBuf.BytesNotYetSent() == 0 {
		tcpConn.finSeq = seqnum.Value(tcpConn.SendBuf.Next())
		tcpConn.finSent = true
		tcpConn.sendTCP(nil, FlagFin|FlagAck, uint32(tcpConn.finSeq), tcpConn.ackNum())
	}
	if tcpConn.unacknowledged() && !tcpConn.timer.Active() {
		tcpConn.armTimer()
	}
}

// retransmitFirst resends the oldest unacknowledged segment.
func (tcpConn *TCPConn) retransmitFirst(cause string) {
	data, seq := tcpConn.SendBuf.GetForResend(tcpConn.opts.MSS)
	if len(data) > 0 {
		tcpConn.sendTCP(data, FlagAck, seq, tcpConn.ackNum())
		tcpConn.notifyRetransmit(seq, len(data), cause)
		return
	}
	if tcpConn.finSent && !tcpConn.finAcked {
		tcpConn.sendTCP(nil, FlagFin|FlagAck, uint32(tcpConn.finSeq), tcpConn.ackNum())
		tcpConn.notifyRetransmit(uint32(tcpConn.finSeq), 0, cause)
	}
}

// resendPending resends outstanding bytes from resendNxt while the
// congestion window allows, counting only what was resent since the timeout
// as in flight. With force set, at least one segment goes out regardless of
// the windows. It reports true once the whole range is resent; the FIN, if
// still unacknowledged, follows it then.
func (tcpConn *TCPConn) resendPending(force bool) bool {
	base := seqnum.Value(tcpConn.SendBuf.Base())
	next := seqnum.Value(tcpConn.SendBuf.Next())
	if tcpConn.resendNxt.LessThan(base) {
		tcpConn.resendNxt = base
	}
	for tcpConn.resendNxt.LessThan(next) {
		inFlight := int(base.Size(tcpConn.resendNxt))
		n := tcpConn.CC.SendableBytes(tcpConn.peerWindow, inFlight)
		if force {
			n = max(n, tcpConn.opts.MSS)
			force = false
		}
		n = min(n, tcpConn.opts.MSS, int(tcpConn.resendNxt.Size(next)))
		if n <= 0 {
			return false
		}
		data, seq := tcpConn.SendBuf.GetForResend(inFlight + n)
		data = data[inFlight:]
		seq += uint32(inFlight)
		tcpConn.sendTCP(data, FlagAck, seq, tcpConn.ackNum())
		tcpConn.notifyRetransmit(seq, len(data), "timeout")
		tcpConn.resendNxt = tcpConn.resendNxt.Add(seqnum.Size(len(data)))
	}
	tcpConn.recovering = false
	if tcpConn.finSent && !tcpConn.finAcked {
		tcpConn.sendTCP(nil, FlagFin|FlagAck, uint32(tcpConn.finSeq), tcpConn.ackNum())
		tcpConn.notifyRetransmit(uint32(tcpConn.finSeq), 0, "timeout")
	}
	return true
}

func (tcpConn *TCPConn) notifyRetransmit(seq uint32, n int, cause string) {
	for _, o := range tcpConn.observers {
		o.OnRetransmit(tcpConn, seq, n, cause)
	}
}

// armTimer (re)starts the retransmission timer, replacing any pending one.
func (tcpConn *TCPConn) armTimer() {
	tcpConn.timer.Cancel()
	tcpConn.timer = tcpConn.TCPStack.Scheduler.Schedule(tcpConn.opts.RTO, tcpConn.onTimeout)
}

func (tcpConn *TCPConn) cancelTimer() {
	tcpConn.timer.Cancel()
	tcpConn.timer = nil
}

func (tcpConn *TCPConn) onTimeout() {
	tcpConn.timer = nil
	tcpConn.timeouts++
	if tcpConn.opts.MaxRetransmits > 0 && tcpConn.timeouts > tcpConn.opts.MaxRetransmits {
		tcpConn.log.WithField("timeouts", tcpConn.timeouts-1).Warn("giving up on connection")
		tcpConn.terminate(errors.Wrapf(ErrRetransmissionLimitExceeded, "%d consecutive timeouts", tcpConn.timeouts-1), true)
		return
	}

	switch tcpConn.State {
	case SYN_SENT:
		tcpConn.sendTCP(nil, FlagSyn, tcpConn.ISN, 0)
		tcpConn.notifyRetransmit(tcpConn.ISN, 0, "timeout")
	case SYN_RECEIVED:
		tcpConn.sendTCP(nil, FlagSyn|FlagAck, tcpConn.ISN, tcpConn.ackNum())
		tcpConn.notifyRetransmit(tcpConn.ISN, 0, "timeout")
	default:
		if !tcpConn.unacknowledged() {
			return
		}
		tcpConn.CC.OnTimeout()
		tcpConn.recovering = true
		tcpConn.resendNxt = seqnum.Value(tcpConn.SendBuf.Base())
		tcpConn.resendPending(true)
	}
	tcpConn.armTimer()
}

func (tcpConn *TCPConn) setState(state TCPState) {
	prev := tcpConn.State
	if prev == state {
		return
	}
	tcpConn.State = state
	tcpConn.log.Debugf("%s -> %s", prev, state)
	for _, o := range tcpConn.observers {
		o.OnStateChange(tcpConn, prev, state)
	}
}

// VWrite queues data for transmission and sends what the windows allow.
func (tcpConn *TCPConn) VWrite(data []byte) (int, error) {
	switch tcpConn.State {
	case SYN_SENT, SYN_RECEIVED, ESTABLISHED, CLOSE_WAIT:
	case CLOSED, LISTEN:
		if tcpConn.err != nil {
			return 0, tcpConn.err
		}
		return 0, errors.Wrapf(ErrNotEstablished, "cannot write in state %s", tcpConn.State)
	default:
		return 0, errors.Wrapf(ErrConnectionClosed, "cannot write in state %s", tcpConn.State)
	}
	if tcpConn.closeRequested {
		return 0, errors.Wrap(ErrConnectionClosed, "close already requested")
	}
	tcpConn.SendBuf.Put(data)
	tcpConn.trySend()
	return len(data), nil
}

// VRead drains up to maxBytes of in-order data without blocking. It returns
// no data and no error when nothing is ready yet, and io.EOF once the peer
// has closed and everything was read.
func (tcpConn *TCPConn) VRead(maxBytes int) ([]byte, error) {
	if len(tcpConn.ready) > 0 {
		n := min(maxBytes, len(tcpConn.ready))
		out := append([]byte(nil), tcpConn.ready[:n]...)
		tcpConn.ready = tcpConn.ready[n:]
		return out, nil
	}
	if tcpConn.err != nil {
		return nil, tcpConn.err
	}
	if tcpConn.peerFin || tcpConn.State == CLOSED {
		return nil, io.EOF
	}
	return nil, nil
}

// Readable is the number of bytes VRead can return right now.
func (tcpConn *TCPConn) Readable() int {
	return len(tcpConn.ready)
}

// Err is the error that closed the connection, if any.
func (tcpConn *TCPConn) Err() error {
	return tcpConn.err
}
