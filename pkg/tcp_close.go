package protocol

import (
	"github.com/pkg/errors"
)

// VClose starts an orderly shutdown. Data already written is still
// delivered before the FIN goes out.
func (tcpConn *TCPConn) VClose() error {
	switch tcpConn.State {
	case LISTEN, SYN_SENT:
		tcpConn.terminate(nil, true)
	case SYN_RECEIVED:
		// FIN waits for the handshake to complete
		tcpConn.closeRequested = true
	case ESTABLISHED:
		tcpConn.closeRequested = true
		tcpConn.setState(FIN_WAIT_1)
		tcpConn.trySend()
	case CLOSE_WAIT:
		tcpConn.closeRequested = true
		tcpConn.setState(LAST_ACK)
		tcpConn.trySend()
	default:
		return errors.Wrapf(ErrConnectionClosed, "close in state %s", tcpConn.State)
	}
	return nil
}

// VAbort resets the connection and discards everything buffered.
func (tcpConn *TCPConn) VAbort() {
	if tcpConn.terminated {
		return
	}
	if tcpConn.State != CLOSED && tcpConn.State != LISTEN {
		tcpConn.sendTCP(nil, FlagRst|FlagAck, tcpConn.sndNxt(), tcpConn.ackNum())
	}
	tcpConn.terminate(nil, true)
}

func (tcpConn *TCPConn) handleFin(seg *Segment) {
	finSeq := seg.SeqNum + uint32(len(seg.Payload))
	if tcpConn.peerFin {
		if tcpConn.State == TIME_WAIT && finSeq+1 == tcpConn.ackNum() {
			// our last ACK was lost, so linger again
			tcpConn.enterTimeWait()
		}
		return
	}
	if !tcpConn.haveOther || finSeq != tcpConn.RecvBuf.Base() {
		// there is still a gap before the FIN
		return
	}

	switch tcpConn.State {
	case ESTABLISHED:
		tcpConn.peerFin = true
		tcpConn.setState(CLOSE_WAIT)
	case FIN_WAIT_1:
		tcpConn.peerFin = true
		tcpConn.setState(CLOSING)
	case FIN_WAIT_2:
		tcpConn.peerFin = true
		tcpConn.enterTimeWait()
	}
}

// onFinAcked advances the state once the peer has acknowledged our FIN.
func (tcpConn *TCPConn) onFinAcked() {
	switch tcpConn.State {
	case FIN_WAIT_1:
		tcpConn.setState(FIN_WAIT_2)
	case CLOSING:
		tcpConn.enterTimeWait()
	case LAST_ACK:
		tcpConn.terminate(nil, false)
	}
}

func (tcpConn *TCPConn) enterTimeWait() {
	tcpConn.cancelTimer()
	tcpConn.setState(TIME_WAIT)
	tcpConn.lingerTimer.Cancel()
	tcpConn.lingerTimer = tcpConn.TCPStack.Scheduler.Schedule(tcpConn.opts.TimeWait, func() {
		tcpConn.terminate(nil, false)
	})
}

// terminate moves the connection to CLOSED and removes it from the
// registry. With discard set, unread data is dropped as well.
func (tcpConn *TCPConn) terminate(err error, discard bool) {
	if tcpConn.terminated {
		return
	}
	tcpConn.terminated = true
	tcpConn.cancelTimer()
	tcpConn.lingerTimer.Cancel()
	tcpConn.lingerTimer = nil
	if err != nil {
		tcpConn.err = err
	}
	if discard {
		tcpConn.ready = nil
	}
	tcpConn.setState(CLOSED)
	tcpConn.TCPStack.deregister(tcpConn)
	for _, o := range tcpConn.observers {
		o.OnClose(tcpConn, err)
	}
}
