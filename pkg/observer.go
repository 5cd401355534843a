package protocol

import (
	"github.com/sirupsen/logrus"
)

// ConnObserver is notified of a connection's progress. Observers only watch;
// they must not call back into the connection.
type ConnObserver interface {
	OnStateChange(conn *TCPConn, from TCPState, to TCPState)
	OnSegmentSent(conn *TCPConn, seg *Segment)
	OnSegmentReceived(conn *TCPConn, seg *Segment)
	OnAck(conn *TCPConn, ack uint32, acked int)
	OnRetransmit(conn *TCPConn, seq uint32, length int, cause string)
	OnData(conn *TCPConn, n int)
	OnClose(conn *TCPConn, err error)
}

// NopObserver implements ConnObserver with no-ops; embed it to override a
// subset of the hooks.
type NopObserver struct{}

func (NopObserver) OnStateChange(*TCPConn, TCPState, TCPState) {}
func (NopObserver) OnSegmentSent(*TCPConn, *Segment) {}
func (NopObserver) OnSegmentReceived(*TCPConn, *Segment) {}
func (NopObserver) OnAck(*TCPConn, uint32, int) {}
func (NopObserver) OnRetransmit(*TCPConn, uint32, int, string) {}
func (NopObserver) OnData(*TCPConn, int) {}
func (NopObserver) OnClose(*TCPConn, error) {}

func (tcpConn *TCPConn) AddObserver(o ConnObserver) {
	if o != nil {
		tcpConn.observers = append(tcpConn.observers, o)
	}
}

// LogObserver traces every event of a connection at debug level.
type LogObserver struct {
	log *logrus.Entry
}

func NewLogObserver(logger *logrus.Logger, conn *TCPConn) *LogObserver {
	return &LogObserver{log: logger.WithField("conn", conn.Tuple().String())}
}

func (o *LogObserver) OnStateChange(_ *TCPConn, from TCPState, to TCPState) {
	o.log.Debugf("%s -> %s", from, to)
}

func (o *LogObserver) OnSegmentSent(_ *TCPConn, seg *Segment) {
	o.log.Tracef("sent %s", seg)
}

func (o *LogObserver) OnSegmentReceived(_ *TCPConn, seg *Segment) {
	o.log.Tracef("received %s", seg)
}

func (o *LogObserver) OnAck(_ *TCPConn, ack uint32, acked int) {
	o.log.Tracef("ack %d covers %d new bytes", ack, acked)
}

func (o *LogObserver) OnRetransmit(conn *TCPConn, seq uint32, length int, cause string) {
	o.log.WithFields(logrus.Fields{
		"cause":    cause,
		"cwnd":     conn.CC.Cwnd(),
		"ssthresh": conn.CC.Ssthresh(),
	}).Debugf("retransmitting %d bytes at %d", length, seq)
}

func (o *LogObserver) OnData(_ *TCPConn, n int) {
	o.log.Tracef("%d bytes ready", n)
}

func (o *LogObserver) OnClose(_ *TCPConn, err error) {
	if err != nil {
		o.log.WithError(err).Info("connection closed")
		return
	}
	o.log.Debug("connection closed")
}

// ProgressObserver reports in steps of ten percent how much of a transfer of
// known size has been sent, acknowledged and received.
type ProgressObserver struct {
	NopObserver
	log   *logrus.Entry
	steps []uint32

	sentIdx  int
	ackedIdx int
	recvdIdx int
}

const progressSteps = 10

func NewProgressObserver(logger *logrus.Logger, size int) *ProgressObserver {
	steps := make([]uint32, 0, progressSteps+1)
	for i := 0; i < progressSteps; i++ {
		steps = append(steps, uint32(i*size/progressSteps))
	}
	steps = append(steps, uint32(size+1))
	return &ProgressObserver{log: logger.WithField("observer", "progress"), steps: steps}
}

func (o *ProgressObserver) advance(idx *int, tot uint32, verb string) {
	for *idx < len(o.steps) && tot >= o.steps[*idx] {
		o.log.Infof("%d%% has been %s", *idx*100/progressSteps, verb)
		*idx++
	}
}

func (o *ProgressObserver) OnSegmentSent(conn *TCPConn, seg *Segment) {
	if len(seg.Payload) == 0 || !conn.State.synchronized() {
		return
	}
	o.advance(&o.sentIdx, conn.RelativeSeqSelf(seg.SeqNum)+uint32(len(seg.Payload)), "sent")
}

func (o *ProgressObserver) OnAck(conn *TCPConn, ack uint32, _ int) {
	o.advance(&o.ackedIdx, conn.RelativeSeqSelf(ack), "acked")
}

func (o *ProgressObserver) OnSegmentReceived(conn *TCPConn, seg *Segment) {
	if len(seg.Payload) == 0 || !conn.haveOther {
		return
	}
	o.advance(&o.recvdIdx, conn.RelativeSeqOther(seg.SeqNum)+uint32(len(seg.Payload)), "recvd")
}

// MultiObserver fans every event out to each of its members in order.
type MultiObserver []ConnObserver

func (m MultiObserver) OnStateChange(conn *TCPConn, from TCPState, to TCPState) {
	for _, o := range m {
		o.OnStateChange(conn, from, to)
	}
}

func (m MultiObserver) OnSegmentSent(conn *TCPConn, seg *Segment) {
	for _, o := range m {
		o.OnSegmentSent(conn, seg)
	}
}

func (m MultiObserver) OnSegmentReceived(conn *TCPConn, seg *Segment) {
	for _, o := range m {
		o.OnSegmentReceived(conn, seg)
	}
}

func (m MultiObserver) OnAck(conn *TCPConn, ack uint32, acked int) {
	for _, o := range m {
		o.OnAck(conn, ack, acked)
	}
}

func (m MultiObserver) OnRetransmit(conn *TCPConn, seq uint32, length int, cause string) {
	for _, o := range m {
		o.OnRetransmit(conn, seq, length, cause)
	}
}

func (m MultiObserver) OnData(conn *TCPConn, n int) {
	for _, o := range m {
		o.OnData(conn, n)
	}
}

func (m MultiObserver) OnClose(conn *TCPConn, err error) {
	for _, o := range m {
		o.OnClose(conn, err)
	}
}
