package protocol

import (
	"github.com/google/btree"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

// TCPSendBuffer holds application bytes until the peer acknowledges them.
//
//	base: oldest unacknowledged byte
//	next: next byte to transmit for the first time
//	last: one past the last byte written by the application
type TCPSendBuffer struct {
	buffer []byte // bytes in [base, last)
	base   seqnum.Value
	next   seqnum.Value
	last   seqnum.Value
}

func NewSendBuffer(seq uint32) *TCPSendBuffer {
	v := seqnum.Value(seq)
	return &TCPSendBuffer{base: v, next: v, last: v}
}

func (buf *TCPSendBuffer) Base() uint32 { return uint32(buf.base) }
func (buf *TCPSendBuffer) Next() uint32 { return uint32(buf.next) }
func (buf *TCPSendBuffer) Last() uint32 { return uint32(buf.last) }

// Bytes returns a copy of the retained, not yet acknowledged bytes.
func (buf *TCPSendBuffer) Bytes() []byte {
	return append([]byte(nil), buf.buffer...)
}

func (buf *TCPSendBuffer) BytesOutstanding() int {
	return int(buf.base.Size(buf.next))
}

func (buf *TCPSendBuffer) BytesNotYetSent() int {
	return int(buf.next.Size(buf.last))
}

func (buf *TCPSendBuffer) Put(data []byte) {
	buf.buffer = append(buf.buffer, data...)
	buf.last = buf.last.Add(seqnum.Size(len(data)))
}

// Get returns up to size bytes that have never been sent, and the sequence
// number of the first one.
func (buf *TCPSendBuffer) Get(size int) ([]byte, uint32) {
	start := buf.BytesOutstanding()
	size = min(size, buf.BytesNotYetSent())
	seq := buf.next
	if size <= 0 {
		return nil, uint32(seq)
	}
	data := append([]byte(nil), buf.buffer[start:start+size]...)
	buf.next = buf.next.Add(seqnum.Size(size))
	return data, uint32(seq)
}

// GetForResend returns up to size bytes starting at base without touching next.
func (buf *TCPSendBuffer) GetForResend(size int) ([]byte, uint32) {
	size = min(size, buf.BytesOutstanding())
	if size <= 0 {
		return nil, uint32(buf.base)
	}
	return append([]byte(nil), buf.buffer[:size]...), uint32(buf.base)
}

// Slide drops everything before ack. An ack outside [base, next] is refused
// and leaves the buffer untouched.
func (buf *TCPSendBuffer) Slide(ack uint32) error {
	a := seqnum.Value(ack)
	if !a.InRange(buf.base, buf.next.Add(1)) {
		return errors.Wrapf(ErrInvalidAckRange, "ack %d not in [%d, %d]", ack, buf.base, buf.next)
	}
	n := int(buf.base.Size(a))
	buf.buffer = buf.buffer[n:]
	if len(buf.buffer) == 0 {
		buf.buffer = nil
	}
	buf.base = a
	return nil
}

type chunk struct {
	off  uint64 // stream offset, monotonically increasing across wraps
	data []byte
}

func (c chunk) end() uint64 { return c.off + uint64(len(c.data)) }

// TCPRecvBuffer reassembles out-of-order segments. Stored chunks never
// overlap each other or the already consumed prefix.
type TCPRecvBuffer struct {
	chunks  *btree.BTreeG[chunk]
	base    seqnum.Value // next byte expected in order
	baseOff uint64
	window  seqnum.Size // 0 means unbounded
}

func NewRecvBuffer(seq uint32, window int) *TCPRecvBuffer {
	return &TCPRecvBuffer{
		chunks: btree.NewG[chunk](8, func(a, b chunk) bool { return a.off < b.off }),
		base:   seqnum.Value(seq),
		window: seqnum.Size(window),
	}
}

func (buf *TCPRecvBuffer) Base() uint32 { return uint32(buf.base) }

// Buffered is the number of out-of-order bytes waiting for a gap to fill.
func (buf *TCPRecvBuffer) Buffered() int {
	n := 0
	buf.chunks.Ascend(func(c chunk) bool {
		n += len(c.data)
		return true
	})
	return n
}

// Chunks returns the stored out-of-order chunks keyed by sequence number.
func (buf *TCPRecvBuffer) Chunks() map[uint32][]byte {
	out := make(map[uint32][]byte, buf.chunks.Len())
	buf.chunks.Ascend(func(c chunk) bool {
		out[buf.seqOf(c.off)] = append([]byte(nil), c.data...)
		return true
	})
	return out
}

func (buf *TCPRecvBuffer) seqOf(off uint64) uint32 {
	return uint32(buf.base.Add(seqnum.Size(off - buf.baseOff)))
}

// Put stores data received at seq. When a chunk already starts at the same
// position the longer one is kept; bytes already covered by the consumed
// prefix or by an earlier chunk are trimmed off the front. It reports
// whether any new bytes were stored.
func (buf *TCPRecvBuffer) Put(data []byte, seq uint32) bool {
	if len(data) == 0 {
		return false
	}
	delta := int64(int32(uint32(seqnum.Value(seq) - buf.base)))
	if delta < 0 {
		if -delta >= int64(len(data)) {
			return false
		}
		data = data[-delta:]
		delta = 0
	}
	if buf.window > 0 {
		if delta >= int64(buf.window) {
			return false
		}
		if room := int64(buf.window) - delta; int64(len(data)) > room {
			data = data[:room]
		}
	}
	return buf.insert(chunk{off: buf.baseOff + uint64(delta), data: append([]byte(nil), data...)})
}

func (buf *TCPRecvBuffer) insert(c chunk) bool {
	if prev, ok := buf.before(c.off); ok && prev.end() > c.off {
		if prev.end() >= c.end() {
			return false
		}
		c = chunk{off: prev.end(), data: c.data[prev.end()-c.off:]}
	}
	if cur, ok := buf.chunks.Get(chunk{off: c.off}); ok && len(cur.data) >= len(c.data) {
		return false
	}

	var covered []chunk
	buf.chunks.AscendRange(chunk{off: c.off}, chunk{off: c.end()}, func(o chunk) bool {
		covered = append(covered, o)
		return true
	})
	for _, o := range covered {
		buf.chunks.Delete(o)
		if o.end() > c.end() {
			buf.chunks.ReplaceOrInsert(chunk{off: c.end(), data: o.data[c.end()-o.off:]})
		}
	}
	buf.chunks.ReplaceOrInsert(c)
	return true
}

func (buf *TCPRecvBuffer) before(off uint64) (chunk, bool) {
	var found chunk
	ok := false
	buf.chunks.DescendLessOrEqual(chunk{off: off}, func(c chunk) bool {
		if c.off == off {
			return true
		}
		found, ok = c, true
		return false
	})
	return found, ok
}

// Get returns the longest in-order run starting at base, together with its
// starting sequence number, and advances base past it.
func (buf *TCPRecvBuffer) Get() ([]byte, uint32) {
	start := buf.base
	var data []byte
	for {
		first, ok := buf.chunks.Min()
		if !ok || first.off != buf.baseOff {
			break
		}
		buf.chunks.DeleteMin()
		data = append(data, first.data...)
		buf.baseOff = first.end()
		buf.base = buf.base.Add(seqnum.Size(len(first.data)))
	}
	return data, uint32(start)
}
