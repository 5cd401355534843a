package protocol

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendBuffer(t *testing.T) {
	buf := NewSendBuffer(1057)
	assert.Empty(t, buf.Bytes())
	assert.Equal(t, uint32(1057), buf.Base())
	assert.Equal(t, uint32(1057), buf.Next())
	assert.Equal(t, uint32(1057), buf.Last())
	assert.Equal(t, 0, buf.BytesOutstanding())
	assert.Equal(t, 0, buf.BytesNotYetSent())

	buf.Put([]byte("abcdefg"))
	assert.Equal(t, []byte("abcdefg"), buf.Bytes())
	assert.Equal(t, uint32(1064), buf.Last())
	assert.Equal(t, 7, buf.BytesNotYetSent())

	buf.Put([]byte("hijk"))
	assert.Equal(t, []byte("abcdefghijk"), buf.Bytes())
	assert.Equal(t, uint32(1068), buf.Last())
	assert.Equal(t, 0, buf.BytesOutstanding())
	assert.Equal(t, 11, buf.BytesNotYetSent())

	data, seq := buf.Get(4)
	assert.Equal(t, []byte("abcd"), data)
	assert.Equal(t, uint32(1057), seq)
	assert.Equal(t, uint32(1061), buf.Next())
	assert.Equal(t, 4, buf.BytesOutstanding())
	assert.Equal(t, 7, buf.BytesNotYetSent())

	data, seq = buf.Get(4)
	assert.Equal(t, []byte("efgh"), data)
	assert.Equal(t, uint32(1061), seq)
	assert.Equal(t, uint32(1065), buf.Next())
	assert.Equal(t, 8, buf.BytesOutstanding())
	assert.Equal(t, 3, buf.BytesNotYetSent())

	require.NoError(t, buf.Slide(1061))
	assert.Equal(t, []byte("efghijk"), buf.Bytes())
	assert.Equal(t, uint32(1061), buf.Base())
	assert.Equal(t, 4, buf.BytesOutstanding())
	assert.Equal(t, 3, buf.BytesNotYetSent())

	data, seq = buf.GetForResend(4)
	assert.Equal(t, []byte("efgh"), data)
	assert.Equal(t, uint32(1061), seq)
	assert.Equal(t, uint32(1065), buf.Next())
	assert.Equal(t, 4, buf.BytesOutstanding())

	data, seq = buf.Get(4)
	assert.Equal(t, []byte("ijk"), data)
	assert.Equal(t, uint32(1065), seq)
	assert.Equal(t, uint32(1068), buf.Next())
	assert.Equal(t, 7, buf.BytesOutstanding())
	assert.Equal(t, 0, buf.BytesNotYetSent())

	data, _ = buf.Get(4)
	assert.Empty(t, data)

	require.NoError(t, buf.Slide(1068))
	assert.Empty(t, buf.Bytes())
	assert.Equal(t, 0, buf.BytesOutstanding())
}

func TestSendBufferSlideOutOfRange(t *testing.T) {
	buf := NewSendBuffer(100)
	buf.Put([]byte("abcdef"))
	buf.Get(4)

	err := buf.Slide(105)
	assert.ErrorIs(t, err, ErrInvalidAckRange)
	err = buf.Slide(99)
	assert.ErrorIs(t, err, ErrInvalidAckRange)
	assert.Equal(t, uint32(100), buf.Base())
	assert.Equal(t, []byte("abcdef"), buf.Bytes())

	// an ack equal to base is a no-op
	require.NoError(t, buf.Slide(100))
	assert.Equal(t, 4, buf.BytesOutstanding())
}

func TestSendBufferWraparound(t *testing.T) {
	buf := NewSendBuffer(0xfffffffe)
	buf.Put([]byte("abcdef"))
	data, seq := buf.Get(4)
	assert.Equal(t, []byte("abcd"), data)
	assert.Equal(t, uint32(0xfffffffe), seq)
	assert.Equal(t, uint32(2), buf.Next())

	require.NoError(t, buf.Slide(1))
	assert.Equal(t, []byte("def"), buf.Bytes())
	assert.Equal(t, 1, buf.BytesOutstanding())
	assert.Equal(t, 2, buf.BytesNotYetSent())
}

func TestRecvBuffer(t *testing.T) {
	buf := NewRecvBuffer(2021, 0)

	// put three chunks in buffer
	assert.True(t, buf.Put([]byte("fghi"), 2026))
	assert.True(t, buf.Put([]byte("def"), 2024))
	assert.True(t, buf.Put([]byte("mn"), 2033))
	assert.Equal(t, map[uint32][]byte{2024: []byte("def"), 2027: []byte("ghi"), 2033: []byte("mn")}, buf.Chunks())
	assert.Equal(t, uint32(2021), buf.Base())

	// a shorter chunk at the same start is ignored
	assert.False(t, buf.Put([]byte("m"), 2033))
	assert.Equal(t, map[uint32][]byte{2024: []byte("def"), 2027: []byte("ghi"), 2033: []byte("mn")}, buf.Chunks())

	// a longer one replaces it
	assert.True(t, buf.Put([]byte("mno"), 2033))
	assert.Equal(t, map[uint32][]byte{2024: []byte("def"), 2027: []byte("ghi"), 2033: []byte("mno")}, buf.Chunks())

	// nothing is ready while the first bytes are missing
	data, _ := buf.Get()
	assert.Empty(t, data)
	assert.Equal(t, uint32(2021), buf.Base())

	assert.True(t, buf.Put([]byte("abc"), 2021))
	assert.Len(t, buf.Chunks(), 4)

	data, start := buf.Get()
	assert.Equal(t, []byte("abcdefghi"), data)
	assert.Equal(t, uint32(2021), start)
	assert.Equal(t, uint32(2030), buf.Base())
	assert.Equal(t, map[uint32][]byte{2033: []byte("mno")}, buf.Chunks())

	assert.True(t, buf.Put([]byte("jkl"), 2030))
	data, start = buf.Get()
	assert.Equal(t, []byte("jklmno"), data)
	assert.Equal(t, uint32(2030), start)
	assert.Equal(t, uint32(2036), buf.Base())
	assert.Equal(t, 0, buf.Buffered())
}

func TestRecvBufferOverlaps(t *testing.T) {
	buf := NewRecvBuffer(100, 0)

	// already consumed bytes are trimmed off the front
	buf.Put([]byte("abcdef"), 100)
	buf.Get()
	assert.False(t, buf.Put([]byte("cdef"), 102))
	assert.True(t, buf.Put([]byte("efgh"), 104))
	assert.Equal(t, map[uint32][]byte{106: []byte("gh")}, buf.Chunks())

	// a chunk inside an earlier one adds nothing
	assert.True(t, buf.Put([]byte("klmnop"), 110))
	assert.False(t, buf.Put([]byte("lmn"), 111))
	assert.Equal(t, 8, buf.Buffered())

	// a chunk covering later ones swallows them
	assert.True(t, buf.Put([]byte("ghijklmnopqr"), 106))
	assert.Equal(t, map[uint32][]byte{106: []byte("ghijklmnopqr")}, buf.Chunks())

	data, start := buf.Get()
	assert.Equal(t, []byte("ghijklmnopqr"), data)
	assert.Equal(t, uint32(106), start)
}

func TestRecvBufferIdempotent(t *testing.T) {
	buf := NewRecvBuffer(1, 0)
	assert.True(t, buf.Put([]byte("world"), 7))
	before := buf.Chunks()
	assert.False(t, buf.Put([]byte("world"), 7))
	assert.Equal(t, before, buf.Chunks())
}

func TestRecvBufferWindow(t *testing.T) {
	buf := NewRecvBuffer(1000, 10)
	assert.False(t, buf.Put([]byte("late"), 1010))
	assert.True(t, buf.Put([]byte("0123456789ab"), 1004))
	assert.Equal(t, map[uint32][]byte{1004: []byte("012345")}, buf.Chunks())
}

func TestRecvBufferWraparound(t *testing.T) {
	buf := NewRecvBuffer(0xfffffffd, 0)
	assert.True(t, buf.Put([]byte("defg"), 0))
	assert.True(t, buf.Put([]byte("abc"), 0xfffffffd))

	data, start := buf.Get()
	assert.Equal(t, []byte("abcdefg"), data)
	assert.Equal(t, uint32(0xfffffffd), start)
	assert.Equal(t, uint32(4), buf.Base())
}

func TestSendBufferRandomOperations(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewPCG(seed, 7))
		start := rng.Uint32()
		if seed%4 == 0 {
			// close to the wrap
			start = 0xffffffff - uint32(rng.IntN(64))
		}
		buf := NewSendBuffer(start)
		var written []byte
		acked, sent := 0, 0

		for step := 0; step < 500; step++ {
			switch rng.IntN(4) {
			case 0:
				chunk := make([]byte, rng.IntN(50))
				for i := range chunk {
					chunk[i] = byte(rng.Uint32())
				}
				buf.Put(chunk)
				written = append(written, chunk...)
			case 1:
				data, seq := buf.Get(rng.IntN(60))
				require.Equal(t, start+uint32(sent), seq, "seed %d step %d", seed, step)
				require.Equal(t, written[sent:sent+len(data)], data)
				sent += len(data)
			case 2:
				size := rng.IntN(60)
				data, seq := buf.GetForResend(size)
				require.Equal(t, start+uint32(acked), seq)
				require.Equal(t, min(size, sent-acked), len(data))
				require.Equal(t, written[acked:acked+len(data)], data)
			case 3:
				off := acked + rng.IntN(sent-acked+10)
				err := buf.Slide(start + uint32(off))
				if off > sent {
					require.ErrorIs(t, err, ErrInvalidAckRange)
				} else {
					require.NoError(t, err)
					acked = off
				}
			}

			base, next, last := buf.Base(), buf.Next(), buf.Last()
			require.Equal(t, start+uint32(acked), base, "seed %d step %d", seed, step)
			require.Equal(t, start+uint32(sent), next)
			require.Equal(t, start+uint32(len(written)), last)
			// base <= next <= last in sequence space
			require.Equal(t, last-base, (next-base)+(last-next))
			require.Equal(t, sent-acked, buf.BytesOutstanding())
			require.Equal(t, len(written)-sent, buf.BytesNotYetSent())
			require.Equal(t, written[acked:], buf.Bytes())
		}
	}
}
