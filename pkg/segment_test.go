package protocol

import (
	"math/rand/v2"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrA = netip.MustParseAddr("10.0.0.1")
	addrB = netip.MustParseAddr("10.0.0.2")
)

func testSegment() *Segment {
	return &Segment{
		SrcAddr:    addrA,
		DstAddr:    addrB,
		SrcPort:    40000,
		DstPort:    1234,
		SeqNum:     0xdeadbeef,
		AckNum:     42,
		Flags:      FlagAck | FlagFin,
		WindowSize: 65535,
		Payload:    []byte("hello world"),
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	seg := testSegment()
	b, err := seg.Marshal()
	require.NoError(t, err)
	assert.Len(t, b, TCPIPHeaderLen+len(seg.Payload))

	got, err := ParseSegment(b)
	require.NoError(t, err)
	assert.Equal(t, seg, got)
	assert.Equal(t, uint32(12), got.Len())
	assert.Equal(t, "FIN|ACK", FlagString(got.Flags))

	empty := &Segment{SrcAddr: addrA, DstAddr: addrB, SrcPort: 1, DstPort: 2, Flags: FlagSyn}
	b, err = empty.Marshal()
	require.NoError(t, err)
	got, err = ParseSegment(b)
	require.NoError(t, err)
	assert.Nil(t, got.Payload)
	assert.Equal(t, uint32(1), got.Len())
}

func TestSegmentRoundTripVaried(t *testing.T) {
	rng := rand.New(rand.NewPCG(1680, 1))
	flagSets := []uint8{
		FlagSyn, FlagSyn | FlagAck, FlagAck, FlagFin | FlagAck, FlagRst, FlagRst | FlagAck, 0,
	}
	sizes := []int{0, 1, 2, 3, 255, 1360, 1361}
	for i := 0; i < 200; i++ {
		seg := &Segment{
			SrcAddr:    netip.AddrFrom4([4]byte{10, byte(rng.IntN(256)), byte(rng.IntN(256)), 1}),
			DstAddr:    netip.AddrFrom4([4]byte{192, 168, byte(rng.IntN(256)), byte(rng.IntN(256))}),
			SrcPort:    uint16(rng.Uint32()),
			DstPort:    uint16(rng.Uint32()),
			SeqNum:     rng.Uint32(),
			AckNum:     rng.Uint32(),
			Flags:      flagSets[rng.IntN(len(flagSets))],
			WindowSize: uint16(rng.Uint32()),
		}
		if i%10 == 0 {
			seg.SeqNum = 0xffffffff - uint32(rng.IntN(4))
		}
		if n := sizes[rng.IntN(len(sizes))]; n > 0 {
			seg.Payload = make([]byte, n)
			for j := range seg.Payload {
				seg.Payload[j] = byte(rng.Uint32())
			}
		}

		b, err := seg.Marshal()
		require.NoError(t, err)
		got, err := ParseSegment(b)
		require.NoError(t, err, "segment %d: %s", i, seg)
		assert.Equal(t, seg, got, "segment %d", i)
	}
}

func TestSegmentMarshalRejectsIPv6(t *testing.T) {
	seg := testSegment()
	seg.DstAddr = netip.MustParseAddr("::1")
	_, err := seg.Marshal()
	assert.Error(t, err)
}

func TestParseSegmentMalformed(t *testing.T) {
	b, err := testSegment().Marshal()
	require.NoError(t, err)

	_, err = ParseSegment(b[:30])
	assert.ErrorIs(t, err, ErrMalformedHeader)

	// total length disagrees with what arrived
	_, err = ParseSegment(b[:len(b)-1])
	assert.ErrorIs(t, err, ErrMalformedHeader)

	// not tcp
	udp, err := BuildIPDatagram(addrA, addrB, 17, make([]byte, 30))
	require.NoError(t, err)
	_, err = ParseSegment(udp)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestParseSegmentChecksum(t *testing.T) {
	b, err := testSegment().Marshal()
	require.NoError(t, err)

	payload := append([]byte(nil), b...)
	payload[len(payload)-1] ^= 0x01
	_, err = ParseSegment(payload)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	tcpHdr := append([]byte(nil), b...)
	tcpHdr[IPHeaderLen+4] ^= 0x80 // sequence number
	_, err = ParseSegment(tcpHdr)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	ipHdr := append([]byte(nil), b...)
	ipHdr[8]-- // TTL
	_, err = ParseSegment(ipHdr)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestSegmentDecodesWithGopacket(t *testing.T) {
	seg := testSegment()
	b, err := seg.Marshal()
	require.NoError(t, err)

	packet := gopacket.NewPacket(b, layers.LayerTypeIPv4, gopacket.Default)
	require.Nil(t, packet.ErrorLayer())
	ip, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	assert.Equal(t, layers.IPProtocolTCP, ip.Protocol)
	assert.Equal(t, "10.0.0.1", ip.SrcIP.String())
	assert.Equal(t, uint16(len(b)), ip.Length)

	tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok)
	assert.Equal(t, layers.TCPPort(40000), tcp.SrcPort)
	assert.Equal(t, layers.TCPPort(1234), tcp.DstPort)
	assert.Equal(t, uint32(0xdeadbeef), tcp.Seq)
	assert.Equal(t, uint32(42), tcp.Ack)
	assert.True(t, tcp.FIN)
	assert.True(t, tcp.ACK)
	assert.False(t, tcp.SYN)
	assert.Equal(t, uint16(65535), tcp.Window)
	assert.Equal(t, []byte("hello world"), tcp.Payload)
}

func TestParseSegmentFromGopacket(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 2),
		DstIP:    net.IPv4(10, 0, 0, 1),
	}
	tcp := &layers.TCP{
		SrcPort: 1234,
		DstPort: 40000,
		Seq:     7,
		Ack:     0xfffffff0,
		SYN:     true,
		ACK:     true,
		Window:  1000,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload("abc")))

	seg, err := ParseSegment(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, addrB, seg.SrcAddr)
	assert.Equal(t, addrA, seg.DstAddr)
	assert.Equal(t, uint16(1234), seg.SrcPort)
	assert.Equal(t, uint32(7), seg.SeqNum)
	assert.Equal(t, uint32(0xfffffff0), seg.AckNum)
	assert.Equal(t, FlagSyn|FlagAck, seg.Flags)
	assert.Equal(t, []byte("abc"), seg.Payload)
}
