package protocol

import (
	"fmt"
	"net/netip"
	"strings"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const (
	IPHeaderLen    = ipv4header.HeaderLen
	TCPHeaderLen   = header.TCPMinimumSize
	TCPIPHeaderLen = IPHeaderLen + TCPHeaderLen

	IPProtoTest = 0
	IPProtoTCP  = int(header.TCPProtocolNumber)

	defaultTTL = 16
)

const (
	FlagFin uint8 = header.TCPFlagFin
	FlagSyn uint8 = header.TCPFlagSyn
	FlagRst uint8 = header.TCPFlagRst
	FlagAck uint8 = header.TCPFlagAck
)

// Segment is one decoded TCP-over-IPv4 datagram. It is not modified after
// ParseSegment returns it.
type Segment struct {
	SrcAddr    netip.Addr
	DstAddr    netip.Addr
	SrcPort    uint16
	DstPort    uint16
	SeqNum     uint32
	AckNum     uint32
	Flags      uint8
	WindowSize uint16
	Payload    []byte
}

func (s *Segment) HasFlag(flag uint8) bool {
	return s.Flags&flag != 0
}

// Len is the amount of sequence space the segment occupies.
func (s *Segment) Len() uint32 {
	n := uint32(len(s.Payload))
	if s.HasFlag(FlagSyn) {
		n++
	}
	if s.HasFlag(FlagFin) {
		n++
	}
	return n
}

func (s *Segment) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d [%s] seq=%d ack=%d win=%d len=%d",
		s.SrcAddr, s.SrcPort, s.DstAddr, s.DstPort, FlagString(s.Flags),
		s.SeqNum, s.AckNum, s.WindowSize, len(s.Payload))
}

func FlagString(flags uint8) string {
	names := make([]string, 0, 4)
	if flags&FlagSyn != 0 {
		names = append(names, "SYN")
	}
	if flags&FlagFin != 0 {
		names = append(names, "FIN")
	}
	if flags&FlagRst != 0 {
		names = append(names, "RST")
	}
	if flags&FlagAck != 0 {
		names = append(names, "ACK")
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, "|")
}

// Marshal encodes the segment as a complete IPv4 datagram with both
// checksums filled in.
func (s *Segment) Marshal() ([]byte, error) {
	if !s.SrcAddr.Is4() || !s.DstAddr.Is4() {
		return nil, errors.Errorf("segment addresses must be IPv4: %s -> %s", s.SrcAddr, s.DstAddr)
	}
	if TCPIPHeaderLen+len(s.Payload) > 0xffff {
		return nil, errors.Errorf("payload of %d bytes does not fit in one datagram", len(s.Payload))
	}

	tcpHdr := header.TCPFields{
		SrcPort:       s.SrcPort,
		DstPort:       s.DstPort,
		SeqNum:        s.SeqNum,
		AckNum:        s.AckNum,
		DataOffset:    TCPHeaderLen,
		Flags:         s.Flags,
		WindowSize:    s.WindowSize,
		Checksum:      0,
		UrgentPointer: 0,
	}
	tcpHdr.Checksum = ComputeTCPChecksum(&tcpHdr, s.SrcAddr, s.DstAddr, s.Payload)
	tcpHeaderBytes := make(header.TCP, TCPHeaderLen)
	tcpHeaderBytes.Encode(&tcpHdr)

	// Combine the TCP header + payload into one byte array, which becomes the payload of the IP packet
	ipPacketPayload := make([]byte, 0, len(tcpHeaderBytes)+len(s.Payload))
	ipPacketPayload = append(ipPacketPayload, tcpHeaderBytes...)
	ipPacketPayload = append(ipPacketPayload, s.Payload...)
	return BuildIPDatagram(s.SrcAddr, s.DstAddr, IPProtoTCP, ipPacketPayload)
}

// BuildIPDatagram prepends an option-less IPv4 header to payload.
func BuildIPDatagram(src netip.Addr, dst netip.Addr, protocolNum int, payload []byte) ([]byte, error) {
	hdr := ipv4header.IPv4Header{
		Version:  4,
		Len:      IPHeaderLen, // Header length is always 20 when no IP options
		TOS:      0,
		TotalLen: IPHeaderLen + len(payload),
		ID:       0,
		Flags:    0,
		FragOff:  0,
		TTL:      defaultTTL,
		Protocol: protocolNum,
		Checksum: 0, // Should be 0 until checksum is computed
		Src:      src,
		Dst:      dst,
		Options:  []byte{},
	}
	headerBytes, err := hdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal ipv4 header")
	}
	hdr.Checksum = int(ComputeChecksum(headerBytes))
	headerBytes, err = hdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal ipv4 header")
	}

	datagram := make([]byte, 0, len(headerBytes)+len(payload))
	datagram = append(datagram, headerBytes...)
	datagram = append(datagram, payload...)
	return datagram, nil
}

// ParseIPHeader validates the fixed IPv4 header at the front of a datagram.
func ParseIPHeader(b []byte) (*ipv4header.IPv4Header, error) {
	if len(b) < IPHeaderLen {
		return nil, errors.Wrapf(ErrMalformedHeader, "datagram of %d bytes", len(b))
	}
	hdr, err := ipv4header.ParseHeader(b)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedHeader, err.Error())
	}
	if hdr.Version != 4 || hdr.Len != IPHeaderLen {
		return nil, errors.Wrapf(ErrMalformedHeader, "version %d header length %d", hdr.Version, hdr.Len)
	}
	if hdr.TotalLen != len(b) {
		return nil, errors.Wrapf(ErrMalformedHeader, "total length %d but %d bytes received", hdr.TotalLen, len(b))
	}
	if !ValidateChecksum(b[:IPHeaderLen]) {
		return nil, errors.Wrap(ErrChecksumMismatch, "ipv4 header")
	}
	return hdr, nil
}

// ParseSegment decodes a full TCP/IPv4 datagram.
func ParseSegment(b []byte) (*Segment, error) {
	if len(b) < TCPIPHeaderLen {
		return nil, errors.Wrapf(ErrMalformedHeader, "datagram of %d bytes", len(b))
	}
	ipHdr, err := ParseIPHeader(b)
	if err != nil {
		return nil, err
	}
	if ipHdr.Protocol != IPProtoTCP {
		return nil, errors.Wrapf(ErrMalformedHeader, "protocol %d is not tcp", ipHdr.Protocol)
	}

	tcpHeaderAndData := header.TCP(b[IPHeaderLen:])
	if tcpHeaderAndData.DataOffset() != TCPHeaderLen {
		return nil, errors.Wrapf(ErrMalformedHeader, "tcp data offset %d", tcpHeaderAndData.DataOffset())
	}
	pseudo := pseudoHeaderChecksum(ipHdr.Src, ipHdr.Dst, len(tcpHeaderAndData))
	if header.Checksum(tcpHeaderAndData, pseudo) != 0xffff {
		return nil, errors.Wrap(ErrChecksumMismatch, "tcp segment")
	}

	seg := &Segment{
		SrcAddr:    ipHdr.Src,
		DstAddr:    ipHdr.Dst,
		SrcPort:    tcpHeaderAndData.SourcePort(),
		DstPort:    tcpHeaderAndData.DestinationPort(),
		SeqNum:     tcpHeaderAndData.SequenceNumber(),
		AckNum:     tcpHeaderAndData.AckNumber(),
		Flags:      tcpHeaderAndData.Flags(),
		WindowSize: tcpHeaderAndData.WindowSize(),
	}
	if payload := b[TCPIPHeaderLen:]; len(payload) > 0 {
		seg.Payload = append([]byte(nil), payload...)
	}
	return seg, nil
}

func ComputeChecksum(headerBytes []byte) uint16 {
	checksum := header.Checksum(headerBytes, 0)
	checksumInv := checksum ^ 0xffff
	return checksumInv
}

// ValidateChecksum reports whether bytes that embed their own checksum sum to all ones.
func ValidateChecksum(b []byte) bool {
	return header.Checksum(b, 0) == 0xffff
}

func ComputeTCPChecksum(tcpHdr *header.TCPFields, sourceIP netip.Addr, destIP netip.Addr, payload []byte) uint16 {
	pseudo := pseudoHeaderChecksum(sourceIP, destIP, TCPHeaderLen+len(payload))
	tcpBytes := make(header.TCP, TCPHeaderLen)
	tcpBytes.Encode(tcpHdr)
	tcpBytes = append(tcpBytes, payload...)
	return header.Checksum(tcpBytes, pseudo) ^ 0xffff
}

func pseudoHeaderChecksum(src netip.Addr, dst netip.Addr, tcpLen int) uint16 {
	return header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		tcpip.Address(src.AsSlice()), tcpip.Address(dst.AsSlice()), uint16(tcpLen))
}
