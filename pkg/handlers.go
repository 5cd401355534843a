package protocol

import (
	"fmt"
	"io"
)

// TestPacketHandler returns a handler printing protocol 0 packets to out.
func TestPacketHandler(out io.Writer) HandlerFunc {
	return func(packet *IPPacket) {
		fmt.Fprintf(out, "Received test packet: Src: %s, Dst: %s, TTL: %d, Data: %s\n",
			packet.Header.Src, packet.Header.Dst, packet.Header.TTL, string(packet.Payload))
	}
}
