package protocol

import "net/netip"

func formatAddr(addr netip.Addr) string {
	// Check if addr is equal to the zero value of netip.Addr
	if !addr.IsValid() || addr.IsUnspecified() {
		return "*"
	}
	return addr.String()
}
