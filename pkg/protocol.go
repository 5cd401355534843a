package protocol

import (
	"net/netip"
	"sort"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type HandlerFunc = func(*IPPacket)

type IPPacket struct {
	Header  *ipv4header.IPv4Header
	Raw     []byte // the complete datagram, header included
	Payload []byte
	Ingress string // name of the interface it arrived on
}

type Interface struct {
	Name   string       // the name of the interface
	IP     netip.Addr   // the IP address of the interface on this host
	Prefix netip.Prefix // the network submask/prefix
	Down   bool         // whether the interface is down or not
}

// Link carries complete IP datagrams away from this host.
type Link interface {
	Transmit(datagram []byte) error
}

// IPStack is the host side of the network: it owns the local interfaces,
// hands outbound datagrams to the Link and dispatches inbound ones by
// protocol number. It does not forward.
type IPStack struct {
	Interfaces    map[string]*Interface // maps interface names to interfaces
	Handler_table map[int]HandlerFunc   // maps protocol numbers to handlers
	Link          Link
	log           *logrus.Entry
}

func NewIPStack(logger *logrus.Logger) *IPStack {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &IPStack{
		Interfaces:    make(map[string]*Interface),
		Handler_table: make(map[int]HandlerFunc),
		log:           logger.WithField("layer", "ip"),
	}
}

func (stack *IPStack) AddInterface(name string, prefix netip.Prefix) *Interface {
	iface := &Interface{
		Name:   name,
		IP:     prefix.Addr(),
		Prefix: prefix.Masked(),
	}
	stack.Interfaces[name] = iface
	return iface
}

func (stack *IPStack) RegisterRecvHandler(protocolNum int, handler HandlerFunc) {
	stack.Handler_table[protocolNum] = handler
}

// LocalAddr is the address of the first interface that is up, by name.
func (stack *IPStack) LocalAddr() netip.Addr {
	for _, iface := range stack.sortedInterfaces() {
		if !iface.Down {
			return iface.IP
		}
	}
	return netip.Addr{}
}

func (stack *IPStack) IsLocal(addr netip.Addr) bool {
	for _, iface := range stack.Interfaces {
		if iface.IP == addr && !iface.Down {
			return true
		}
	}
	return false
}

func (stack *IPStack) SendIP(datagram []byte) error {
	if stack.Link == nil {
		return errors.Wrap(ErrNoRoute, "no link attached")
	}
	return stack.Link.Transmit(datagram)
}

// SendTestPacket sends a protocol 0 datagram carrying message.
func (stack *IPStack) SendTestPacket(dest netip.Addr, message []byte) error {
	datagram, err := BuildIPDatagram(stack.LocalAddr(), dest, IPProtoTest, message)
	if err != nil {
		return err
	}
	return stack.SendIP(datagram)
}

// Deliver is called once per datagram received on the named interface.
// Anything that fails validation or is not addressed to this host is dropped.
func (stack *IPStack) Deliver(datagram []byte, ingress string) {
	if iface, ok := stack.Interfaces[ingress]; ok && iface.Down {
		return
	}
	hdr, err := ParseIPHeader(datagram)
	if err != nil {
		stack.log.WithError(err).Debug("dropping datagram")
		return
	}
	if !stack.IsLocal(hdr.Dst) {
		stack.log.WithField("dst", hdr.Dst).Debug("dropping datagram for another host")
		return
	}
	handler, exists := stack.Handler_table[hdr.Protocol]
	if !exists {
		stack.log.WithField("protocol", hdr.Protocol).Debug("no handler for protocol")
		return
	}
	handler(&IPPacket{
		Header:  hdr,
		Raw:     datagram,
		Payload: datagram[IPHeaderLen:],
		Ingress: ingress,
	})
}

func (stack *IPStack) sortedInterfaces() []*Interface {
	ifaces := make([]*Interface, 0, len(stack.Interfaces))
	for _, iface := range stack.Interfaces {
		ifaces = append(ifaces, iface)
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Name < ifaces[j].Name })
	return ifaces
}
