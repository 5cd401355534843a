package protocol

import (
	"fmt"
	"io"
	"net/netip"
	"sort"
)

// ListSockets prints every listener and connection, ordered by socket ID.
func (tcpStack *TCPStack) ListSockets(w io.Writer) {
	type row struct {
		id    uint16
		tuple FourTuple
		state TCPState
	}
	rows := make([]row, 0, len(tcpStack.ListenTable)+len(tcpStack.ConnectionsTable))
	for _, listener := range tcpStack.ListenTable {
		rows = append(rows, row{
			id:    listener.ID,
			tuple: FourTuple{LocalAddr: listener.LocalAddr, LocalPort: listener.LocalPort},
			state: listener.State,
		})
	}
	for tuple, tcpConn := range tcpStack.ConnectionsTable {
		rows = append(rows, row{id: tcpConn.ID, tuple: tuple, state: tcpConn.State})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })

	fmt.Fprintln(w, "SID  LAddr           LPort      RAddr          RPort    Status")
	for _, r := range rows {
		fmt.Fprintf(w, "%-4d %-15s %-10d %-14s %-8d %s\n",
			r.id, formatAddr(r.tuple.LocalAddr), r.tuple.LocalPort,
			formatAddr(r.tuple.RemoteAddr), r.tuple.RemotePort, r.state)
	}
}

func (tcpStack *TCPStack) ConnByID(socketID uint16) (*TCPConn, bool) {
	for _, tcpConn := range tcpStack.ConnectionsTable {
		if tcpConn.ID == socketID {
			return tcpConn, true
		}
	}
	return nil, false
}

func (tcpStack *TCPStack) listenerByID(socketID uint16) (*TCPListener, bool) {
	for _, listener := range tcpStack.ListenTable {
		if listener.ID == socketID {
			return listener, true
		}
	}
	return nil, false
}

// ACommand listens on port and announces every connection created from it.
func (tcpStack *TCPStack) ACommand(w io.Writer, port uint16) {
	listener, err := tcpStack.VListen(port)
	if err != nil {
		fmt.Fprintln(w, err)
		return
	}
	listener.OnNewConn = func(tuple FourTuple, tcpConn *TCPConn) {
		fmt.Fprintf(w, "New connection on socket %d => created new socket %d\n", listener.ID, tcpConn.ID)
	}
	fmt.Fprintf(w, "Created listen socket %d\n", listener.ID)
}

func (tcpStack *TCPStack) CCommand(w io.Writer, ip netip.Addr, port uint16) {
	tcpConn, err := tcpStack.VConnect(ip, port)
	if err != nil {
		fmt.Fprintln(w, err)
		return
	}
	fmt.Fprintf(w, "Created new socket with ID %d\n", tcpConn.ID)
}

func (tcpStack *TCPStack) SCommand(w io.Writer, socketID uint16, bytes string) {
	tcpConn, exists := tcpStack.ConnByID(socketID)
	if !exists {
		fmt.Fprintln(w, "Error: Socket not found")
		return
	}
	bytesSent, err := tcpConn.VWrite([]byte(bytes))
	if err != nil {
		fmt.Fprintln(w, err)
		return
	}
	fmt.Fprintf(w, "Sent %d bytes\n", bytesSent)
}

func (tcpStack *TCPStack) RCommand(w io.Writer, socketID uint16, numBytes int) {
	tcpConn, exists := tcpStack.ConnByID(socketID)
	if !exists {
		fmt.Fprintln(w, "Error: Socket not found")
		return
	}
	data, err := tcpConn.VRead(numBytes)
	if err != nil {
		fmt.Fprintln(w, err)
		return
	}
	fmt.Fprintf(w, "Read %d bytes: %s\n", len(data), data)
}

func (tcpStack *TCPStack) CloseCommand(w io.Writer, socketID uint16) {
	if listener, exists := tcpStack.listenerByID(socketID); exists {
		if err := listener.VClose(); err != nil {
			fmt.Fprintln(w, err)
		}
		return
	}
	tcpConn, exists := tcpStack.ConnByID(socketID)
	if !exists {
		fmt.Fprintln(w, "Error: Socket not found")
		return
	}
	if err := tcpConn.VClose(); err != nil {
		fmt.Fprintln(w, err)
	}
}

// AbortCommand resets a connection.
func (tcpStack *TCPStack) AbortCommand(w io.Writer, socketID uint16) {
	tcpConn, exists := tcpStack.ConnByID(socketID)
	if !exists {
		fmt.Fprintln(w, "Error: Socket not found")
		return
	}
	tcpConn.VAbort()
}
