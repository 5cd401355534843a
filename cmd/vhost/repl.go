package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vtcp/lnxconfig"
	"vtcp/logging"
	protocol "vtcp/pkg"
)

var configPath string

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Join a virtual network and read commands from stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := lnxconfig.ParseConfig(configPath)
		if err != nil {
			return err
		}
		logger, err := logging.New(config.Log)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runHost(ctx, config, logger, os.Stdin, os.Stdout)
	},
}

func init() {
	replCmd.Flags().StringVarP(&configPath, "config", "c", "", "host config file")
	_ = replCmd.MarkFlagRequired("config")
}

type host struct {
	ipStack  *protocol.IPStack
	tcpStack *protocol.TCPStack
	loop     *protocol.EventLoop
}

// A host has a single UDP socket, bound by its first interface.
func newHost(config *lnxconfig.IPConfig, logger *logrus.Logger) (*host, *protocol.UDPLink, error) {
	ipStack := protocol.NewIPStack(logger)
	for _, ifaceConfig := range config.Interfaces {
		prefix, err := ifaceConfig.Prefix()
		if err != nil {
			return nil, nil, err
		}
		ipStack.AddInterface(ifaceConfig.Name, prefix)
	}
	bind, err := config.Interfaces[0].UDP()
	if err != nil {
		return nil, nil, err
	}
	link, err := protocol.ListenUDPLink(bind, logger)
	if err != nil {
		return nil, nil, err
	}
	for _, n := range config.Neighbors {
		dest, _ := n.Dest()
		udp, _ := n.UDP()
		link.AddNeighbor(dest, udp)
	}
	ipStack.Link = link

	loop := protocol.NewEventLoop(256)
	tcpStack := protocol.NewTCPStack(ipStack, loop, config.TCP.Options(), logger)
	tcpStack.NewObserver = func(conn *protocol.TCPConn) protocol.ConnObserver {
		return protocol.NewLogObserver(logger, conn)
	}
	return &host{ipStack: ipStack, tcpStack: tcpStack, loop: loop}, link, nil
}

func runHost(ctx context.Context, config *lnxconfig.IPConfig, logger *logrus.Logger, in io.Reader, out io.Writer) error {
	h, link, err := newHost(config, logger)
	if err != nil {
		return err
	}
	defer link.Close()
	h.ipStack.RegisterRecvHandler(protocol.IPProtoTest, protocol.TestPacketHandler(out))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ingress := config.Interfaces[0].Name
	go func() {
		err := link.Serve(ctx, func(datagram []byte) {
			h.loop.Post(func() { h.ipStack.Deliver(datagram, ingress) })
		})
		if err != nil {
			logger.WithError(err).Error("link stopped")
			cancel()
		}
	}()
	loopDone := make(chan error, 1)
	go func() { loopDone <- h.loop.Run(ctx) }()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "q" || line == "exit" {
			break
		}
		if !h.loop.Do(func() { h.execute(line, out) }) {
			break
		}
	}
	cancel()
	if err := <-loopDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return scanner.Err()
}

func (h *host) execute(userInput string, out io.Writer) {
	fields := strings.Fields(userInput)
	switch fields[0] {
	case "li":
		fmt.Fprintln(out, h.ipStack.Li())
	case "ls":
		h.tcpStack.ListSockets(out)
	case "down", "up":
		if len(fields) != 2 {
			fmt.Fprintf(out, "Usage: %s <ifname>\n", fields[0])
			return
		}
		ok := h.ipStack.Up(fields[1])
		if fields[0] == "down" {
			ok = h.ipStack.Down(fields[1])
		}
		if !ok {
			fmt.Fprintf(out, "Unknown interface %s\n", fields[1])
		}
	case "send":
		if len(fields) < 3 {
			fmt.Fprintln(out, "Usage: send <ip> <message>")
			return
		}
		destIP, err := netip.ParseAddr(fields[1])
		if err != nil {
			fmt.Fprintln(out, "Please enter a valid IP address after send")
			return
		}
		message := strings.Join(fields[2:], " ")
		if err := h.ipStack.SendTestPacket(destIP, []byte(message)); err != nil {
			fmt.Fprintln(out, err)
		}
	case "a":
		if len(fields) != 2 {
			fmt.Fprintln(out, "Usage: a <port>")
			return
		}
		port, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil {
			fmt.Fprintln(out, err)
			return
		}
		h.tcpStack.ACommand(out, uint16(port))
	case "c":
		if len(fields) != 3 {
			fmt.Fprintln(out, "Usage: c <ip> <port>")
			return
		}
		ip, err := netip.ParseAddr(fields[1])
		if err != nil {
			fmt.Fprintln(out, err)
			return
		}
		port, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			fmt.Fprintln(out, err)
			return
		}
		h.tcpStack.CCommand(out, ip, uint16(port))
	case "s":
		if len(fields) < 3 {
			fmt.Fprintln(out, "Usage: s <socket ID> <bytes>")
			return
		}
		socketID, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil {
			fmt.Fprintln(out, err)
			return
		}
		// keep the payload's own spacing
		payload := strings.Join(fields[2:], " ")
		if parts := strings.SplitN(userInput, " ", 3); len(parts) == 3 && parts[1] == fields[1] {
			payload = parts[2]
		}
		h.tcpStack.SCommand(out, uint16(socketID), payload)
	case "r":
		if len(fields) != 3 {
			fmt.Fprintln(out, "Usage: r <socket ID> <numbytes>")
			return
		}
		socketID, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil {
			fmt.Fprintln(out, err)
			return
		}
		numBytes, err := strconv.Atoi(fields[2])
		if err != nil || numBytes <= 0 {
			fmt.Fprintln(out, "numbytes must be a positive integer")
			return
		}
		h.tcpStack.RCommand(out, uint16(socketID), numBytes)
	case "cl", "ab":
		if len(fields) != 2 {
			fmt.Fprintf(out, "Usage: %s <socket ID>\n", fields[0])
			return
		}
		socketID, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil {
			fmt.Fprintln(out, err)
			return
		}
		if fields[0] == "ab" {
			h.tcpStack.AbortCommand(out, uint16(socketID))
			return
		}
		h.tcpStack.CloseCommand(out, uint16(socketID))
	default:
		fmt.Fprintln(out, "Invalid command.")
	}
}
