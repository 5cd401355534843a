package main

import (
	"bytes"
	"fmt"
	"io"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vtcp/logging"
	protocol "vtcp/pkg"
)

type simParams struct {
	Size           int
	Loss           float64
	Delay          time.Duration
	Window         int
	FastRetransmit bool
	Congestion     string
	MaxRetransmits int
	Seed           uint64
}

type simResult struct {
	Received    []byte
	Sent        int
	Dropped     int
	Retransmits int
	Elapsed     time.Duration
}

var (
	simFlags simParams
	logLevel string
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Transfer a random payload between two in-memory hosts over a lossy link",
	Long: `
Run a client and a server on a virtual clock, send --size random bytes from the
client to port 1234 on the server, close both ends and check the bytes arrived
intact and in order.

Examples:
  vhost sim                                  # 100000 bytes, no loss
  vhost sim --loss 0.2 --seed 7              # drop 20% of datagrams
  vhost sim --loss 0.1 --fast-retransmit=false --window 4000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := logging.New(logging.Config{Level: logLevel})
		if err != nil {
			return err
		}
		payload := make([]byte, simFlags.Size)
		r := rand.New(rand.NewPCG(simFlags.Seed, simFlags.Seed))
		for i := range payload {
			payload[i] = byte(r.UintN(256))
		}
		result, err := runTransfer(simFlags, payload, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "transferred %d bytes in %s of virtual time: %d datagrams sent, %d dropped, %d retransmissions\n",
			len(result.Received), result.Elapsed, result.Sent, result.Dropped, result.Retransmits)
		return nil
	},
}

func init() {
	simCmd.Flags().IntVar(&simFlags.Size, "size", 100000, "bytes to transfer")
	simCmd.Flags().Float64Var(&simFlags.Loss, "loss", 0, "probability that a datagram is dropped")
	simCmd.Flags().DurationVar(&simFlags.Delay, "delay", 10*time.Millisecond, "one-way link delay")
	simCmd.Flags().IntVar(&simFlags.Window, "window", protocol.BUFFER_SIZE, "receive window in bytes")
	simCmd.Flags().BoolVar(&simFlags.FastRetransmit, "fast-retransmit", true, "retransmit on the third duplicate ACK")
	simCmd.Flags().StringVar(&simFlags.Congestion, "congestion-control", protocol.CongestionReno, "reno or none")
	simCmd.Flags().IntVar(&simFlags.MaxRetransmits, "max-retransmits", 0, "consecutive timeouts before giving up, 0 = never")
	simCmd.Flags().Uint64Var(&simFlags.Seed, "seed", 1, "seed for payload and loss")
	simCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
}

var (
	clientPrefix = netip.MustParsePrefix("10.0.0.1/24")
	serverPrefix = netip.MustParsePrefix("10.0.0.2/24")
)

const serverPort = 1234

type retransmitCounter struct {
	protocol.NopObserver
	n int
}

func (c *retransmitCounter) OnRetransmit(*protocol.TCPConn, uint32, int, string) { c.n++ }

func newSimHost(network *protocol.SimNetwork, loop *protocol.SimLoop, prefix netip.Prefix, opts protocol.TCPOptions, logger *logrus.Logger) *protocol.TCPStack {
	ipStack := protocol.NewIPStack(logger)
	ipStack.AddInterface("if0", prefix)
	network.Attach(ipStack)
	return protocol.NewTCPStack(ipStack, loop, opts, logger)
}

// runTransfer sends payload from a client to a server over a SimNetwork and
// runs both ends to CLOSED.
func runTransfer(p simParams, payload []byte, logger *logrus.Logger) (*simResult, error) {
	if p.Loss < 0 || p.Loss >= 1 {
		return nil, errors.Errorf("loss must be in [0, 1), got %v", p.Loss)
	}
	opts := protocol.DefaultTCPOptions()
	opts.RecvWindow = p.Window
	opts.FastRetransmit = p.FastRetransmit
	if p.Congestion != "" {
		opts.CongestionControl = p.Congestion
	}
	opts.MaxRetransmits = p.MaxRetransmits
	// a FIN retransmitted after the peer left TIME_WAIT is answered with RST
	opts.RSTOnUnknown = true

	loop := protocol.NewSimLoop()
	network := protocol.NewSimNetwork(loop, p.Delay)
	r := rand.New(rand.NewPCG(p.Seed, p.Seed^0x5eed))
	network.Drop = func([]byte) bool { return r.Float64() < p.Loss }

	client := newSimHost(network, loop, clientPrefix, opts, logger)
	server := newSimHost(network, loop, serverPrefix, opts, logger)
	retransmits := &retransmitCounter{}
	observe := func(conn *protocol.TCPConn) protocol.ConnObserver {
		return protocol.MultiObserver{
			protocol.NewLogObserver(logger, conn),
			protocol.NewProgressObserver(logger, len(payload)),
			retransmits,
		}
	}
	client.NewObserver = observe
	server.NewObserver = observe

	listener, err := server.VListen(serverPort)
	if err != nil {
		return nil, err
	}
	conn, err := client.VConnect(serverPrefix.Addr(), serverPort)
	if err != nil {
		return nil, err
	}
	if _, err := conn.VWrite(payload); err != nil {
		return nil, err
	}

	var (
		accepted *protocol.TCPConn
		received []byte
		readErr  error
		closed   bool
	)
	start := loop.Now()
	done := loop.RunUntil(func() bool {
		// closing in SYN_SENT would abandon the connection
		if !closed && conn.State == protocol.ESTABLISHED {
			closed = true
			_ = conn.VClose()
		}
		if accepted == nil {
			accepted, _ = listener.VAccept()
		}
		if accepted != nil && readErr == nil {
			for {
				data, err := accepted.VRead(protocol.BUFFER_SIZE)
				received = append(received, data...)
				if err != nil {
					readErr = err
					if errors.Is(err, io.EOF) {
						_ = accepted.VClose()
					}
					break
				}
				if len(data) == 0 {
					break
				}
			}
		}
		return conn.State == protocol.CLOSED && accepted != nil && accepted.State == protocol.CLOSED
	}, 50_000_000)

	result := &simResult{
		Received:    received,
		Sent:        network.Sent,
		Dropped:     network.Dropped,
		Retransmits: retransmits.n,
		Elapsed:     loop.Now().Sub(start),
	}
	if err := conn.Err(); err != nil {
		return result, errors.Wrap(err, "client")
	}
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		return result, errors.Wrap(readErr, "server")
	}
	if !done {
		return result, errors.New("transfer did not finish")
	}
	if !bytes.Equal(received, payload) {
		return result, errors.Errorf("payload mismatch: sent %d bytes, received %d", len(payload), len(received))
	}
	return result, nil
}
