package protocol

import "github.com/pkg/errors"

// Per-segment errors are recovered by dropping the segment. Only the
// connection-level ones (reset, retransmission limit) reach the application.
var (
	ErrMalformedHeader             = errors.New("malformed header")
	ErrChecksumMismatch            = errors.New("checksum mismatch")
	ErrUnknownConnection           = errors.New("no connection for segment")
	ErrInvalidAckRange             = errors.New("ack outside of outstanding range")
	ErrConnectionReset             = errors.New("connection reset by peer")
	ErrRetransmissionLimitExceeded = errors.New("retransmission limit exceeded")
	ErrConnectionClosed            = errors.New("connection closed")
	ErrNotEstablished              = errors.New("connection not established")
	ErrPortInUse                   = errors.New("port already in use")
	ErrNoRoute                     = errors.New("no route to host")
)
