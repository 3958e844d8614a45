package procevents

import "io"

// Transport is a datagram channel to the kernel's process event multicast
// group. The netlink implementation is returned by Dial on Linux; tests and
// alternative sources can supply their own.
type Transport interface {
	// Close releases the channel. It is idempotent and a pending Receive
	// returns an error wrapping ErrClosed.
	io.Closer

	// PortID is the netlink port the channel is bound to. It identifies the
	// sender of control messages.
	PortID() uint32
	// Send writes a single control datagram.
	Send(b []byte) error
	// Receive blocks until a datagram is read into b and returns its length.
	// A length of 0 means the peer closed the channel. Interrupted reads and
	// kernel buffer overflows are returned as *TransientReceiveError.
	Receive(b []byte) (int, error)
	// Interrupt unblocks a pending (and every later) Receive with an error
	// wrapping ErrClosed, leaving the channel open for Send.
	Interrupt() error
}

// DialOpts configures the netlink transport.
type DialOpts struct {
	// ReceiveBufferSize sets SO_RCVBUF on the socket. A larger buffer makes
	// overflows (and therefore rescans) less likely during bursts of process
	// churn. Zero keeps the kernel default.
	ReceiveBufferSize int
}
