package procevents

import (
	"runtime"

	"golang.org/x/xerrors"
)

var (
	// ErrClosed is returned (wrapped) by Transport.Receive when a pending
	// receive was unblocked by Interrupt or Close. The connector treats it as
	// a caller-initiated shutdown.
	ErrClosed = xerrors.New("transport is closed")

	errConnectorClosed = xerrors.New("connector is closed")

	errUnsupportedOS = xerrors.Errorf(`%q is an unsupported OS, only "linux" is supported`, runtime.GOOS)
)

// Suppress unused variable errors. These variables are used in files that are
// not included in all builds.
var (
	_ = errUnsupportedOS
)

// ConnectError is returned when the netlink channel could not be created or
// bound, usually because of missing privileges (CAP_NET_ADMIN) or resource
// limits. Nothing is left open when it is returned.
type ConnectError struct {
	// Op is the failing step, e.g. "socket" or "bind".
	Op  string
	Err error
}

func (e *ConnectError) Error() string {
	return "connect process connector: " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SubscriptionError is returned when the listen/ignore control message could
// not be sent. It is fatal when enabling and only logged when disabling.
type SubscriptionError struct {
	Enable bool
	Err    error
}

func (e *SubscriptionError) Error() string {
	op := "ignore"
	if e.Enable {
		op = "listen"
	}
	return "set process connector subscription to " + op + ": " + e.Err.Error()
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// TransientReceiveError is a receive failure that the loop recovers from by
// requesting a rescan and receiving again.
type TransientReceiveError struct {
	Reason RescanReason
	Err    error
}

func (e *TransientReceiveError) Error() string {
	return "transient receive error (" + e.Reason.String() + "): " + e.Err.Error()
}

func (e *TransientReceiveError) Unwrap() error { return e.Err }

// FatalReceiveError terminates the event loop. The transport has already been
// released when Run returns it.
type FatalReceiveError struct {
	Err error
}

func (e *FatalReceiveError) Error() string {
	return "fatal receive error: " + e.Err.Error()
}

func (e *FatalReceiveError) Unwrap() error { return e.Err }

// DecodeError describes a datagram that could not be parsed. The event loop
// skips such records without requesting a rescan.
type DecodeError struct {
	// Len is the length of the datagram.
	Len    int
	Reason string
}

func (e *DecodeError) Error() string {
	return xerrors.Errorf("decode %d byte record: %s", e.Len, e.Reason).Error()
}
