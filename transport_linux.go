//go:build linux
// +build linux

package procevents

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

type netlinkTransport struct {
	f      *os.File
	rc     syscall.RawConn
	portID uint32

	closeOnce sync.Once
	closeErr  error
	// closed is set before the file is closed. SetReadDeadline on a closed
	// file fails with an internal poller error rather than os.ErrClosed.
	closed atomic.Bool
}

var _ Transport = &netlinkTransport{}

// Dial opens a NETLINK_CONNECTOR socket bound to the process event multicast
// group. The caller must hold CAP_NET_ADMIN (usually root). On failure a
// *ConnectError is returned and no socket is left open.
func Dial(opts DialOpts) (Transport, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_CONNECTOR)
	if err != nil {
		return nil, &ConnectError{Op: "socket", Err: err}
	}

	// If we don't finish successfully the socket must be released again.
	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	if opts.ReceiveBufferSize > 0 {
		err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.ReceiveBufferSize)
		if err != nil {
			return nil, &ConnectError{Op: "setsockopt SO_RCVBUF", Err: err}
		}
	}

	// Port id 0 lets the kernel pick a unique port, so several sessions can
	// live in the same process.
	err = unix.Bind(fd, &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: cnIdxProc,
		Pid:    0,
	})
	if err != nil {
		return nil, &ConnectError{Op: "bind", Err: err}
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, &ConnectError{Op: "getsockname", Err: err}
	}
	nlsa, isNetlink := sa.(*unix.SockaddrNetlink)
	if !isNetlink {
		return nil, &ConnectError{Op: "getsockname", Err: xerrors.Errorf("unexpected socket address type %T", sa)}
	}

	// The socket is non-blocking, so os.NewFile registers it with the runtime
	// poller. This is what makes read deadlines (and Interrupt) work.
	f := os.NewFile(uintptr(fd), "netlink-connector")
	if f == nil {
		return nil, &ConnectError{Op: "register socket", Err: xerrors.New("invalid file descriptor")}
	}
	rc, err := f.SyscallConn()
	if err != nil {
		_ = f.Close()
		ok = true // closed by f.Close
		return nil, &ConnectError{Op: "register socket", Err: err}
	}

	ok = true
	return &netlinkTransport{
		f:      f,
		rc:     rc,
		portID: nlsa.Pid,
	}, nil
}

func (t *netlinkTransport) PortID() uint32 {
	return t.portID
}

func (t *netlinkTransport) Send(b []byte) error {
	var sendErr error
	err := t.rc.Write(func(fd uintptr) bool {
		sendErr = unix.Sendto(int(fd), b, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
		return sendErr != unix.EAGAIN
	})
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return xerrors.Errorf("send: %w", ErrClosed)
		}
		return xerrors.Errorf("send: %w", err)
	}
	if sendErr != nil {
		return xerrors.Errorf("sendto: %w", sendErr)
	}
	return nil
}

func (t *netlinkTransport) Receive(b []byte) (int, error) {
	for {
		var (
			n       int
			from    unix.Sockaddr
			recvErr error
		)
		err := t.rc.Read(func(fd uintptr) bool {
			n, from, recvErr = unix.Recvfrom(int(fd), b, 0)
			return recvErr != unix.EAGAIN
		})
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return 0, xerrors.Errorf("receive interrupted: %w", ErrClosed)
			}
			if errors.Is(err, os.ErrClosed) {
				return 0, xerrors.Errorf("receive on closed socket: %w", ErrClosed)
			}
			return 0, xerrors.Errorf("receive: %w", err)
		}

		switch {
		case recvErr == nil:
		case errors.Is(recvErr, unix.EINTR):
			return 0, &TransientReceiveError{Reason: RescanInterrupted, Err: recvErr}
		case errors.Is(recvErr, unix.ENOBUFS):
			return 0, &TransientReceiveError{Reason: RescanOverflow, Err: recvErr}
		default:
			return 0, xerrors.Errorf("recvfrom: %w", recvErr)
		}

		// Only the kernel (port 0) may publish process events.
		if nlsa, ok := from.(*unix.SockaddrNetlink); ok && nlsa.Pid != 0 {
			continue
		}
		return n, nil
	}
}

func (t *netlinkTransport) Interrupt() error {
	if t.closed.Load() {
		return nil
	}
	err := t.f.SetReadDeadline(time.Now())
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return xerrors.Errorf("set read deadline: %w", err)
	}
	return nil
}

func (t *netlinkTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		err := t.f.Close()
		if err != nil {
			t.closeErr = xerrors.Errorf("close netlink socket: %w", err)
		}
	})
	return t.closeErr
}
