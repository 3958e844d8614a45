//go:build linux
// +build linux

package procevents_test

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"cdr.dev/slog/sloggers/slogtest"
	"github.com/coder/procevents"
)

// events collects dispatched exec and exit pids.
type events struct {
	mu    sync.Mutex
	execs map[int32]uint64
	exits map[int32]uint64
	forks map[int32]int32
}

func newEvents() *events {
	return &events{
		execs: map[int32]uint64{},
		exits: map[int32]uint64{},
		forks: map[int32]int32{},
	}
}

func (e *events) dispatcher() procevents.Dispatcher {
	return procevents.DispatcherFuncs{
		Fork: func(parentPID, childPID int32, _ uint64) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.forks[childPID] = parentPID
		},
		Exec: func(pid int32, ts uint64) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.execs[pid] = ts
		},
		Exit: func(pid int32, ts uint64) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.exits[pid] = ts
		},
	}
}

func (e *events) seen(pid int32) (execTS, exitTS uint64, parent int32, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	execTS, okExec := e.execs[pid]
	exitTS, okExit := e.exits[pid]
	return execTS, exitTS, e.forks[pid], okExec && okExit
}

//nolint:paralleltest
func TestConnectorLinux(t *testing.T) {
	// This test must be run as root so we can subscribe to process events.
	if os.Geteuid() != 0 {
		t.Skip("must be run as root")
	}

	//nolint:paralleltest
	t.Run("ExecAndExit", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		c, err := procevents.New(&procevents.ConnectorOpts{
			Logger: slogtest.Make(t, nil),
		})
		require.NoError(t, err)

		evs := newEvents()
		done := make(chan error, 1)
		go func() {
			done <- c.Run(ctx, evs.dispatcher())
		}()

		// The subscription is asynchronous, so keep launching processes until
		// one of them is observed.
		require.Eventually(t, func() bool {
			pid := runProcess(ctx, t, "true")
			execTS, exitTS, _, ok := evs.seen(pid)
			return ok && execTS != 0 && exitTS >= execTS
		}, 10*time.Second, 100*time.Millisecond)

		require.NoError(t, c.Close())
		require.NoError(t, <-done)
	})

	//nolint:paralleltest
	t.Run("ForwardForks", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		c, err := procevents.New(&procevents.ConnectorOpts{
			ForkPolicy: procevents.ForwardForks,
			Logger:     slogtest.Make(t, nil),
		})
		require.NoError(t, err)

		evs := newEvents()
		done := make(chan error, 1)
		go func() {
			done <- c.Run(ctx, evs.dispatcher())
		}()

		require.Eventually(t, func() bool {
			pid := runProcess(ctx, t, "true")
			_, _, parent, ok := evs.seen(pid)
			return ok && parent != 0
		}, 10*time.Second, 100*time.Millisecond)

		// Cancellation stops the connector too.
		cancel()
		err = <-done
		require.True(t, xerrors.Is(err, context.Canceled) || xerrors.Is(err, context.DeadlineExceeded), "unexpected error: %v", err)
		require.NoError(t, c.Close())
	})

	//nolint:paralleltest
	t.Run("MultipleSessions", func(t *testing.T) {
		c1, err := procevents.New(nil)
		require.NoError(t, err)
		defer c1.Close()
		c2, err := procevents.New(nil)
		require.NoError(t, err)
		defer c2.Close()
	})
}

// runProcess runs the given command to completion and returns its pid. It is
// called from require.Eventually conditions, so failures are reported with
// t.Errorf rather than by stopping the test.
func runProcess(ctx context.Context, t *testing.T, args ...string) int32 {
	t.Helper()

	//nolint:gosec
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	err := cmd.Start()
	if err != nil {
		t.Errorf("start %q: %+v", args[0], err)
		return -1
	}
	pid := int32(cmd.Process.Pid)
	_ = cmd.Wait()
	return pid
}
