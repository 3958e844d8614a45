package procevents

import (
	"context"
	"log"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"cdr.dev/slog"
	"golang.org/x/xerrors"
)

// ForkPolicy controls whether fork events reach the Dispatcher.
type ForkPolicy int

const (
	// DropForks skips fork events. A fork carries nothing but the pid pair and
	// is emitted for every clone, while the exec that usually follows is both
	// more informative and sufficient to detect the process. Skipping forks
	// keeps CPU usage down under heavy process churn and makes it more likely
	// that the exec of a short lived process is handled before it exits.
	DropForks ForkPolicy = iota
	// ForwardForks dispatches fork events too, trading CPU for earlier
	// detection.
	ForwardForks
)

func (p ForkPolicy) String() string {
	switch p {
	case DropForks:
		return "drop"
	case ForwardForks:
		return "forward"
	}
	return "unknown"
}

// ConnectorOpts contains all of the configuration options for a Connector. All
// are optional.
type ConnectorOpts struct {
	ForkPolicy ForkPolicy
	// ReceiveBufferSize is passed to Dial by New. See DialOpts.
	ReceiveBufferSize int
	// Logger receives debug logs about skipped records and transient errors,
	// and warnings about cleanup failures. The zero value discards logs.
	Logger slog.Logger
	// Metrics is updated for every record if set.
	Metrics *Metrics
	// OnSubscribed is called by Run once the subscription has been accepted,
	// before the first receive. Events that happened before this call were
	// not delivered, so it is the point to reconcile state from.
	OnSubscribed func()
}

// Connector is a single process event monitoring session. It owns its
// Transport for its whole lifetime: the transport is subscribed when Run
// starts and unsubscribed and closed when Run returns. A Connector can only
// be run once.
type Connector struct {
	t    Transport
	opts ConnectorOpts
	log  slog.Logger

	runOnce   sync.Once
	closeLock sync.Mutex
	closed    chan struct{}
	// done is closed when Run has finished its cleanup. It is nil until Run
	// is called.
	done chan struct{}
	// dispatching is set while a Dispatcher callback runs.
	dispatching atomic.Bool
}

// NewWithTransport creates a Connector that reads from the given transport.
// The Connector takes ownership of t.
func NewWithTransport(t Transport, opts *ConnectorOpts) *Connector {
	if opts == nil {
		opts = &ConnectorOpts{}
	}
	c := &Connector{
		t:      t,
		opts:   *opts,
		log:    opts.Logger.Named("procevents"),
		closed: make(chan struct{}),
	}

	// It could be very bad if someone forgot to close this, so we'll try to
	// detect when it doesn't get closed and log a warning.
	stack := debug.Stack()
	runtime.SetFinalizer(c, func(c *Connector) {
		err := c.Close()
		if xerrors.Is(err, errConnectorClosed) {
			return
		}

		log.Printf("connector was finalized but was not closed, created at: %s", stack)
		log.Print("connectors must be closed when finished with to avoid leaked sockets")
		if err != nil {
			log.Printf("closing connector failed: %+v", err)
		}
	})

	return c
}

// Run subscribes to process events and delivers them to d until the channel
// is closed by the kernel, Close is called, ctx is canceled or a fatal
// receive error occurs.
//
// A peer close or Close returns nil. Cancellation is a clean shutdown as
// well, but Run returns ctx.Err() for it (context.Canceled or
// context.DeadlineExceeded) so callers can tell why it stopped; it is never
// a *FatalReceiveError. Only a failure to subscribe (*SubscriptionError) or a
// fatal receive error (*FatalReceiveError) mean the session failed.
//
// The transport is always unsubscribed (best effort) and closed before Run
// returns.
func (c *Connector) Run(ctx context.Context, d Dispatcher) error {
	var (
		didRun bool
		runErr error
	)
	c.runOnce.Do(func() {
		didRun = true
		runErr = c.run(ctx, d)
	})

	if !didRun {
		return xerrors.New("connector has already been run")
	}
	return runErr
}

func (c *Connector) run(ctx context.Context, d Dispatcher) error {
	c.closeLock.Lock()
	if c.isClosed() {
		c.closeLock.Unlock()
		return errConnectorClosed
	}
	c.done = make(chan struct{})
	c.closeLock.Unlock()
	defer close(c.done)

	err := setListening(c.t, true)
	if err != nil {
		_ = c.t.Close()
		return err
	}
	c.log.Debug(ctx, "subscribed to process events",
		slog.F("port_id", c.t.PortID()),
		slog.F("fork_policy", c.opts.ForkPolicy),
	)
	if c.opts.OnSubscribed != nil {
		c.dispatching.Store(true)
		c.opts.OnSubscribed()
		c.dispatching.Store(false)
	}

	defer func() {
		err := setListening(c.t, false)
		if err != nil && !xerrors.Is(err, ErrClosed) {
			c.log.Warn(ctx, "failed to unsubscribe from process events", slog.Error(err))
		}
		_ = c.t.Close()
	}()

	// Cancellation is cooperative: unblock the pending receive and let the
	// loop notice.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.t.Interrupt()
		case <-stop:
		}
	}()

	return c.loop(ctx, d)
}

func (c *Connector) loop(ctx context.Context, d Dispatcher) error {
	buf := make([]byte, receiveBufferLen)
	for {
		if c.isClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := c.t.Receive(buf)
		if err != nil {
			var transient *TransientReceiveError
			switch {
			case xerrors.Is(err, ErrClosed):
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.log.Debug(ctx, "receive unblocked, stopping", slog.Error(err))
				return nil
			case xerrors.As(err, &transient):
				// Anything may have been dropped while we were not reading.
				c.log.Debug(ctx, "transient receive error, requesting rescan",
					slog.F("reason", transient.Reason),
					slog.Error(err),
				)
				c.opts.Metrics.rescanRequested(transient.Reason)
				c.dispatching.Store(true)
				d.OnRescanNeeded(transient.Reason)
				c.dispatching.Store(false)
				continue
			default:
				return &FatalReceiveError{Err: err}
			}
		}
		if n == 0 {
			c.log.Debug(ctx, "process connector closed by peer")
			return nil
		}

		ev, err := Decode(buf[:n])
		if err != nil {
			c.opts.Metrics.decodeFailed()
			c.log.Debug(ctx, "skipping undecodable record", slog.Error(err))
			continue
		}
		c.opts.Metrics.eventReceived(ev.Kind)
		c.dispatch(d, ev)
	}
}

func (c *Connector) dispatch(d Dispatcher, ev Event) {
	c.dispatching.Store(true)
	defer c.dispatching.Store(false)

	switch ev.Kind {
	case KindFork:
		if c.opts.ForkPolicy != ForwardForks {
			c.opts.Metrics.forkDropped()
			return
		}
		d.OnFork(ev.ParentPID, ev.PID, ev.Timestamp)
	case KindExec:
		d.OnExec(ev.PID, ev.Timestamp)
	case KindExit:
		d.OnExit(ev.PID, ev.Timestamp)
	default:
		return
	}
	c.opts.Metrics.eventDispatched(ev.Kind)
}

func (c *Connector) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
	}

	return false
}

// Close stops the connector. If Run is in progress, its pending receive is
// interrupted and Close waits until Run has unsubscribed and released the
// transport. Closing after Run has returned is a no-op that returns nil.
// Calling Close more than once returns an error.
//
// Close may be called from a Dispatcher callback. It then returns without
// waiting, and Run stops as soon as the callback returns. The same applies to
// a Close from another goroutine that races with a running callback.
func (c *Connector) Close() error {
	c.closeLock.Lock()
	defer c.closeLock.Unlock()
	if c.isClosed() {
		return errConnectorClosed
	}
	close(c.closed)
	runtime.SetFinalizer(c, nil)

	if c.done == nil {
		// Never run, so we still own the transport here.
		return c.t.Close()
	}

	select {
	case <-c.done:
		// Run already released the transport.
		return nil
	default:
	}

	err := c.t.Interrupt()
	if !c.dispatching.Load() {
		<-c.done
	}
	if err != nil {
		return xerrors.Errorf("interrupt transport: %w", err)
	}
	return nil
}
