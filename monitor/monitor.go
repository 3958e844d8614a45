package monitor

import (
	"context"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/kballard/go-shellquote"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"github.com/coder/procevents"
)

const defaultProcMount = "/proc"

type Options struct {
	ForkPolicy procevents.ForkPolicy
	// ReceiveBufferSize is the SO_RCVBUF size of the netlink socket. Zero
	// keeps the kernel default.
	ReceiveBufferSize int
	// ProcMount is where the proc filesystem is mounted. Defaults to /proc.
	ProcMount string
	// MetricsAddress is the listen address of the Prometheus endpoint. Empty
	// disables it.
	MetricsAddress string
	// ScanInterval is how often /proc is scanned when process events are not
	// available (the process lacks CAP_NET_ADMIN). Defaults to 10s.
	ScanInterval time.Duration
	// InitialBackoff and MaxBackoff bound the delay between reconnects after
	// the connector fails. Default to 100ms and 30s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Monitor keeps a table of live processes up to date from kernel process
// events, falling back to full /proc scans when events may have been lost.
type Monitor struct {
	log     slog.Logger
	opts    Options
	table   *Table
	scanner Scanner

	reg          *prometheus.Registry
	metrics      *procevents.Metrics
	scans        prometheus.Counter
	scanFailures prometheus.Counter
	reconnects   prometheus.Counter
	processes    prometheus.GaugeFunc

	// newConnector is procevents.New outside of tests.
	newConnector func(*procevents.ConnectorOpts) (*procevents.Connector, error)
	// rescan holds at most one pending scan request, so repeated requests
	// while a scan is pending are absorbed.
	rescan chan struct{}
}

// New creates a Monitor reading the proc filesystem named in opts.
func New(log slog.Logger, opts Options) (*Monitor, error) {
	if opts.ProcMount == "" {
		opts.ProcMount = defaultProcMount
	}
	scanner, err := NewProcfsScanner(opts.ProcMount)
	if err != nil {
		return nil, err
	}
	return newMonitor(log, opts, scanner)
}

func newMonitor(log slog.Logger, opts Options, scanner Scanner) (*Monitor, error) {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 10 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}

	reg := prometheus.NewRegistry()
	metrics, err := procevents.NewMetrics(reg)
	if err != nil {
		return nil, xerrors.Errorf("create connector metrics: %w", err)
	}

	m := &Monitor{
		log:          log,
		opts:         opts,
		table:        NewTable(),
		scanner:      scanner,
		reg:          reg,
		metrics:      metrics,
		newConnector: procevents.New,
		rescan:       make(chan struct{}, 1),
	}

	factory := promauto.With(reg)
	m.scans = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "procevents",
		Name:      "scans_total",
		Help:      "The total number of full /proc scans.",
	})
	m.scanFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "procevents",
		Name:      "scan_failures_total",
		Help:      "The total number of full /proc scans that failed.",
	})
	m.reconnects = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "procevents",
		Name:      "reconnects_total",
		Help:      "The total number of times the process connector was reopened after stopping.",
	})
	m.processes = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "procevents",
		Name:      "processes",
		Help:      "The number of processes in the process table.",
	}, func() float64 { return float64(m.table.Len()) })

	return m, nil
}

// Table returns the live process table.
func (m *Monitor) Table() *Table {
	return m.table
}

// Run creates a Monitor and runs it until ctx is canceled.
func Run(ctx context.Context, log slog.Logger, opts Options) error {
	m, err := New(log, opts)
	if err != nil {
		return err
	}
	return m.Run(ctx)
}

// Run watches process events until ctx is canceled, which is the only way it
// returns without an unrecoverable error. The connector is reopened with
// exponential backoff when it stops. If the process is not allowed to open the
// connector at all, /proc is polled every ScanInterval instead.
func (m *Monitor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg sync.WaitGroup
		// Only written by the metrics goroutine, read after wg.Wait.
		metricsErr error
	)
	if m.opts.MetricsAddress != "" {
		l, err := net.Listen("tcp", m.opts.MetricsAddress)
		if err != nil {
			return xerrors.Errorf("listen %q on tcp: %w", m.opts.MetricsAddress, err)
		}
		m.log.Info(ctx, "serving metrics", slog.F("addr", l.Addr().String()))

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := serveMetrics(ctx, l, m.reg)
			if err != nil {
				m.log.Error(ctx, "metrics server failed, stopping", slog.Error(err))
				metricsErr = err
				cancel()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.scanLoop(ctx)
	}()

	err := m.runEvents(ctx)
	cancel()
	wg.Wait()

	if metricsErr != nil {
		return multierror.Append(metricsErr, err)
	}
	return err
}

func (m *Monitor) runEvents(ctx context.Context) error {
	err := m.watch(ctx)
	if err == nil || ctx.Err() != nil {
		return ctx.Err()
	}
	if !isPermissionError(err) {
		return err
	}

	m.log.Warn(ctx, "process events are not available, polling /proc instead; run as root to use process events",
		slog.F("interval", m.opts.ScanInterval),
		slog.Error(err),
	)
	m.poll(ctx)
	return ctx.Err()
}

// watch runs connectors one after the other until ctx is canceled or a
// connector cannot be opened for lack of privileges.
func (m *Monitor) watch(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.InitialBackoff
	b.MaxInterval = m.opts.MaxBackoff
	// Never give up, restarting is our job.
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		c, err := m.newConnector(&procevents.ConnectorOpts{
			ForkPolicy:        m.opts.ForkPolicy,
			ReceiveBufferSize: m.opts.ReceiveBufferSize,
			Logger:            m.log,
			Metrics:           m.metrics,
			// Whatever happened before the subscription is unknown. Scanning
			// any earlier could miss processes started in between.
			OnSubscribed: m.requestRescan,
		})
		if err != nil {
			if isPermissionError(err) {
				return backoff.Permanent(err)
			}
			return xerrors.Errorf("open process connector: %w", err)
		}
		defer func() {
			// Run has already released the socket.
			_ = c.Close()
		}()

		attempt++
		if attempt > 1 {
			m.reconnects.Inc()
		}
		m.log.Debug(ctx, "process connector started", slog.F("attempt", attempt))
		err = c.Run(ctx, dispatcher{m: m})
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = xerrors.New("process connector closed by the kernel")
		}
		if isPermissionError(err) {
			return backoff.Permanent(err)
		}

		// The connector ran for a while, so start the backoff over.
		b.Reset()
		return err
	}

	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		m.log.Warn(ctx, "process connector stopped, reconnecting",
			slog.F("retry_in", next),
			slog.Error(err),
		)
	})
}

// poll requests a full scan every ScanInterval until ctx is canceled.
func (m *Monitor) poll(ctx context.Context) {
	ticker := time.NewTicker(m.opts.ScanInterval)
	defer ticker.Stop()

	m.requestRescan()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.requestRescan()
		}
	}
}

func (m *Monitor) requestRescan() {
	select {
	case m.rescan <- struct{}{}:
	default:
	}
}

func (m *Monitor) scanLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.rescan:
			m.scan(ctx)
		}
	}
}

func (m *Monitor) scan(ctx context.Context) {
	m.scans.Inc()
	m.table.BeginScan()
	procs, err := m.scanner.Scan()
	if err != nil {
		m.table.AbortScan()
		m.scanFailures.Inc()
		m.log.Error(ctx, "full process scan failed", slog.Error(err))
		return
	}
	m.table.FinishScan(procs)
	m.log.Debug(ctx, "full process scan done", slog.F("processes", len(procs)))
}

// dispatcher applies process events to the table and logs them. Callbacks run
// on the connector's loop, so they only do a cmdline read at most.
type dispatcher struct {
	m *Monitor
}

var _ procevents.Dispatcher = dispatcher{}

func (d dispatcher) OnFork(parentPID, childPID int32, ts uint64) {
	d.m.table.Fork(parentPID, childPID, ts)
	d.m.log.Debug(context.Background(), "fork",
		slog.F("parent_pid", parentPID),
		slog.F("pid", childPID),
		slog.F("timestamp_ns", ts),
	)
}

func (d dispatcher) OnExec(pid int32, ts uint64) {
	// The process may already be gone, in which case we only know its pid.
	cmdline, err := d.m.scanner.Cmdline(pid)
	if err != nil {
		cmdline = nil
	}
	d.m.table.Exec(pid, ts, cmdline)
	d.m.log.Info(context.Background(), "exec",
		slog.F("pid", pid),
		slog.F("timestamp_ns", ts),
		// Construct a simple string field so people don't need to write
		// queries against the argv array.
		slog.F("cmdline", shellquote.Join(cmdline...)),
	)
}

func (d dispatcher) OnExit(pid int32, ts uint64) {
	p, known := d.m.table.Exit(pid)
	d.m.log.Info(context.Background(), "exit",
		slog.F("pid", pid),
		slog.F("timestamp_ns", ts),
		slog.F("known", known),
		slog.F("cmdline", shellquote.Join(p.Cmdline...)),
	)
}

func (d dispatcher) OnRescanNeeded(reason procevents.RescanReason) {
	d.m.log.Debug(context.Background(), "process events may have been lost, scheduling a full scan",
		slog.F("reason", reason),
	)
	d.m.requestRescan()
}

func isPermissionError(err error) bool {
	return xerrors.Is(err, syscall.EPERM) || xerrors.Is(err, syscall.EACCES)
}

// serveMetrics serves the registry at /metrics on l until ctx is canceled.
func serveMetrics(ctx context.Context, l net.Listener, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       5 * time.Second,
		Handler:           mux,
	}
	defer srv.Close()

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	err := srv.Serve(l)
	if !xerrors.Is(err, http.ErrServerClosed) {
		return xerrors.Errorf("serve metrics: %w", err)
	}
	return nil
}
