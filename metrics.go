package procevents

import (
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"
)

const (
	kindLabel   = "kind"
	reasonLabel = "reason"
)

// Metrics counts what a Connector receives and dispatches. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	received     *prometheus.CounterVec
	dispatched   *prometheus.CounterVec
	forksDropped prometheus.Counter
	rescans      *prometheus.CounterVec
	decodeErrors prometheus.Counter
}

// NewMetrics creates the connector counters and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procevents",
			Name:      "events_received_total",
			Help:      "The total number of process events decoded from the kernel, by kind.",
		}, []string{kindLabel}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procevents",
			Name:      "events_dispatched_total",
			Help:      "The total number of process events passed to the dispatcher, by kind.",
		}, []string{kindLabel}),
		forksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "procevents",
			Name:      "forks_dropped_total",
			Help:      "The total number of fork events skipped by the fork policy.",
		}),
		rescans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procevents",
			Name:      "rescans_total",
			Help:      "The total number of rescans requested after transient receive errors, by reason.",
		}, []string{reasonLabel}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "procevents",
			Name:      "decode_errors_total",
			Help:      "The total number of datagrams that could not be decoded.",
		}),
	}

	for _, c := range []prometheus.Collector{m.received, m.dispatched, m.forksDropped, m.rescans, m.decodeErrors} {
		err := reg.Register(c)
		if err != nil {
			return nil, xerrors.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) eventReceived(k Kind) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(kindLabelValue(k)).Inc()
}

// kindLabelValue keeps label cardinality bounded when the kernel sends tags
// this package does not know about.
func kindLabelValue(k Kind) string {
	switch k {
	case KindNone, KindFork, KindExec, KindUID, KindGID, KindSID, KindPtrace, KindComm, KindCoredump, KindExit:
		return k.String()
	}
	return "unknown"
}

func (m *Metrics) eventDispatched(k Kind) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) forkDropped() {
	if m == nil {
		return
	}
	m.forksDropped.Inc()
}

func (m *Metrics) rescanRequested(r RescanReason) {
	if m == nil {
		return
	}
	m.rescans.WithLabelValues(r.String()).Inc()
}

func (m *Metrics) decodeFailed() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}
