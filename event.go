package procevents

import "fmt"

// Kind is the `what` tag of a kernel process event.
type Kind uint32

// These values come from `enum what` in linux/cn_proc.h.
const (
	KindNone     Kind = 0x00000000
	KindFork     Kind = 0x00000001
	KindExec     Kind = 0x00000002
	KindUID      Kind = 0x00000004
	KindGID      Kind = 0x00000040
	KindSID      Kind = 0x00000080
	KindPtrace   Kind = 0x00000100
	KindComm     Kind = 0x00000200
	KindCoredump Kind = 0x40000000
	KindExit     Kind = 0x80000000
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindFork:
		return "fork"
	case KindExec:
		return "exec"
	case KindUID:
		return "uid"
	case KindGID:
		return "gid"
	case KindSID:
		return "sid"
	case KindPtrace:
		return "ptrace"
	case KindComm:
		return "comm"
	case KindCoredump:
		return "coredump"
	case KindExit:
		return "exit"
	}
	return fmt.Sprintf("unknown(%#x)", uint32(k))
}

// Event is a decoded process event. Which fields are set depends on Kind.
type Event struct {
	Kind Kind `json:"kind"`
	// CPU is the CPU the event was generated on.
	CPU uint32 `json:"cpu"`
	// Timestamp is taken verbatim from the kernel record, in nanoseconds of
	// the kernel's monotonic clock. It is not comparable across reboots.
	Timestamp uint64 `json:"timestamp_ns"`

	// PID and TGID identify the process the event is about. For fork events
	// they describe the child.
	PID  int32 `json:"pid"`
	TGID int32 `json:"tgid"`

	// Only set for fork events.
	ParentPID  int32 `json:"parent_pid,omitempty"`
	ParentTGID int32 `json:"parent_tgid,omitempty"`

	// Only set for exit events.
	ExitCode   uint32 `json:"exit_code,omitempty"`
	ExitSignal uint32 `json:"exit_signal,omitempty"`
}

// Supported reports whether the event is one the connector dispatches. Other
// kinds (uid changes, ptrace, ...) are recognized but discarded.
func (e Event) Supported() bool {
	switch e.Kind {
	case KindFork, KindExec, KindExit:
		return true
	}
	return false
}

// RescanReason says why a rescan was requested.
type RescanReason int

const (
	// RescanInterrupted means a receive was interrupted by a signal and
	// notifications may have been missed.
	RescanInterrupted RescanReason = iota
	// RescanOverflow means the kernel socket buffer overflowed and queued
	// notifications were definitely discarded.
	RescanOverflow
)

func (r RescanReason) String() string {
	switch r {
	case RescanInterrupted:
		return "interrupted"
	case RescanOverflow:
		return "overflow"
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

// Dispatcher receives events from a Connector. Calls are made synchronously
// from the event loop, in the order the kernel delivered the events, so
// implementations must return quickly. Blocking in a callback stalls ingestion
// and makes socket buffer overflows more likely. A callback may call the
// Connector's Close to stop it.
type Dispatcher interface {
	// OnFork is only called when the connector uses ForwardForks.
	OnFork(parentPID, childPID int32, timestampNS uint64)
	OnExec(pid int32, timestampNS uint64)
	OnExit(pid int32, timestampNS uint64)
	// OnRescanNeeded signals that events may have been lost and the consumer
	// should reconcile its state with a full scan. It may be called several
	// times in quick succession and must be idempotent.
	OnRescanNeeded(reason RescanReason)
}

// DispatcherFuncs implements Dispatcher with optional functions. Nil
// functions are skipped.
type DispatcherFuncs struct {
	Fork   func(parentPID, childPID int32, timestampNS uint64)
	Exec   func(pid int32, timestampNS uint64)
	Exit   func(pid int32, timestampNS uint64)
	Rescan func(reason RescanReason)
}

var _ Dispatcher = DispatcherFuncs{}

func (d DispatcherFuncs) OnFork(parentPID, childPID int32, timestampNS uint64) {
	if d.Fork != nil {
		d.Fork(parentPID, childPID, timestampNS)
	}
}

func (d DispatcherFuncs) OnExec(pid int32, timestampNS uint64) {
	if d.Exec != nil {
		d.Exec(pid, timestampNS)
	}
}

func (d DispatcherFuncs) OnExit(pid int32, timestampNS uint64) {
	if d.Exit != nil {
		d.Exit(pid, timestampNS)
	}
}

func (d DispatcherFuncs) OnRescanNeeded(reason RescanReason) {
	if d.Rescan != nil {
		d.Rescan(reason)
	}
}
