package monitor

import (
	"sort"
	"sync"
)

// Process is an entry in the process table.
type Process struct {
	PID       int32    `json:"pid"`
	ParentPID int32    `json:"parent_pid,omitempty"`
	Cmdline   []string `json:"cmdline"`
	// StartNS is the kernel timestamp of the fork or exec that created the
	// entry. Entries created by a scan have no timestamp.
	StartNS uint64 `json:"start_ns,omitempty"`
}

// Table is the set of live processes, kept up to date from process events
// and reconciled by full scans. Events that arrive while a scan runs are
// replayed on top of its result, so the scan cannot resurrect a process that
// exited or undo an exec it raced with.
type Table struct {
	mu    sync.RWMutex
	procs map[int32]Process
	// journal records the changes applied since BeginScan. It is only kept
	// while scanning is set.
	scanning bool
	journal  []func(map[int32]Process)
}

func NewTable() *Table {
	return &Table{procs: map[int32]Process{}}
}

// apply runs op on the table and records it for the running scan, if any.
// The caller must hold mu.
func (t *Table) apply(op func(map[int32]Process)) {
	op(t.procs)
	if t.scanning {
		t.journal = append(t.journal, op)
	}
}

// Fork records a child that has not exec'd yet.
func (t *Table) Fork(parentPID, childPID int32, ts uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.apply(func(procs map[int32]Process) {
		procs[childPID] = Process{
			PID:       childPID,
			ParentPID: parentPID,
			StartNS:   ts,
		}
	})
}

// Exec records a new program image for pid. The parent is kept if the fork
// was seen.
func (t *Table) Exec(pid int32, ts uint64, cmdline []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.apply(func(procs map[int32]Process) {
		p := procs[pid]
		p.PID = pid
		p.StartNS = ts
		p.Cmdline = cmdline
		procs[pid] = p
	})
}

// Exit removes pid and returns the entry it had, if any.
func (t *Table) Exit(pid int32) (Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	t.apply(func(procs map[int32]Process) {
		delete(procs, pid)
	})
	return p, ok
}

// BeginScan starts recording changes so FinishScan can replay them on the
// scan result. Only one scan may run at a time.
func (t *Table) BeginScan() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanning = true
	t.journal = nil
}

// FinishScan replaces the table with procs, after replaying every change made
// since BeginScan on it. Table takes ownership of procs.
func (t *Table) FinishScan(procs map[int32]Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, op := range t.journal {
		op(procs)
	}
	t.procs = procs
	t.scanning = false
	t.journal = nil
}

// AbortScan drops the changes recorded for a scan that failed.
func (t *Table) AbortScan() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanning = false
	t.journal = nil
}

func (t *Table) Get(pid int32) (Process, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.procs[pid]
	return p, ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.procs)
}

// Snapshot returns all entries sorted by pid.
func (t *Table) Snapshot() []Process {
	t.mu.RLock()
	out := make([]Process, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}
