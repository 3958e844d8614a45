package monitor

import (
	"github.com/prometheus/procfs"
	"golang.org/x/xerrors"
)

// Scanner enumerates live processes out of band. It is what a rescan
// request is answered with.
type Scanner interface {
	Scan() (map[int32]Process, error)
	Cmdline(pid int32) ([]string, error)
}

type procfsScanner struct {
	fs procfs.FS
}

var _ Scanner = procfsScanner{}

// NewProcfsScanner returns a Scanner that reads the proc filesystem mounted
// at mountPoint.
func NewProcfsScanner(mountPoint string) (Scanner, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, xerrors.Errorf("open procfs at %q: %w", mountPoint, err)
	}
	return procfsScanner{fs: fs}, nil
}

func (s procfsScanner) Scan() (map[int32]Process, error) {
	procs, err := s.fs.AllProcs()
	if err != nil {
		return nil, xerrors.Errorf("list processes: %w", err)
	}

	out := make(map[int32]Process, len(procs))
	for _, p := range procs {
		// Processes can exit while we walk the list, skip them.
		stat, err := p.Stat()
		if err != nil {
			continue
		}
		cmdline, err := p.CmdLine()
		if err != nil {
			continue
		}
		out[int32(p.PID)] = Process{
			PID:       int32(p.PID),
			ParentPID: int32(stat.PPID),
			Cmdline:   cmdline,
		}
	}
	return out, nil
}

func (s procfsScanner) Cmdline(pid int32) ([]string, error) {
	p, err := s.fs.Proc(int(pid))
	if err != nil {
		return nil, xerrors.Errorf("open process %d: %w", pid, err)
	}
	cmdline, err := p.CmdLine()
	if err != nil {
		return nil, xerrors.Errorf("read cmdline of process %d: %w", pid, err)
	}
	return cmdline, nil
}
