package proctree

import (
	"errors"

	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v3/process"
)

// ErrNoSuchProcess is returned when a PID vanished between the device
// snapshot and the ancestry walk.
var ErrNoSuchProcess = errors.New("no such process")

// Tree is the minimal view of the host process tree the resolver needs.
type Tree interface {
	// Parent returns the parent PID, or ErrNoSuchProcess if the process
	// is already gone.
	Parent(pid int32) (int32, error)
	// NamespacePids returns the PIDs a process is known by, outermost
	// (host) first. A process outside any PID namespace yields just its
	// own PID.
	NamespacePids(pid int32) ([]int32, error)
}

// HostTree reads the live process tree from /proc.
type HostTree struct {
	fs procfs.FS
}

func NewHostTree() (*HostTree, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &HostTree{fs: fs}, nil
}

func (t *HostTree) Parent(pid int32) (int32, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return 0, ErrNoSuchProcess
	}
	ppid, err := p.Ppid()
	if err != nil {
		return 0, ErrNoSuchProcess
	}
	return ppid, nil
}

func (t *HostTree) NamespacePids(pid int32) ([]int32, error) {
	proc, err := t.fs.Proc(int(pid))
	if err != nil {
		return nil, ErrNoSuchProcess
	}
	status, err := proc.NewStatus()
	if err != nil {
		return nil, ErrNoSuchProcess
	}
	if len(status.NSpids) == 0 {
		return []int32{pid}, nil
	}
	pids := make([]int32, 0, len(status.NSpids))
	for _, p := range status.NSpids {
		pids = append(pids, int32(p))
	}
	return pids, nil
}
