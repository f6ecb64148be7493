package procinfo

import (
	"path/filepath"

	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"
)

// Meta is best-effort process metadata attached to audit records. The
// target may die at any point while it is collected, so every lookup
// failure degrades to an empty field instead of an error.
type Meta struct {
	User        string
	Cmdline     string
	ContainerID string
}

func Describe(pid int32) Meta {
	var m Meta
	if pr, err := process.NewProcess(pid); err == nil {
		if user, err := pr.Username(); err == nil {
			m.User = user
		} else {
			log.Debugf("unable to resolve username for pid %d: %s", pid, err)
		}
		if cmdline, err := pr.CmdlineSlice(); err == nil && len(cmdline) > 0 {
			m.Cmdline = cmdline[0]
		}
	} else {
		log.Debugf("pid %d gone before metadata collection: %s", pid, err)
	}
	m.ContainerID = containerID(pid)
	return m
}

// containerID extracts the container id from the memory cgroup path, the
// same way container runtimes name the leaf cgroup.
func containerID(pid int32) string {
	proc, err := procfs.NewProc(int(pid))
	if err != nil {
		return ""
	}
	cgroups, err := proc.Cgroups()
	if err != nil {
		log.Debugf("unable to read cgroups for pid %d: %s", pid, err)
		return ""
	}
	for _, g := range cgroups {
		for _, c := range g.Controllers {
			if c == "memory" {
				if id := filepath.Base(g.Path); id != "/" {
					return id
				}
			}
		}
	}
	// cgroup v2 has a single unified entry with no controllers listed
	for _, g := range cgroups {
		if g.HierarchyID == 0 && g.Path != "/" {
			return filepath.Base(g.Path)
		}
	}
	return ""
}
