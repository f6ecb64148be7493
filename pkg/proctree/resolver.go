package proctree

import "fmt"

// maxWalkDepth guards against ppid cycles on a mutating tree.
const maxWalkDepth = 512

// Step is one hop of an ancestry walk. Pid is the namespace-local PID
// (innermost), HostPid the PID as the host sees it.
type Step struct {
	Pid       int32
	HostPid   int32
	ParentPid int32
}

// Resolution is the outcome of walking a PID's ancestry against a set of
// job launch roots. Err is set when the chain could not be fully
// resolved; the caller must treat that as unauthorized, never retry.
type Resolution struct {
	Pid         int32
	Path        []Step
	MatchedRoot int32
	Namespaced  bool
	Err         error
}

func (r Resolution) Matched() bool {
	return r.MatchedRoot > 0
}

// Resolve walks upward from pid until it hits a member of roots, PID 1,
// or a vanished parent. At every hop the process is checked under all
// the PIDs it is known by, so a launch root recorded as a container-local
// PID still matches its host-side descendants.
func Resolve(t Tree, pid int32, roots map[int32]struct{}) Resolution {
	res := Resolution{Pid: pid}
	cur := pid
	for depth := 0; ; depth++ {
		if depth >= maxWalkDepth {
			res.Err = fmt.Errorf("ancestry walk exceeded %d hops from pid %d", maxWalkDepth, pid)
			return res
		}
		nspids, err := t.NamespacePids(cur)
		if err != nil {
			res.Err = fmt.Errorf("pid %d vanished during ancestry walk of %d: %w", cur, pid, err)
			return res
		}
		if len(nspids) > 1 {
			res.Namespaced = true
		}
		for _, candidate := range nspids {
			if _, ok := roots[candidate]; ok {
				res.MatchedRoot = cur
				res.Path = append(res.Path, Step{Pid: nspids[len(nspids)-1], HostPid: cur})
				return res
			}
		}
		if cur == 1 {
			// walked up to init without a match
			res.Path = append(res.Path, Step{Pid: cur, HostPid: cur})
			return res
		}
		parent, err := t.Parent(cur)
		if err != nil {
			res.Err = fmt.Errorf("pid %d vanished during ancestry walk of %d: %w", cur, pid, err)
			return res
		}
		res.Path = append(res.Path, Step{Pid: nspids[len(nspids)-1], HostPid: cur, ParentPid: parent})
		if parent <= 0 {
			// kernel thread or namespace boundary, nothing above to match
			return res
		}
		cur = parent
	}
}
