package classify

import log "github.com/sirupsen/logrus"

// graceEntry tracks a PID between cycles while its unauthorized verdict
// waits for confirmation.
type graceEntry struct {
	FirstSeen   uint64
	LastSeen    uint64
	DeviceIndex int
}

// Classifier owns the only state that survives across cycles: the map of
// PIDs pending grace-period confirmation. Cycles never overlap, so no
// locking is needed.
type Classifier struct {
	grace map[int32]*graceEntry
}

func New() *Classifier {
	return &Classifier{grace: make(map[int32]*graceEntry)}
}

// Observe records this cycle's decisions into the grace map and returns
// the unauthorized decisions confirmed for enforcement: those already
// unauthorized in the immediately preceding cycle. A PID first seen
// unauthorized this cycle is never enforced, it gets one interval to
// absorb scheduler/device snapshot races. Entries for PIDs no longer in
// the inventory are pruned, so a process that exits (or was enforced) and
// later reappears starts a fresh grace period.
func (c *Classifier) Observe(cycle uint64, decisions []Decision) []Decision {
	seen := make(map[int32]struct{}, len(decisions))
	var confirmed []Decision
	for _, d := range decisions {
		seen[d.Pid] = struct{}{}
		if d.Verdict != Unauthorized {
			delete(c.grace, d.Pid)
			continue
		}
		e, ok := c.grace[d.Pid]
		if !ok || e.LastSeen != cycle-1 {
			c.grace[d.Pid] = &graceEntry{FirstSeen: cycle, LastSeen: cycle, DeviceIndex: d.DeviceIndex}
			log.Infof("pid %d unauthorized (%s), grace period started", d.Pid, d.Reason)
			continue
		}
		e.LastSeen = cycle
		confirmed = append(confirmed, d)
	}
	for pid := range c.grace {
		if _, ok := seen[pid]; !ok {
			delete(c.grace, pid)
		}
	}
	return confirmed
}

// PendingGrace reports how many PIDs are waiting for a confirming cycle.
func (c *Classifier) PendingGrace(cycle uint64) int {
	n := 0
	for _, e := range c.grace {
		if e.FirstSeen == cycle {
			n++
		}
	}
	return n
}
