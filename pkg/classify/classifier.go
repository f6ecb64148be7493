package classify

import (
	log "github.com/sirupsen/logrus"

	"github.com/AccessibleAI/gpu-sentry/pkg/inventory"
	"github.com/AccessibleAI/gpu-sentry/pkg/proctree"
	"github.com/AccessibleAI/gpu-sentry/pkg/slurm"
)

type Verdict string

const (
	Authorized   Verdict = "AUTHORIZED"
	Unauthorized Verdict = "UNAUTHORIZED"
)

const (
	ReasonRootMatch        = "ancestry matches job launch root"
	ReasonNoMatch          = "no launch root in ancestry up to init"
	ReasonResolutionFailed = "ancestry resolution failed"
	ReasonJobInactive      = "matched launch root has no active job"
)

// Decision is the verdict for one GPU process in one cycle. Immutable
// once produced; it flows to the enforcer and the audit log.
type Decision struct {
	Pid         int32
	DeviceIndex int
	DeviceUUID  string
	MemoryBytes uint64
	Verdict     Verdict
	JobID       string
	Owner       string
	Reason      string

	// best-effort enrichment, audit only
	User          string
	Cmdline       string
	ContainerID   string
	ContainerName string
}

// Evaluate produces exactly one Decision per inventory entry. It is a
// pure function of the two snapshots and the process tree: no state is
// touched, so an aborted cycle leaves nothing behind.
func Evaluate(tree proctree.Tree, entries []inventory.ProcessEntry, jobs []slurm.JobRecord) []Decision {
	roots := make(map[int32]struct{})
	rootJob := make(map[int32]*slurm.JobRecord)
	for i := range jobs {
		for _, pid := range jobs[i].LaunchRoots {
			roots[pid] = struct{}{}
			rootJob[pid] = &jobs[i]
		}
	}

	decisions := make([]Decision, 0, len(entries))
	for _, e := range entries {
		d := Decision{
			Pid:         e.Pid,
			DeviceIndex: e.DeviceIndex,
			DeviceUUID:  e.DeviceUUID,
			MemoryBytes: e.MemoryBytes,
		}
		res := proctree.Resolve(tree, e.Pid, roots)
		switch {
		case res.Err != nil:
			// ambiguity never favors authorization
			d.Verdict = Unauthorized
			d.Reason = ReasonResolutionFailed
			log.Debugf("pid %d: %s", e.Pid, res.Err)
		case res.Matched():
			if job := ownerJob(rootJob, tree, res.MatchedRoot); job != nil {
				d.Verdict = Authorized
				d.JobID = job.JobID
				d.Owner = job.Owner
				d.Reason = ReasonRootMatch
			} else {
				d.Verdict = Unauthorized
				d.Reason = ReasonJobInactive
			}
		default:
			d.Verdict = Unauthorized
			d.Reason = ReasonNoMatch
		}
		decisions = append(decisions, d)
	}
	return decisions
}

// ownerJob maps a matched root back to its job record, checking the root
// under every PID it is known by.
func ownerJob(rootJob map[int32]*slurm.JobRecord, tree proctree.Tree, root int32) *slurm.JobRecord {
	if job, ok := rootJob[root]; ok {
		return job
	}
	if nspids, err := tree.NamespacePids(root); err == nil {
		for _, pid := range nspids {
			if job, ok := rootJob[pid]; ok {
				return job
			}
		}
	}
	return nil
}
