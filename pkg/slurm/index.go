package slurm

import (
	"context"
	"fmt"
	"os/exec"

	log "github.com/sirupsen/logrus"
)

// JobRecord is one job the scheduler considers running on this node.
// LaunchRoots are only the PIDs slurm itself created for the job (batch
// script, step tasks, container roots), never their descendants.
type JobRecord struct {
	JobID       string
	Owner       string
	State       string
	LaunchRoots []int32
}

// Index returns the jobs running on this node. An error means the
// scheduler could not be queried and the cycle must be aborted: an empty
// job list on a failed query would make every GPU user look unauthorized.
type Index interface {
	RunningJobs(ctx context.Context) ([]JobRecord, error)
}

// CommandRunner executes a scheduler CLI command and returns its stdout.
// Swappable in tests.
type CommandRunner func(ctx context.Context, name string, arg ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, arg ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, arg...).Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("%s failed: %s: %s", name, err, ee.Stderr)
		}
		return nil, fmt.Errorf("%s failed: %s", name, err)
	}
	return out, nil
}

// CLIIndex queries slurm through squeue and scontrol, the same interface
// the node's operators use.
type CLIIndex struct {
	Node   string
	Runner CommandRunner
}

func NewCLIIndex(node string) *CLIIndex {
	return &CLIIndex{Node: node, Runner: runCommand}
}

func (i *CLIIndex) RunningJobs(ctx context.Context) ([]JobRecord, error) {
	out, err := i.Runner(ctx, "squeue", "-h", "-w", i.Node, "-t", "RUNNING", "-o", "%A|%u|%T")
	if err != nil {
		return nil, fmt.Errorf("squeue query failed: %w", err)
	}
	jobs, err := ParseSqueue(string(out))
	if err != nil {
		return nil, err
	}
	for idx := range jobs {
		pidsOut, err := i.Runner(ctx, "scontrol", "listpids", jobs[idx].JobID)
		if err != nil {
			return nil, fmt.Errorf("scontrol listpids %s failed: %w", jobs[idx].JobID, err)
		}
		roots, err := ParseListPids(string(pidsOut), jobs[idx].JobID)
		if err != nil {
			return nil, err
		}
		if len(roots) == 0 {
			log.Warnf("job %s reports no launch roots on this node", jobs[idx].JobID)
		}
		jobs[idx].LaunchRoots = roots
	}
	return jobs, nil
}
