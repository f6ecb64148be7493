// Package sentry runs the reconciliation pipeline: device inventory and
// scheduler jobs are queried independently, every GPU process is traced
// to a job launch root, and confirmed intruders are terminated. One
// cycle runs to completion before the next starts; nothing here is
// concurrent.
package sentry

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/AccessibleAI/gpu-sentry/pkg/audit"
	"github.com/AccessibleAI/gpu-sentry/pkg/classify"
	"github.com/AccessibleAI/gpu-sentry/pkg/containers"
	"github.com/AccessibleAI/gpu-sentry/pkg/enforce"
	"github.com/AccessibleAI/gpu-sentry/pkg/inventory"
	"github.com/AccessibleAI/gpu-sentry/pkg/procinfo"
	"github.com/AccessibleAI/gpu-sentry/pkg/proctree"
	"github.com/AccessibleAI/gpu-sentry/pkg/slurm"
)

// QueryUnavailableError aborts a cycle: one of the two external views
// could not be trusted, so no enforcement decision may be made from it.
type QueryUnavailableError struct {
	Source string
	Err    error
}

func (e *QueryUnavailableError) Error() string {
	return fmt.Sprintf("%s query unavailable: %s", e.Source, e.Err)
}

func (e *QueryUnavailableError) Unwrap() error { return e.Err }

// DataInconsistencyError is an internal invariant violation: a decision
// references a job the scheduler does not report this cycle.
type DataInconsistencyError struct {
	Pid   int32
	JobID string
}

func (e *DataInconsistencyError) Error() string {
	return fmt.Sprintf("decision for pid %d references job %s absent from current job set", e.Pid, e.JobID)
}

// Summary is the per-cycle report surfaced to the external polling
// driver through stdout.
type Summary struct {
	Cycle                    uint64 `json:"cycle"`
	PidsSeen                 int    `json:"pids_seen"`
	Authorized               int    `json:"authorized"`
	UnauthorizedPendingGrace int    `json:"unauthorized_pending_grace"`
	Enforced                 int    `json:"enforced"`
	Failures                 int    `json:"failures"`
}

type Sentry struct {
	Inventory  inventory.Reader
	Jobs       slurm.Index
	Tree       proctree.Tree
	Classifier *classify.Classifier
	Enforcer   *enforce.Enforcer
	Audit      *audit.Writer
	Containers containers.Resolver

	Interval     time.Duration
	QueryTimeout time.Duration
	Metrics      *Metrics

	// Describe collects best-effort process metadata for audit records.
	Describe func(pid int32) procinfo.Meta

	cycle uint64
}

// RunCycle executes one inventory→ancestry→classify→enforce→log pass.
// On error no state was mutated, nothing was enforced and nothing was
// written: the cycle never happened.
func (s *Sentry) RunCycle(ctx context.Context) (Summary, error) {
	entries, jobs, err := s.snapshot(ctx)
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.CycleAborted()
		}
		return Summary{}, err
	}

	decisions := classify.Evaluate(s.Tree, entries, jobs)
	if err := validate(decisions, jobs); err != nil {
		log.Errorf("cycle aborted: %s", err)
		if s.Metrics != nil {
			s.Metrics.CycleAborted()
		}
		return Summary{}, err
	}

	// both views are trusted from here on, the cycle counts
	s.cycle++
	summary := Summary{Cycle: s.cycle, PidsSeen: len(decisions)}

	s.enrich(ctx, decisions)
	for i := range decisions {
		if decisions[i].Verdict == classify.Authorized {
			summary.Authorized++
		}
		if err := s.append(decisionRecord(s.cycle, &decisions[i])); err != nil {
			return summary, err
		}
	}
	// decisions must be durable before any signal is sent
	if err := s.flush(); err != nil {
		return summary, err
	}

	confirmed := s.Classifier.Observe(s.cycle, decisions)
	summary.UnauthorizedPendingGrace = s.Classifier.PendingGrace(s.cycle)

	for _, d := range confirmed {
		log.Warnf("enforcing against pid %d on device %d: %s", d.Pid, d.DeviceIndex, d.Reason)
		outcome := s.Enforcer.Terminate(d.Pid)
		if outcome.Status == enforce.Failed {
			summary.Failures++
			log.Errorf("enforcement failed for pid %d: %s", d.Pid, outcome.Error)
		} else {
			summary.Enforced++
		}
		if err := s.append(outcomeRecord(s.cycle, outcome)); err != nil {
			return summary, err
		}
	}
	if err := s.flush(); err != nil {
		return summary, err
	}

	if s.Metrics != nil {
		s.Metrics.Observe(summary)
	}
	return summary, nil
}

// Inspect runs the read-only half of a cycle: query, resolve, classify.
// No grace state is touched, nothing is logged or enforced. Backs the
// status command and dry-run tooling.
func (s *Sentry) Inspect(ctx context.Context) ([]classify.Decision, []slurm.JobRecord, error) {
	entries, jobs, err := s.snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	decisions := classify.Evaluate(s.Tree, entries, jobs)
	s.enrich(ctx, decisions)
	return decisions, jobs, nil
}

// Run loops RunCycle on the fixed interval until the context is
// cancelled. Cancellation is honored only between cycles: a cycle in
// flight completes its pipeline, a signal sent without its outcome
// logged must never happen.
func (s *Sentry) Run(ctx context.Context) error {
	log.Infof("starting enforcement loop, interval: %s", s.Interval)
	for {
		summary, err := s.RunCycle(ctx)
		switch err.(type) {
		case nil:
			log.WithFields(log.Fields{
				"cycle":                      summary.Cycle,
				"pids_seen":                  summary.PidsSeen,
				"authorized":                 summary.Authorized,
				"unauthorized_pending_grace": summary.UnauthorizedPendingGrace,
				"enforced":                   summary.Enforced,
				"failures":                   summary.Failures,
			}).Info("cycle complete")
		case *QueryUnavailableError:
			log.Warnf("cycle skipped: %s", err)
		default:
			log.Errorf("cycle failed: %s", err)
		}
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case <-time.After(s.Interval):
		}
	}
}

func (s *Sentry) snapshot(ctx context.Context) ([]inventory.ProcessEntry, []slurm.JobRecord, error) {
	qctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
	defer cancel()
	entries, err := s.Inventory.Snapshot(qctx)
	if err != nil {
		return nil, nil, &QueryUnavailableError{Source: "device", Err: err}
	}
	jobs, err := s.Jobs.RunningJobs(qctx)
	if err != nil {
		return nil, nil, &QueryUnavailableError{Source: "scheduler", Err: err}
	}
	return entries, jobs, nil
}

// validate enforces the invariant that an authorized decision always
// references a job active in the same cycle.
func validate(decisions []classify.Decision, jobs []slurm.JobRecord) error {
	active := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		active[j.JobID] = struct{}{}
	}
	for _, d := range decisions {
		if d.JobID == "" {
			continue
		}
		if _, ok := active[d.JobID]; !ok {
			return &DataInconsistencyError{Pid: d.Pid, JobID: d.JobID}
		}
	}
	return nil
}

func (s *Sentry) enrich(ctx context.Context, decisions []classify.Decision) {
	describe := s.Describe
	if describe == nil {
		describe = procinfo.Describe
	}
	refreshed := false
	for i := range decisions {
		d := &decisions[i]
		meta := describe(d.Pid)
		d.User = meta.User
		d.Cmdline = meta.Cmdline
		d.ContainerID = meta.ContainerID
		if s.Containers == nil {
			continue
		}
		if !refreshed {
			if err := s.Containers.Refresh(ctx); err != nil {
				log.Debugf("container enrichment unavailable: %s", err)
				return
			}
			refreshed = true
		}
		if info, ok := s.Containers.Lookup(d.Pid); ok {
			if d.ContainerID == "" {
				d.ContainerID = info.ID
			}
			d.ContainerName = info.Name
		}
	}
}

func (s *Sentry) append(rec interface{}) error {
	if s.Audit == nil {
		return nil
	}
	return s.Audit.Append(rec)
}

func (s *Sentry) flush() error {
	if s.Audit == nil {
		return nil
	}
	return s.Audit.Flush()
}

func decisionRecord(cycle uint64, d *classify.Decision) audit.DecisionRecord {
	return audit.DecisionRecord{
		Kind:          audit.KindDecision,
		Cycle:         cycle,
		Time:          time.Now(),
		Pid:           d.Pid,
		DeviceIndex:   d.DeviceIndex,
		DeviceUUID:    d.DeviceUUID,
		MemoryBytes:   d.MemoryBytes,
		Verdict:       string(d.Verdict),
		JobID:         d.JobID,
		Owner:         d.Owner,
		Reason:        d.Reason,
		User:          d.User,
		Cmdline:       d.Cmdline,
		ContainerID:   d.ContainerID,
		ContainerName: d.ContainerName,
	}
}

func outcomeRecord(cycle uint64, o enforce.Outcome) audit.OutcomeRecord {
	return audit.OutcomeRecord{
		Kind:   audit.KindOutcome,
		Cycle:  cycle,
		Time:   o.Timestamp,
		Pid:    o.Pid,
		Signal: o.Signal,
		Status: string(o.Status),
		Forced: o.Forced,
		Error:  o.Error,
	}
}
