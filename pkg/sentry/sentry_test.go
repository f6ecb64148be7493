package sentry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"syscall"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/afero"

	"github.com/AccessibleAI/gpu-sentry/pkg/audit"
	"github.com/AccessibleAI/gpu-sentry/pkg/classify"
	"github.com/AccessibleAI/gpu-sentry/pkg/enforce"
	"github.com/AccessibleAI/gpu-sentry/pkg/inventory"
	"github.com/AccessibleAI/gpu-sentry/pkg/procinfo"
	"github.com/AccessibleAI/gpu-sentry/pkg/proctree"
	"github.com/AccessibleAI/gpu-sentry/pkg/slurm"
)

func TestSentry(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Sentry Suite")
}

type fakeReader struct {
	entries []inventory.ProcessEntry
	err     error
}

func (f *fakeReader) Snapshot(ctx context.Context) ([]inventory.ProcessEntry, error) {
	return f.entries, f.err
}

func (f *fakeReader) Devices(ctx context.Context) ([]inventory.Device, error) {
	return nil, f.err
}

type fakeIndex struct {
	jobs []slurm.JobRecord
	err  error
}

func (f *fakeIndex) RunningJobs(ctx context.Context) ([]slurm.JobRecord, error) {
	return f.jobs, f.err
}

type fakeTree struct {
	parents map[int32]int32
}

func (t *fakeTree) Parent(pid int32) (int32, error) {
	parent, ok := t.parents[pid]
	if !ok {
		return 0, proctree.ErrNoSuchProcess
	}
	return parent, nil
}

func (t *fakeTree) NamespacePids(pid int32) ([]int32, error) {
	if _, ok := t.parents[pid]; !ok && pid != 1 {
		return nil, proctree.ErrNoSuchProcess
	}
	return []int32{pid}, nil
}

type fakeSignaller struct {
	sent []int32
	err  error
}

func (f *fakeSignaller) Signal(pid int32, sig syscall.Signal) error {
	if sig == syscall.SIGTERM {
		f.sent = append(f.sent, pid)
	}
	return f.err
}

func (f *fakeSignaller) Alive(pid int32) bool { return false }

type auditLine struct {
	Kind    string `json:"kind"`
	Cycle   uint64 `json:"cycle"`
	Pid     int32  `json:"pid"`
	Verdict string `json:"verdict"`
	Status  string `json:"status"`
}

func readAudit(fs afero.Fs) []auditLine {
	f, err := fs.Open("audit.log")
	Expect(err).NotTo(HaveOccurred())
	defer f.Close()
	var lines []auditLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var l auditLine
		Expect(json.Unmarshal(scanner.Bytes(), &l)).To(Succeed())
		lines = append(lines, l)
	}
	return lines
}

var _ = Describe("sentry cycle", func() {

	var (
		fs        afero.Fs
		reader    *fakeReader
		index     *fakeIndex
		signaller *fakeSignaller
		s         *Sentry
	)

	entry := func(pid int32) inventory.ProcessEntry {
		return inventory.ProcessEntry{Pid: pid, DeviceIndex: 0, MemoryBytes: 1 << 30, ObservedAt: time.Now()}
	}

	BeforeEach(func() {
		fs = afero.NewMemMapFs()
		w, err := audit.Open(fs, "audit.log")
		Expect(err).NotTo(HaveOccurred())

		reader = &fakeReader{}
		index = &fakeIndex{jobs: []slurm.JobRecord{
			{JobID: "J1", Owner: "alice", State: "RUNNING", LaunchRoots: []int32{500}},
		}}
		signaller = &fakeSignaller{}

		e := enforce.New(signaller, time.Millisecond)
		s = &Sentry{
			Inventory:    reader,
			Jobs:         index,
			Tree:         &fakeTree{parents: map[int32]int32{9001: 8000, 8000: 500, 500: 1, 700: 1, 1: 0}},
			Classifier:   classify.New(),
			Enforcer:     e,
			Audit:        w,
			QueryTimeout: time.Second,
			Describe:     func(pid int32) procinfo.Meta { return procinfo.Meta{} },
		}
	})

	It("produces exactly one decision record per observed pid", func() {
		reader.entries = []inventory.ProcessEntry{entry(9001), entry(700)}
		summary, err := s.RunCycle(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.PidsSeen).To(Equal(2))
		Expect(summary.Authorized).To(Equal(1))

		lines := readAudit(fs)
		Expect(lines).To(HaveLen(2))
		for _, l := range lines {
			Expect(l.Kind).To(Equal(audit.KindDecision))
		}
	})

	It("enforces only after two consecutive unauthorized cycles", func() {
		reader.entries = []inventory.ProcessEntry{entry(700)}

		summary, err := s.RunCycle(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Enforced).To(Equal(0))
		Expect(summary.UnauthorizedPendingGrace).To(Equal(1))
		Expect(signaller.sent).To(BeEmpty())

		summary, err = s.RunCycle(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Enforced).To(Equal(1))
		Expect(signaller.sent).To(Equal([]int32{700}))
	})

	It("writes the unauthorized decision before any signal is sent", func() {
		reader.entries = []inventory.ProcessEntry{entry(700)}
		_, err := s.RunCycle(context.Background())
		Expect(err).NotTo(HaveOccurred())
		_, err = s.RunCycle(context.Background())
		Expect(err).NotTo(HaveOccurred())

		lines := readAudit(fs)
		// cycle 1: decision; cycle 2: decision then outcome
		Expect(lines).To(HaveLen(3))
		Expect(lines[1].Kind).To(Equal(audit.KindDecision))
		Expect(lines[1].Cycle).To(Equal(uint64(2)))
		Expect(lines[2].Kind).To(Equal(audit.KindOutcome))
		Expect(lines[2].Cycle).To(Equal(uint64(2)))
	})

	It("aborts the cycle on device query failure without touching state", func() {
		reader.entries = []inventory.ProcessEntry{entry(700)}
		_, err := s.RunCycle(context.Background())
		Expect(err).NotTo(HaveOccurred())

		reader.err = errors.New("nvml unavailable")
		_, err = s.RunCycle(context.Background())
		var qerr *QueryUnavailableError
		Expect(errors.As(err, &qerr)).To(BeTrue())
		Expect(qerr.Source).To(Equal("device"))
		Expect(readAudit(fs)).To(HaveLen(1))
		Expect(signaller.sent).To(BeEmpty())

		// the failed cycle never happened: the next good cycle confirms
		reader.err = nil
		summary, err := s.RunCycle(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Enforced).To(Equal(1))
	})

	It("aborts the cycle on scheduler query failure instead of mass-killing", func() {
		reader.entries = []inventory.ProcessEntry{entry(9001), entry(700)}
		index.err = errors.New("slurm controller timeout")
		_, err := s.RunCycle(context.Background())
		var qerr *QueryUnavailableError
		Expect(errors.As(err, &qerr)).To(BeTrue())
		Expect(qerr.Source).To(Equal("scheduler"))
		Expect(readAudit(fs)).To(BeEmpty())
		Expect(signaller.sent).To(BeEmpty())
	})

	It("records an already-gone target as non-failure", func() {
		reader.entries = []inventory.ProcessEntry{entry(700)}
		signaller.err = enforce.ErrProcessGone
		_, err := s.RunCycle(context.Background())
		Expect(err).NotTo(HaveOccurred())
		summary, err := s.RunCycle(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Failures).To(Equal(0))
		Expect(summary.Enforced).To(Equal(1))

		lines := readAudit(fs)
		Expect(lines[len(lines)-1].Status).To(Equal(string(enforce.AlreadyGone)))
	})

	It("surfaces enforcement failures in the summary", func() {
		reader.entries = []inventory.ProcessEntry{entry(700)}
		signaller.err = errors.New("operation not permitted")
		_, err := s.RunCycle(context.Background())
		Expect(err).NotTo(HaveOccurred())
		summary, err := s.RunCycle(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Failures).To(Equal(1))
		Expect(summary.Enforced).To(Equal(0))
	})

	It("never re-enforces a pid that disappeared from inventory", func() {
		reader.entries = []inventory.ProcessEntry{entry(700)}
		_, err := s.RunCycle(context.Background())
		Expect(err).NotTo(HaveOccurred())
		_, err = s.RunCycle(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(signaller.sent).To(HaveLen(1))

		// the kill worked, pid 700 is gone; replaying the same empty
		// snapshot must not signal again
		reader.entries = nil
		for i := 0; i < 3; i++ {
			summary, err := s.RunCycle(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Enforced).To(Equal(0))
		}
		Expect(signaller.sent).To(HaveLen(1))
	})

	It("inspect classifies without enforcing or logging", func() {
		reader.entries = []inventory.ProcessEntry{entry(700), entry(700)}
		decisions, jobs, err := s.Inspect(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(decisions).To(HaveLen(2))
		Expect(jobs).To(HaveLen(1))
		Expect(readAudit(fs)).To(BeEmpty())
		Expect(signaller.sent).To(BeEmpty())

		// inspect did not start a grace period either
		reader.entries = []inventory.ProcessEntry{entry(700)}
		summary, err := s.RunCycle(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Enforced).To(Equal(0))
	})
})

var _ = Describe("decision validation", func() {

	It("flags a decision referencing an inactive job", func() {
		decisions := []classify.Decision{{Pid: 500, Verdict: classify.Authorized, JobID: "J9"}}
		jobs := []slurm.JobRecord{{JobID: "J1"}}
		err := validate(decisions, jobs)
		var derr *DataInconsistencyError
		Expect(errors.As(err, &derr)).To(BeTrue())
		Expect(derr.JobID).To(Equal("J9"))
	})

	It("accepts decisions bound to active jobs", func() {
		decisions := []classify.Decision{{Pid: 500, Verdict: classify.Authorized, JobID: "J1"}}
		Expect(validate(decisions, []slurm.JobRecord{{JobID: "J1"}})).To(Succeed())
	})
})
