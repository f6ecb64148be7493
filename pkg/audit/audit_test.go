package audit

import (
	"bufio"
	"encoding/json"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/afero"
)

func TestAudit(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Audit Suite")
}

func readKinds(fs afero.Fs, path string) []string {
	f, err := fs.Open(path)
	Expect(err).NotTo(HaveOccurred())
	defer f.Close()
	var kinds []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec struct {
			Kind string `json:"kind"`
		}
		Expect(json.Unmarshal(scanner.Bytes(), &rec)).To(Succeed())
		kinds = append(kinds, rec.Kind)
	}
	return kinds
}

var _ = Describe("audit log", func() {

	It("appends one json line per record in order", func() {
		fs := afero.NewMemMapFs()
		w, err := Open(fs, "audit.log")
		Expect(err).NotTo(HaveOccurred())

		Expect(w.Append(DecisionRecord{Kind: KindDecision, Cycle: 1, Time: time.Now(), Pid: 500, Verdict: "UNAUTHORIZED", Reason: "no launch root in ancestry up to init"})).To(Succeed())
		Expect(w.Flush()).To(Succeed())
		Expect(w.Append(OutcomeRecord{Kind: KindOutcome, Cycle: 1, Time: time.Now(), Pid: 500, Signal: "SIGTERM", Status: "SUCCEEDED"})).To(Succeed())
		Expect(w.Close()).To(Succeed())

		Expect(readKinds(fs, "audit.log")).To(Equal([]string{KindDecision, KindOutcome}))
	})

	It("preserves prior entries across reopen", func() {
		fs := afero.NewMemMapFs()
		w, err := Open(fs, "audit.log")
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Append(DecisionRecord{Kind: KindDecision, Cycle: 1, Pid: 500})).To(Succeed())
		Expect(w.Close()).To(Succeed())

		w, err = Open(fs, "audit.log")
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Append(DecisionRecord{Kind: KindDecision, Cycle: 2, Pid: 500})).To(Succeed())
		Expect(w.Close()).To(Succeed())

		Expect(readKinds(fs, "audit.log")).To(HaveLen(2))
	})

	It("round-trips the full decision payload", func() {
		fs := afero.NewMemMapFs()
		w, err := Open(fs, "audit.log")
		Expect(err).NotTo(HaveOccurred())
		in := DecisionRecord{
			Kind: KindDecision, Cycle: 7, Pid: 9001, DeviceIndex: 2,
			DeviceUUID: "GPU-aaaa", MemoryBytes: 1 << 30, Verdict: "AUTHORIZED",
			JobID: "J1", Owner: "alice", Reason: "ancestry matches job launch root",
			User: "alice", Cmdline: "python", ContainerID: "abc123",
		}
		Expect(w.Append(in)).To(Succeed())
		Expect(w.Close()).To(Succeed())

		f, err := fs.Open("audit.log")
		Expect(err).NotTo(HaveOccurred())
		defer f.Close()
		var out DecisionRecord
		scanner := bufio.NewScanner(f)
		Expect(scanner.Scan()).To(BeTrue())
		Expect(json.Unmarshal(scanner.Bytes(), &out)).To(Succeed())
		Expect(out).To(Equal(in))
	})
})
