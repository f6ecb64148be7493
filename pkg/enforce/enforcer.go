package enforce

import (
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"
)

// ErrProcessGone reports that the target exited before or while being
// signalled. This is the one enforcement "failure" that counts as
// success: the GPU was released without us.
var ErrProcessGone = errors.New("process already gone")

// Signaller is the narrow destructive surface of the system. The dry-run
// implementation swaps in without touching classification.
type Signaller interface {
	Signal(pid int32, sig syscall.Signal) error
	Alive(pid int32) bool
}

// HostSignaller delivers real signals. The sentry runs with elevated
// privilege (the targets usually belong to other users); privilege setup
// itself is the installer's problem, not ours.
type HostSignaller struct{}

func (HostSignaller) Signal(pid int32, sig syscall.Signal) error {
	p, err := process.NewProcess(pid)
	if err != nil {
		return ErrProcessGone
	}
	if err := p.SendSignal(sig); err != nil {
		if errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
			return ErrProcessGone
		}
		return err
	}
	return nil
}

func (HostSignaller) Alive(pid int32) bool {
	alive, err := process.PidExists(pid)
	return err == nil && alive
}

// DryRunSignaller logs what would have been done. Alive always reports
// false so no escalation is simulated.
type DryRunSignaller struct{}

func (DryRunSignaller) Signal(pid int32, sig syscall.Signal) error {
	log.Infof("dry-run: would send %s to pid %d", sigName(sig), pid)
	return nil
}

func (DryRunSignaller) Alive(pid int32) bool { return false }

type Status string

const (
	Succeeded   Status = "SUCCEEDED"
	Failed      Status = "FAILED"
	AlreadyGone Status = "PROCESS_ALREADY_GONE"
)

// Outcome records what a single termination attempt did. Produced only
// for confirmed unauthorized PIDs, always after their decision was
// logged.
type Outcome struct {
	Pid       int32
	Signal    string
	Status    Status
	Forced    bool
	Error     string
	Timestamp time.Time
}

type Enforcer struct {
	Signaller Signaller
	KillWait  time.Duration

	sleep func(time.Duration)
}

func New(s Signaller, killWait time.Duration) *Enforcer {
	return &Enforcer{Signaller: s, KillWait: killWait, sleep: time.Sleep}
}

// Terminate sends SIGTERM and, if the process survives KillWait, follows
// with SIGKILL. Failures are recorded and surfaced, never retried here:
// retry is cycle-grained, driven by the next classification. Terminate
// takes no context on purpose: once a signal is sent the escalation must
// run to completion, a half-finished kill is the one state the system
// may never leave behind.
func (e *Enforcer) Terminate(pid int32) Outcome {
	out := Outcome{Pid: pid, Signal: sigName(syscall.SIGTERM), Timestamp: time.Now()}

	err := e.Signaller.Signal(pid, syscall.SIGTERM)
	if errors.Is(err, ErrProcessGone) {
		out.Status = AlreadyGone
		return out
	}
	if err != nil {
		out.Status = Failed
		out.Error = err.Error()
		return out
	}

	e.sleep(e.KillWait)
	if !e.Signaller.Alive(pid) {
		out.Status = Succeeded
		return out
	}

	log.Warnf("pid %d survived %s after %s, escalating", pid, out.Signal, e.KillWait)
	out.Signal = sigName(syscall.SIGKILL)
	out.Forced = true
	err = e.Signaller.Signal(pid, syscall.SIGKILL)
	if errors.Is(err, ErrProcessGone) {
		// released the device between the liveness check and the kill
		out.Status = Succeeded
		return out
	}
	if err != nil {
		out.Status = Failed
		out.Error = err.Error()
		return out
	}
	out.Status = Succeeded
	return out
}

func sigName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGKILL:
		return "SIGKILL"
	}
	return sig.String()
}
