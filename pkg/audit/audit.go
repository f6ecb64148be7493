// Package audit is the append-only trail of every classification and
// every enforcement action. Records are JSON lines so the file survives
// partial writes at the tail and stays greppable; nothing ever rewrites
// or deletes a prior entry.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
)

type DecisionRecord struct {
	Kind          string    `json:"kind"`
	Cycle         uint64    `json:"cycle"`
	Time          time.Time `json:"time"`
	Pid           int32     `json:"pid"`
	DeviceIndex   int       `json:"device"`
	DeviceUUID    string    `json:"device_uuid,omitempty"`
	MemoryBytes   uint64    `json:"memory_bytes"`
	Verdict       string    `json:"verdict"`
	JobID         string    `json:"job_id,omitempty"`
	Owner         string    `json:"owner,omitempty"`
	Reason        string    `json:"reason"`
	User          string    `json:"user,omitempty"`
	Cmdline       string    `json:"cmdline,omitempty"`
	ContainerID   string    `json:"container_id,omitempty"`
	ContainerName string    `json:"container_name,omitempty"`
}

type OutcomeRecord struct {
	Kind   string    `json:"kind"`
	Cycle  uint64    `json:"cycle"`
	Time   time.Time `json:"time"`
	Pid    int32     `json:"pid"`
	Signal string    `json:"signal"`
	Status string    `json:"status"`
	Forced bool      `json:"forced,omitempty"`
	Error  string    `json:"error,omitempty"`
}

const (
	KindDecision = "decision"
	KindOutcome  = "outcome"
)

type Writer struct {
	file afero.File
}

func Open(fs afero.Fs, path string) (*Writer, error) {
	f, err := fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("unable to open audit log %s: %w", path, err)
	}
	return &Writer{file: f}, nil
}

func (w *Writer) Append(rec interface{}) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("unable to marshal audit record: %w", err)
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("unable to append audit record: %w", err)
	}
	return nil
}

// Flush syncs the file. The cycle is not complete, and no enforcement
// may start, until the decisions backing it are durable.
func (w *Writer) Flush() error {
	return w.file.Sync()
}

func (w *Writer) Close() error {
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}
