package slurm

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSqueue parses `squeue -h -o %A|%u|%T` output. A malformed row is
// an error, not a skip: garbled scheduler output must abort the cycle.
func ParseSqueue(out string) ([]JobRecord, error) {
	var jobs []JobRecord
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed squeue row: %q", line)
		}
		jobs = append(jobs, JobRecord{
			JobID: strings.TrimSpace(fields[0]),
			Owner: strings.TrimSpace(fields[1]),
			State: strings.TrimSpace(fields[2]),
		})
	}
	return jobs, nil
}

// ParseListPids parses `scontrol listpids <jobid>` output:
//
//	PID      JOBID    STEPID   LOCALID GLOBALID
//	12345    42       batch    0       0
//
// Rows for other jobs and the -1 placeholder slurm prints for the extern
// step are skipped.
func ParseListPids(out, jobID string) ([]int32, error) {
	var pids []int32
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "PID") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("malformed scontrol listpids row: %q", line)
		}
		if fields[1] != jobID {
			continue
		}
		pid, err := strconv.ParseInt(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed pid in scontrol listpids row: %q", line)
		}
		if pid <= 0 {
			continue
		}
		pids = append(pids, int32(pid))
	}
	return pids, nil
}
