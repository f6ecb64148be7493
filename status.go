package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/AccessibleAI/gpu-sentry/pkg/classify"
	"github.com/AccessibleAI/gpu-sentry/pkg/inventory"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"s"},
	Short:   "Classify current gpu processes without enforcing",
	Run: func(cmd *cobra.Command, args []string) {
		showStatus()
	},
}

func showStatus() {
	s, reader := newSentry(true, false)
	defer reader.Close()

	ctx := context.Background()
	decisions, jobs, err := s.Inspect(ctx)
	if err != nil {
		log.Fatalf("unable to inspect gpu processes, err: %s", err)
	}
	devices, err := s.Inventory.Devices(ctx)
	if err != nil {
		log.Fatalf("unable to list gpu devices, err: %s", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"GPU", "Pid", "User", "Memory", "Verdict", "Job", "Reason", "Cmd"})
	unauthorized := 0
	for _, device := range devices {
		for _, d := range decisions {
			if d.DeviceIndex != device.Index {
				continue
			}
			if d.Verdict == classify.Unauthorized {
				unauthorized++
			}
			t.AppendRow(table.Row{
				device.Index,
				d.Pid,
				orDash(d.User),
				fmt.Sprintf("%dMB", d.MemoryBytes/inventory.MB),
				d.Verdict,
				orDash(d.JobID),
				d.Reason,
				orDash(d.Cmdline),
			})
		}
	}
	t.AppendFooter(table.Row{len(devices), len(decisions), "", "", fmt.Sprintf("%d unauthorized", unauthorized), fmt.Sprintf("%d jobs", len(jobs)), "", ""})
	t.SetStyle(table.StyleColoredGreenWhiteOnBlack)
	t.Render()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
