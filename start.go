package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AccessibleAI/gpu-sentry/pkg/audit"
	"github.com/AccessibleAI/gpu-sentry/pkg/classify"
	"github.com/AccessibleAI/gpu-sentry/pkg/containers"
	"github.com/AccessibleAI/gpu-sentry/pkg/enforce"
	"github.com/AccessibleAI/gpu-sentry/pkg/inventory"
	"github.com/AccessibleAI/gpu-sentry/pkg/proctree"
	"github.com/AccessibleAI/gpu-sentry/pkg/sentry"
	"github.com/AccessibleAI/gpu-sentry/pkg/slurm"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the enforcement loop",
	Run: func(cmd *cobra.Command, args []string) {
		startSentry()
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single enforcement cycle and exit",
	Run: func(cmd *cobra.Command, args []string) {
		runOnce()
	},
}

func startSentry() {
	s, reader := newSentry(viper.GetBool(flagDryRun), true)
	defer reader.Close()
	defer func() {
		if s.Audit != nil {
			if err := s.Audit.Close(); err != nil {
				log.Errorf("unable to close audit log, err: %s", err)
			}
		}
	}()

	if addr := viper.GetString(flagMetricsAddr); addr != "" {
		reg := prometheus.NewRegistry()
		s.Metrics = sentry.NewMetrics(reg)
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			log.Infof("serving metrics on %s/metrics", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Errorf("metrics server failed, err: %s", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := s.Run(ctx); err != nil {
		log.Fatalf("enforcement loop failed, err: %s", err)
	}
}

func runOnce() {
	s, reader := newSentry(viper.GetBool(flagDryRun), true)
	defer reader.Close()

	summary, err := s.RunCycle(context.Background())
	if s.Audit != nil {
		if cerr := s.Audit.Close(); cerr != nil {
			log.Errorf("unable to close audit log, err: %s", cerr)
		}
	}
	if err != nil {
		log.Errorf("cycle aborted: %s", err)
		os.Exit(1)
	}
	log.WithFields(log.Fields{
		"cycle":                      summary.Cycle,
		"pids_seen":                  summary.PidsSeen,
		"authorized":                 summary.Authorized,
		"unauthorized_pending_grace": summary.UnauthorizedPendingGrace,
		"enforced":                   summary.Enforced,
		"failures":                   summary.Failures,
	}).Info("cycle complete")
}

// newSentry wires the pipeline from viper configs. withAudit is false
// for the read-only status surface.
func newSentry(dryRun, withAudit bool) (*sentry.Sentry, *inventory.NvmlReader) {
	reader, err := inventory.NewNvmlReader()
	if err != nil {
		log.Fatalf("unable to initialize device inventory, err: %s", err)
	}
	tree, err := proctree.NewHostTree()
	if err != nil {
		log.Fatalf("unable to open /proc, err: %s", err)
	}

	node := viper.GetString(flagNode)
	if node == "" {
		if node, err = os.Hostname(); err != nil {
			log.Fatalf("failed to detect hostname, err: %s", err)
		}
	}

	var signaller enforce.Signaller = enforce.HostSignaller{}
	if dryRun {
		log.Info("dry-run mode, no signals will be sent")
		signaller = enforce.DryRunSignaller{}
	}

	s := &sentry.Sentry{
		Inventory:    reader,
		Jobs:         slurm.NewCLIIndex(node),
		Tree:         tree,
		Classifier:   classify.New(),
		Enforcer:     enforce.New(signaller, viper.GetDuration(flagKillWait)),
		Interval:     viper.GetDuration(flagInterval),
		QueryTimeout: viper.GetDuration(flagQueryTimeout),
	}

	if withAudit {
		w, err := audit.Open(afero.NewOsFs(), viper.GetString(flagAuditLog))
		if err != nil {
			log.Fatalf("unable to open audit log, err: %s", err)
		}
		s.Audit = w
	}

	if viper.GetBool(flagDockerEnrich) {
		if resolver, err := containers.NewDockerResolver(); err != nil {
			log.Warnf("docker enrichment disabled, err: %s", err)
		} else {
			s.Containers = resolver
		}
	}
	return s, reader
}
