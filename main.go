package main

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type param struct {
	name      string
	shorthand string
	value     interface{}
	usage     string
	required  bool
}

const (
	flagVerbose      = "verbose"
	flagJSONLog      = "json-log"
	flagConfig       = "config"
	flagInterval     = "interval"
	flagKillWait     = "kill-wait"
	flagQueryTimeout = "query-timeout"
	flagAuditLog     = "audit-log"
	flagDryRun       = "dry-run"
	flagMetricsAddr  = "metrics-addr"
	flagNode         = "node"
	flagDockerEnrich = "docker-enrich"
)

var (
	Version string
	Build   string

	rootParams = []param{
		{name: flagJSONLog, shorthand: "", value: false, usage: "output logs in json format"},
		{name: flagVerbose, shorthand: "", value: false, usage: "enable verbose logs"},
		{name: flagConfig, shorthand: "c", value: "", usage: "config file (yaml), watched for changes"},
	}

	sentryParams = []param{
		{name: flagInterval, shorthand: "i", value: "60s", usage: "pause between enforcement cycles"},
		{name: flagKillWait, shorthand: "", value: "5s", usage: "wait after SIGTERM before escalating to SIGKILL"},
		{name: flagQueryTimeout, shorthand: "", value: "10s", usage: "timeout for device and scheduler queries"},
		{name: flagAuditLog, shorthand: "", value: "gpu-sentry-audit.log", usage: "append-only audit trail path"},
		{name: flagDryRun, shorthand: "", value: false, usage: "classify and log but never send signals"},
		{name: flagMetricsAddr, shorthand: "", value: "", usage: "serve prometheus metrics on this address, empty disables"},
		{name: flagNode, shorthand: "", value: "", usage: "node name for the scheduler query, defaults to hostname"},
		{name: flagDockerEnrich, shorthand: "", value: true, usage: "enrich audit records with docker container metadata"},
	}
)

var sentryVersion = &cobra.Command{
	Use:   "version",
	Short: "Print gpusentry version and build sha",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("🐾 version: %s build: %s \n", Version, Build)
	},
}

var rootCmd = &cobra.Command{
	Use:   "gpusentry",
	Short: "Exclusive-use GPU enforcement for shared slurm nodes",
}

func init() {
	cobra.OnInitialize(initConfig)
	setParams(rootParams, rootCmd)
	setParams(sentryParams, rootCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sentryVersion)
}

func initConfig() {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("GPU_SENTRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	setupLogging()
	if cfg := viper.GetString(flagConfig); cfg != "" {
		viper.SetConfigFile(cfg)
		if err := viper.ReadInConfig(); err != nil {
			log.Fatalf("config file not found, err: %s", err)
		}
		viper.WatchConfig()
		viper.OnConfigChange(func(e fsnotify.Event) {
			log.Infof("config file changed: %s, new values apply from the next cycle start", e.Name)
		})
	}
}

func setParams(params []param, command *cobra.Command) {
	for _, param := range params {
		switch v := param.value.(type) {
		case int:
			command.PersistentFlags().IntP(param.name, param.shorthand, v, param.usage)
		case string:
			command.PersistentFlags().StringP(param.name, param.shorthand, v, param.usage)
		case bool:
			command.PersistentFlags().BoolP(param.name, param.shorthand, v, param.usage)
		}
		if err := viper.BindPFlag(param.name, command.PersistentFlags().Lookup(param.name)); err != nil {
			panic(err)
		}
	}
}

func setupLogging() {

	// Set log verbosity
	if viper.GetBool(flagVerbose) {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	// Set log format
	if viper.GetBool(flagJSONLog) {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetReportCaller(true)
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
			CallerPrettyfier: func(frame *runtime.Frame) (function string, file string) {
				fileName := fmt.Sprintf(" [%s]", path.Base(frame.Function)+":"+strconv.Itoa(frame.Line))
				return "", fileName
			},
		})
	}

	// Logs are always goes to STDOUT
	log.SetOutput(os.Stdout)
}

func main() {

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

}
