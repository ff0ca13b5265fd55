package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/cuemby/replguard/pkg/config"
	"github.com/cuemby/replguard/pkg/log"
	"github.com/cuemby/replguard/pkg/metrics"
	"github.com/cuemby/replguard/pkg/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// exitError carries a run result code to the process exit status
type exitError struct {
	code types.ResultCode
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("run finished with result %d (%s)", e.code, e.code)
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute())
}

func execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return int(types.ResultHealthy)
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", exitErr.err)
		}
		return int(exitErr.code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return int(types.ResultFatal)
}

var (
	v   = config.NewViper()
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "replguard",
	Short: "replguard - replication health control loop for domain controllers",
	Long: `replguard audits the replication health of a fleet of domain
controllers, repairs eligible issues under a healing policy, and
verifies the repairs.

Exit status: 0 all healthy or repaired, 2 issues remain,
3 one or more nodes unreachable, 4 fatal error.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := bindFlags(cmd, v); err != nil {
			return err
		}

		path, _ := cmd.Flags().GetString("config")
		loaded, err := config.LoadFrom(v, path)
		if err != nil {
			return err
		}
		cfg = loaded

		log.Init(cfg.LoggerConfig())
		metrics.SetVersion(Version)
		return nil
	},
}

// flagKeys maps CLI flags to configuration keys
var flagKeys = map[string]string{
	"data-dir":         "data_dir",
	"inventory":        "inventory",
	"log-level":        "log.level",
	"log-json":         "log.json",
	"concurrency":      "scan.concurrency",
	"node-timeout":     "scan.node_timeout",
	"scan-timeout":     "scan.global_timeout",
	"policy":           "healing.policy",
	"max-actions":      "healing.max_actions",
	"rollback":         "healing.rollback",
	"convergence-wait": "healing.convergence_wait",
	"repair-rate":      "repair.rate_per_second",
	"metrics-addr":     "metrics.addr",
	"interval":         "run.interval",
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("failed to bind --%s: %w", flag, err)
			}
		}
	}
	return nil
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"replguard version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML config file")
	flags.String("data-dir", "./replguard-data", "Directory holding the state database")
	flags.String("inventory", "", "Path to the YAML node inventory")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Emit logs as JSON")
	flags.String("output", "text", "Report format (text, json, csv)")
	flags.String("report-file", "", "Append the report to this file instead of writing to stdout")

	// Add subcommands
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(policiesCmd)
	rootCmd.AddCommand(versionCmd)
}
