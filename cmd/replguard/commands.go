package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/replguard/pkg/fault"
	"github.com/cuemby/replguard/pkg/log"
	"github.com/cuemby/replguard/pkg/metrics"
	"github.com/cuemby/replguard/pkg/policy"
	"github.com/cuemby/replguard/pkg/reconciler"
	"github.com/cuemby/replguard/pkg/scope"
	"github.com/cuemby/replguard/pkg/storage"
	"github.com/cuemby/replguard/pkg/types"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit [NODE...]",
	Short: "Scan and classify replication health without repairing",
	Long: `Scan the selected nodes and classify replication issues.

Nodes may be named as arguments or with --nodes, or selected from the
inventory with --site or --all. A recent run with flagged nodes narrows
the scan to those nodes unless --force-full is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := requestFromFlags(cmd, args, reconciler.ModeAudit)
		if err != nil {
			return err
		}
		return runOnce(cmd, req, false)
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair [NODE...]",
	Short: "Audit, repair eligible issues and verify the repairs",
	Long: `Audit the selected nodes, dispatch repairs for issues the healing
policy allows, then rescan repaired nodes to verify convergence.

Categories the policy marks for manual approval are only repaired when
--approve-token is given. With --dry-run the eligible repairs are listed
and nothing is executed or recorded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := requestFromFlags(cmd, args, reconciler.ModeRepair)
		if err != nil {
			return err
		}
		return runOnce(cmd, req, true)
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify NODE...",
	Short: "Rescan nodes and report whether they are healthy",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := requestFromFlags(cmd, args, reconciler.ModeVerify)
		if err != nil {
			return err
		}
		return runOnce(cmd, req, false)
	},
}

var runCmd = &cobra.Command{
	Use:   "run [NODE...]",
	Short: "Run the control loop periodically",
	Long: `Run audits or repairs on a fixed interval until interrupted.

When --metrics-addr is set, Prometheus metrics and health endpoints are
served on that address (/metrics, /health, /ready).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		modeName, _ := cmd.Flags().GetString("mode")
		mode := reconciler.Mode(strings.ToLower(modeName))
		if mode != reconciler.ModeAudit && mode != reconciler.ModeRepair {
			return fault.Errorf(fault.CodePolicyConfigInvalid, "--mode must be audit or repair, got %q", modeName)
		}

		req, err := requestFromFlags(cmd, args, mode)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := newApp(ctx, mode == reconciler.ModeRepair, req.DryRun)
		if err != nil {
			return err
		}
		defer a.Close()

		a.reconciler.OnRun(func(run *reconciler.Run, err error) {
			if run == nil {
				return
			}
			if werr := writeReport(cmd, run); werr != nil {
				log.Logger.Error().Err(werr).Msg("failed to write report")
			}
		})

		errCh := make(chan error, 1)
		var server *http.Server
		if cfg.Metrics.Addr != "" {
			server = &http.Server{
				Addr:              cfg.Metrics.Addr,
				Handler:           metrics.Mux(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- fmt.Errorf("metrics server error: %v", err)
				}
			}()
			log.Logger.Info().Str("addr", cfg.Metrics.Addr).Msg("Metrics server started")
		}

		a.reconciler.Start(ctx, cfg.Run.Interval, req)
		log.Logger.Info().
			Str("mode", string(mode)).
			Dur("interval", cfg.Run.Interval).
			Msg("Control loop running, press Ctrl+C to stop")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		var runErr error
		select {
		case <-sigCh:
			log.Logger.Info().Msg("Shutting down")
		case runErr = <-errCh:
		}

		a.reconciler.Stop()
		if server != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Logger.Warn().Err(err).Msg("metrics server shutdown failed")
			}
		}
		return runErr
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last run, delta cache, cooldowns and recent actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		st, err := loadStatus(cmd.Context(), store, limit)
		if err != nil {
			return err
		}
		return writeStatus(cmd, st)
	},
}

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "List the built-in healing policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		return writePolicies(cmd, policy.Presets())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "replguard version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{auditCmd, repairCmd, verifyCmd, runCmd} {
		cmd.Flags().StringSlice("nodes", nil, "Nodes to scan (comma separated)")
		cmd.Flags().Int("concurrency", 8, "Maximum nodes probed in parallel")
		cmd.Flags().Duration("node-timeout", 60*time.Second, "Per-node probe budget")
		cmd.Flags().Duration("scan-timeout", 10*time.Minute, "Overall scan budget")
	}
	for _, cmd := range []*cobra.Command{auditCmd, repairCmd, runCmd} {
		cmd.Flags().String("site", "", "Scan every node of an inventory site")
		cmd.Flags().Bool("all", false, "Scan every node in the inventory")
		cmd.Flags().Bool("force-full", false, "Ignore the delta cache and scan the whole scope")
	}
	for _, cmd := range []*cobra.Command{repairCmd, runCmd} {
		cmd.Flags().String("policy", policy.Conservative.Name, "Healing policy (conservative, moderate, aggressive)")
		cmd.Flags().Int("max-actions", 0, "Cap on repairs per run (0 uses the policy limit)")
		cmd.Flags().Bool("rollback", false, "Attempt a corrective rollback when a repair fails")
		cmd.Flags().Bool("dry-run", false, "List eligible repairs without executing them")
		cmd.Flags().String("approve-token", "", "Operator approval for categories requiring manual approval")
		cmd.Flags().Duration("convergence-wait", 2*time.Minute, "Wait before verifying repaired nodes")
		cmd.Flags().Float64("repair-rate", 0, "Maximum repairs started per second (0 disables)")
	}

	runCmd.Flags().String("mode", string(reconciler.ModeAudit), "Loop mode (audit, repair)")
	runCmd.Flags().Duration("interval", 15*time.Minute, "Time between runs")
	runCmd.Flags().String("metrics-addr", "", "Serve metrics and health endpoints on this address")

	statusCmd.Flags().Int("limit", 10, "Number of recent actions and rollbacks to show")
}

// requestFromFlags builds a run request from the command line and config
func requestFromFlags(cmd *cobra.Command, args []string, mode reconciler.Mode) (reconciler.Request, error) {
	spec, err := scopeFromFlags(cmd, args)
	if err != nil {
		return reconciler.Request{}, err
	}

	req := reconciler.Request{
		Scope:      spec,
		Mode:       mode,
		MaxActions: cfg.Healing.MaxActions,
	}
	if f := cmd.Flags().Lookup("force-full"); f != nil {
		req.ForceFull, _ = cmd.Flags().GetBool("force-full")
	}
	if f := cmd.Flags().Lookup("dry-run"); f != nil {
		req.DryRun, _ = cmd.Flags().GetBool("dry-run")
	}
	if f := cmd.Flags().Lookup("approve-token"); f != nil {
		token, _ := cmd.Flags().GetString("approve-token")
		req.Approval = types.ApprovalDecision{Approved: token != "", Token: token}
	}
	return req, nil
}

func scopeFromFlags(cmd *cobra.Command, args []string) (scope.Spec, error) {
	nodes, _ := cmd.Flags().GetStringSlice("nodes")
	nodes = append(nodes, args...)

	var site string
	var all bool
	if cmd.Flags().Lookup("site") != nil {
		site, _ = cmd.Flags().GetString("site")
		all, _ = cmd.Flags().GetBool("all")
	}

	selectors := 0
	for _, set := range []bool{len(nodes) > 0, site != "", all} {
		if set {
			selectors++
		}
	}
	switch {
	case selectors == 0:
		return scope.Spec{}, fault.New(fault.CodeScopeInvalid, "no nodes selected: name nodes, or use --site or --all")
	case selectors > 1:
		return scope.Spec{}, fault.New(fault.CodeScopeInvalid, "choose one of node names, --site or --all")
	case site != "":
		return scope.Spec{Kind: scope.KindSite, Site: site}, nil
	case all:
		return scope.Spec{Kind: scope.KindAll}, nil
	default:
		return scope.Explicit(nodes...), nil
	}
}

// runOnce performs a single run and maps its result code to the exit status
func runOnce(cmd *cobra.Command, req reconciler.Request, heal bool) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, heal, req.DryRun)
	if err != nil {
		return err
	}
	defer a.Close()

	run, runErr := a.reconciler.RunOnce(ctx, req)
	if run != nil {
		if err := writeReport(cmd, run); err != nil {
			return &exitError{code: types.ResultFatal, err: err}
		}
	}
	if runErr != nil {
		return &exitError{code: types.ResultFatal, err: runErr}
	}
	if run.Summary.Code != types.ResultHealthy {
		return &exitError{code: run.Summary.Code}
	}
	return nil
}
