package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/replguard/pkg/fault"
	"github.com/cuemby/replguard/pkg/reconciler"
	"github.com/cuemby/replguard/pkg/report"
	"github.com/cuemby/replguard/pkg/storage"
	"github.com/cuemby/replguard/pkg/types"
	"github.com/spf13/cobra"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputCSV  = "csv"
)

// outputWriter returns the report destination and a function closing it
func outputWriter(cmd *cobra.Command) (io.Writer, func() error, error) {
	path, _ := cmd.Flags().GetString("report-file")
	if path == "" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open report file: %w", err)
	}
	return f, f.Close, nil
}

func outputFormat(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("output")
	format = strings.ToLower(format)
	switch format {
	case outputText, outputJSON, outputCSV:
		return format, nil
	default:
		return "", fault.Errorf(fault.CodePolicyConfigInvalid, "--output must be text, json or csv, got %q", format)
	}
}

// writeReport renders a run in the selected output format
func writeReport(cmd *cobra.Command, run *reconciler.Run) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	w, closeFn, err := outputWriter(cmd)
	if err != nil {
		return err
	}

	c := run.Report()
	switch format {
	case outputJSON:
		err = report.NewJSONSink(w).Write(c.Summary, report.Records(c))
	case outputCSV:
		err = report.NewCSVSink(w).Write(c.Summary, report.Records(c))
	default:
		err = writeText(w, run)
	}
	if cerr := closeFn(); err == nil {
		err = cerr
	}
	return err
}

func writeText(w io.Writer, run *reconciler.Run) error {
	s := run.Summary
	fmt.Fprintf(w, "Run %s (%s scan, %s)\n", s.RunID, s.Mode, run.Decision.Reason)
	fmt.Fprintf(w, "  Nodes: %d total, %d healthy, %d degraded, %d unreachable, %d unknown\n",
		s.Total, s.Healthy, s.Degraded, s.Unreachable, s.Unknown)
	fmt.Fprintf(w, "  Issues: %d found, %d remaining\n", s.IssuesFound, s.IssuesRemaining)
	if s.ActionsPerformed > 0 || s.Rollbacks > 0 {
		fmt.Fprintf(w, "  Repairs: %d performed, %d failed, %d rollbacks, %d verified\n",
			s.ActionsPerformed, s.ActionsFailed, s.Rollbacks, s.Verified)
	}
	if s.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", s.Error)
	}
	fmt.Fprintf(w, "  Result: %d (%s) in %s\n", s.Code, s.Code, s.Duration)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if len(run.Remaining) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "SEVERITY\tNODE\tCATEGORY\tPARTNER\tDESCRIPTION")
		for _, i := range run.Remaining {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", i.Severity, i.Node, i.Category, dash(i.Partner), i.Description)
		}
	}
	if len(run.Actions) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "ACTION\tNODE\tCATEGORY\tRESULT\tATTEMPTS\tMESSAGE")
		for _, a := range run.Actions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", a.Action, a.Node, a.Category, actionResult(a), a.Attempts, a.Message)
		}
	}
	if len(run.ManualReview) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "MANUAL REVIEW\tCATEGORY\tDESCRIPTION")
		for _, i := range run.ManualReview {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", i.Node, i.Category, i.Description)
		}
	}
	if run.Decisions != nil && len(run.Actions) == 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "NODE\tCATEGORY\tELIGIBLE\tREASON")
		for _, d := range run.Decisions {
			fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", d.Issue.Node, d.Issue.Category, d.Eligible, d.Reason)
		}
	}
	return tw.Flush()
}

func actionResult(a types.HealingAction) string {
	switch {
	case a.Success:
		return "ok"
	case a.RolledBack:
		return "failed, rolled back"
	default:
		return "failed"
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// status is the persisted state shown by the status command
type status struct {
	LastRun   *types.RunSummary      `json:"last_run,omitempty"`
	Delta     *types.DeltaCacheEntry `json:"delta_cache,omitempty"`
	Cooldowns []types.CooldownEntry  `json:"cooldowns"`
	Actions   []types.HealingAction  `json:"actions"`
	Rollbacks []types.RollbackRecord `json:"rollbacks"`
}

func loadStatus(ctx context.Context, store storage.Store, limit int) (*status, error) {
	var st status
	var err error

	if st.LastRun, err = store.LastRun(ctx); err != nil {
		return nil, err
	}
	if st.Delta, err = store.GetDeltaCache(ctx); err != nil {
		return nil, err
	}
	if st.Cooldowns, err = store.ListCooldowns(ctx); err != nil {
		return nil, err
	}
	if st.Actions, err = store.ListActions(ctx, limit); err != nil {
		return nil, err
	}
	if st.Rollbacks, err = store.ListRollbacks(ctx, limit); err != nil {
		return nil, err
	}
	return &st, nil
}

func writeStatus(cmd *cobra.Command, st *status) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if format == outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	if st.LastRun == nil {
		fmt.Fprintln(w, "Last run: none")
	} else {
		r := st.LastRun
		fmt.Fprintf(w, "Last run: %s at %s (%s scan), result %d (%s), %d nodes, %d issues remaining\n",
			r.RunID, r.StartedAt.Format(time.RFC3339), r.Mode, r.Code, r.Code, r.Total, r.IssuesRemaining)
	}
	if st.Delta == nil {
		fmt.Fprintln(w, "Delta cache: empty")
	} else {
		fmt.Fprintf(w, "Delta cache: %s, %d scanned, flagged [%s]\n",
			st.Delta.Timestamp.Format(time.RFC3339), len(st.Delta.Scanned), strings.Join(st.Delta.Flagged, ", "))
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if len(st.Cooldowns) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "NODE\tCATEGORY\tLAST ATTEMPT")
		for _, c := range st.Cooldowns {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Node, c.Category, c.LastAttempt.Format(time.RFC3339))
		}
	}
	if len(st.Actions) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "ID\tTIME\tNODE\tACTION\tRESULT\tPOLICY\tAPPROVED BY")
		for _, a := range st.Actions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.Timestamp.Format(time.RFC3339), a.Node,
				a.Action, actionResult(a), a.Policy, dash(a.ApprovedBy))
		}
	}
	if len(st.Rollbacks) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "ACTION ID\tTIME\tNODE\tSUCCESS\tREASON")
		for _, r := range st.Rollbacks {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", r.ActionID, r.Timestamp.Format(time.RFC3339), r.Node, r.Success, r.Reason)
		}
	}
	return tw.Flush()
}

func writePolicies(cmd *cobra.Command, presets []types.HealingPolicy) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if format == outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(presets)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCATEGORIES\tSEVERITIES\tAPPROVAL\tCOOLDOWN\tMAX ACTIONS")
	for _, p := range presets {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", p.Name, joinCategories(p.AllowedCategories),
			joinSeverities(p.AllowedSeverities), dash(joinCategories(p.RequiresManualApproval)),
			p.Cooldown, p.MaxConcurrentActions)
	}
	return tw.Flush()
}

func joinCategories(cs []types.IssueCategory) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func joinSeverities(ss []types.Severity) string {
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}
