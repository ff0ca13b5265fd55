package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/replguard/pkg/types"
)

var csvHeader = []string{
	"kind", "run_id", "node", "status", "category", "severity",
	"partner", "action", "success", "detail", "timestamp",
}

// CSVSink writes a single CSV table with a kind column per row
type CSVSink struct {
	w io.Writer
}

// NewCSVSink creates a CSV sink writing to w
func NewCSVSink(w io.Writer) *CSVSink {
	return &CSVSink{w: w}
}

// Write renders records followed by one summary row
func (s *CSVSink) Write(summary types.RunSummary, records []Record) error {
	cw := csv.NewWriter(s.w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for _, r := range records {
		row, err := csvRow(r)
		if err != nil {
			return err
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	detail := fmt.Sprintf("total=%d healthy=%d degraded=%d unreachable=%d issues=%d actions=%d failed=%d",
		summary.Total, summary.Healthy, summary.Degraded, summary.Unreachable,
		summary.IssuesFound, summary.ActionsPerformed, summary.ActionsFailed)
	if err := cw.Write([]string{
		"summary", summary.RunID, "", summary.Code.String(), "", "", "", string(summary.Mode),
		strconv.FormatBool(summary.Code == types.ResultHealthy), detail, ts(summary.StartedAt),
	}); err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}

func csvRow(r Record) ([]string, error) {
	switch rec := r.(type) {
	case SnapshotRecord:
		s := rec.Snapshot
		return []string{
			string(KindSnapshot), rec.RunID, s.Node, string(s.Status), "", "", "", "", "",
			strings.TrimSpace(fmt.Sprintf("partners=%d failures=%d %s", len(s.Partners), len(s.Failures), s.Error)),
			ts(s.Timestamp),
		}, nil
	case IssueRecord:
		i := rec.Issue
		return []string{
			string(KindIssue), rec.RunID, i.Node, "", string(i.Category), string(i.Severity),
			i.Partner, "", strconv.FormatBool(i.Actionable), i.Description, "",
		}, nil
	case ActionRecord:
		a := rec.Action
		return []string{
			string(KindAction), rec.RunID, a.Node, "", string(a.Category), "",
			a.Partner, string(a.Action), strconv.FormatBool(a.Success), a.Message, ts(a.Timestamp),
		}, nil
	case RollbackRecord:
		rb := rec.Rollback
		return []string{
			string(KindRollback), rec.RunID, rb.Node, "", "", "", "",
			rb.ActionID, strconv.FormatBool(rb.Success), rb.Reason, ts(rb.Timestamp),
		}, nil
	case VerificationRecord:
		v := rec.Result
		return []string{
			string(KindVerification), rec.RunID, v.Node, string(v.Status), "", "", "", "",
			strconv.FormatBool(v.Healthy), fmt.Sprintf("issues=%d", len(v.Issues)), ts(v.CheckedAt),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported record %T", r)
	}
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
