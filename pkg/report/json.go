package report

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/cuemby/replguard/pkg/types"
)

// JSONSink writes one JSON object per line: every record, then the summary
type JSONSink struct {
	w io.Writer
}

// NewJSONSink creates a JSON lines sink writing to w
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{w: w}
}

type jsonLine struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// Write renders records and summary
func (s *JSONSink) Write(summary types.RunSummary, records []Record) error {
	enc := json.NewEncoder(s.w)
	for _, r := range records {
		var data any
		switch rec := r.(type) {
		case SnapshotRecord:
			data = rec
		case IssueRecord:
			data = rec
		case ActionRecord:
			data = rec
		case RollbackRecord:
			data = rec
		case VerificationRecord:
			data = rec
		default:
			return fmt.Errorf("unsupported record %T", r)
		}
		if err := enc.Encode(jsonLine{Kind: string(r.Kind()), Data: data}); err != nil {
			return fmt.Errorf("failed to write %s record: %w", r.Kind(), err)
		}
	}
	if err := enc.Encode(jsonLine{Kind: "summary", Data: summary}); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}
