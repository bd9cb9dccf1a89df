package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pfirmstone/JGDMS-sub001/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	ID       string // entry or registration id
	Txn      string // transaction id
}

// LogRecord is one operation in the trace timeline.
type LogRecord struct {
	Seq        int64           `json:"seq"`
	Kind       string          `json:"kind"`
	Target     string          `json:"target,omitempty"`
	Txn        string          `json:"txn,omitempty"`
	Expiration string          `json:"expiration,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	ID       string         `json:"id,omitempty"`
	Txn      string         `json:"txn,omitempty"`
	Status   string         `json:"status,omitempty"`
	Timeline []LogRecord    `json:"timeline"`
	Counts   map[string]int `json:"counts"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the operation log for an entry, registration or transaction",
		Long: `Show the stored operations behind one entry or registration lease
(--id) or one transaction (--txn), in log order. With neither flag the
whole log is shown.

Examples:
  tuplespace trace --db ./space.db --id 0b6f...
  tuplespace trace --db ./space.db --txn t1 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to space database (required)")
	cmd.Flags().StringVar(&opts.ID, "id", "", "entry or registration id")
	cmd.Flags().StringVar(&opts.Txn, "txn", "", "transaction id")
	_ = cmd.MarkFlagRequired("db")
	cmd.MarkFlagsMutuallyExclusive("id", "txn")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	if _, err := os.Stat(opts.Database); errors.Is(err, fs.ErrNotExist) {
		return NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", opts.Database))
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	var ops []store.Op
	if opts.ID != "" {
		ops, err = st.ReadTargetOps(ctx, opts.ID)
	} else {
		ops, err = st.ReadOps(ctx, 0)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read operation log", err)
	}

	result := TraceResult{
		ID:       opts.ID,
		Txn:      opts.Txn,
		Timeline: []LogRecord{},
		Counts:   map[string]int{},
	}
	for _, o := range ops {
		if opts.Txn != "" && o.TxnID != opts.Txn {
			continue
		}
		result.Timeline = append(result.Timeline, logRecord(o))
		result.Counts[string(o.Kind)]++
	}
	if opts.Txn != "" {
		result.Status = txnStatus(result.Timeline)
	}

	out := newOutput(opts.RootOptions, cmd)
	if out.JSON() {
		return out.Result(result)
	}
	return outputTraceText(out.W, result, opts.Verbose)
}

func logRecord(o store.Op) LogRecord {
	r := LogRecord{
		Seq:    o.Seq,
		Kind:   string(o.Kind),
		Target: o.TargetID,
		Txn:    o.TxnID,
	}
	if !o.Expiration.IsZero() {
		r.Expiration = o.Expiration.UTC().Format(time.RFC3339Nano)
	}
	if o.Payload != "" && json.Valid([]byte(o.Payload)) {
		r.Payload = json.RawMessage(o.Payload)
	}
	return r
}

// txnStatus reports how far a transaction got: the last of prepare,
// commit or abort decides, and a transaction with none is still active.
func txnStatus(timeline []LogRecord) string {
	if len(timeline) == 0 {
		return "unknown"
	}
	status := "active"
	for _, r := range timeline {
		switch store.OpKind(r.Kind) {
		case store.OpPrepare:
			status = "prepared"
		case store.OpCommit:
			status = "committed"
		case store.OpAbort:
			status = "aborted"
		}
	}
	return status
}

// outputTraceText outputs the trace result as text.
func outputTraceText(w io.Writer, result TraceResult, verbose bool) error {
	switch {
	case result.ID != "":
		fmt.Fprintf(w, "Trace for %s\n", result.ID)
	case result.Txn != "":
		fmt.Fprintf(w, "Trace for transaction %s\n", result.Txn)
		fmt.Fprintf(w, "Status: %s\n", result.Status)
	default:
		fmt.Fprintln(w, "Trace of the whole log")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no operations)")
	}
	for _, r := range result.Timeline {
		formatLogRecord(w, r, verbose)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Total Operations: %d\n", len(result.Timeline))
	for _, kind := range []store.OpKind{
		store.OpWrite, store.OpTake, store.OpRegister, store.OpRenew,
		store.OpCancel, store.OpPrepare, store.OpCommit, store.OpAbort,
	} {
		if n := result.Counts[string(kind)]; n > 0 {
			fmt.Fprintf(w, "  %-9s %d\n", string(kind)+":", n)
		}
	}
	return nil
}

// formatLogRecord formats a single timeline record for text output.
func formatLogRecord(w io.Writer, r LogRecord, verbose bool) {
	line := fmt.Sprintf("  [%d] %s", r.Seq, r.Kind)
	if r.Target != "" {
		line += " " + truncateID(r.Target)
	}
	if r.Txn != "" {
		line += " txn=" + r.Txn
	}
	fmt.Fprintln(w, line)

	if !verbose {
		return
	}
	if r.Expiration != "" {
		fmt.Fprintf(w, "       Expires: %s\n", r.Expiration)
	}
	if len(r.Payload) > 0 {
		fmt.Fprintf(w, "       Payload: %s\n", r.Payload)
	}
}

// truncateID truncates a long ID for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
