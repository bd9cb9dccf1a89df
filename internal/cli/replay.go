package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/pfirmstone/JGDMS-sub001/internal/store"
)

// ErrCodeRecovery heads a JSON result whose log did not recover cleanly.
const ErrCodeRecovery = "E_RECOVERY"

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
}

// ReplayEntry is one entry that would survive recovery.
type ReplayEntry struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Fields int    `json:"fields"`
	TxnID  string `json:"txn_id,omitempty"`
}

// ReplayResult is what a restarted space would recover from the log.
type ReplayResult struct {
	UUID          string        `json:"uuid"`
	LastSeq       int64         `json:"last_seq"`
	Entries       []ReplayEntry `json:"entries"`
	Transactions  []string      `json:"transactions"`
	Takes         int           `json:"takes"`
	Registrations int           `json:"registrations"`
	Deterministic bool          `json:"deterministic"`
	Errors        []string      `json:"errors,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Fold the operation log and verify recovery is deterministic",
		Long: `Fold the operation log the way a restart would, without starting a
space or a new session.

The log is folded twice and the two results compared. The summary lists
the surviving entries, the prepared transactions awaiting their
coordinator, and the registrations that would be restored.

Exit codes:
  0 - Recovery is deterministic and every record decoded
  1 - The folds differ or some records could not be decoded
  2 - Command error (database not found, etc.)

Examples:
  tuplespace replay --db ./space.db
  tuplespace replay --db ./space.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// store.Open would create a missing database.
	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	first, foldErr := st.Fold(ctx)
	if first == nil {
		return WrapExitError(ExitCommandError, "failed to read log", foldErr)
	}
	second, _ := st.Fold(ctx)

	result := summarize(first)
	result.Deterministic = second != nil && reflect.DeepEqual(first, second)
	var merr *multierror.Error
	switch {
	case errors.As(foldErr, &merr):
		for _, e := range merr.Errors {
			result.Errors = append(result.Errors, e.Error())
		}
	case foldErr != nil:
		result.Errors = append(result.Errors, foldErr.Error())
	}

	if out := newOutput(opts.RootOptions, cmd); out.JSON() {
		return outputReplayJSON(out, result)
	}
	return outputReplayText(cmd, result, opts.Verbose)
}

func summarize(rec *store.Recovery) ReplayResult {
	result := ReplayResult{
		UUID:          rec.UUID,
		LastSeq:       rec.LastSeq,
		Entries:       make([]ReplayEntry, 0, len(rec.Entries)),
		Transactions:  append([]string{}, rec.Transactions...),
		Takes:         len(rec.Takes),
		Registrations: len(rec.Registrations),
	}
	for _, e := range rec.Entries {
		result.Entries = append(result.Entries, ReplayEntry{
			ID:     e.ID,
			Type:   e.Entry.Type,
			Fields: len(e.Entry.Fields),
			TxnID:  e.TxnID,
		})
	}
	return result
}

func (r ReplayResult) ok() bool {
	return r.Deterministic && len(r.Errors) == 0
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(out *Output, result ReplayResult) error {
	if result.ok() {
		return out.Result(result)
	}
	if err := out.Failure(result, ErrCodeRecovery, "recovery verification failed"); err != nil {
		return err
	}
	return NewExitError(ExitFailure, "recovery verification failed")
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult, verbose bool) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Space %s, log through seq %d\n", result.UUID, result.LastSeq)
	fmt.Fprintf(w, "  Entries: %d\n", len(result.Entries))
	fmt.Fprintf(w, "  Prepared transactions: %d\n", len(result.Transactions))
	fmt.Fprintf(w, "  Held takes: %d\n", result.Takes)
	fmt.Fprintf(w, "  Registrations: %d\n", result.Registrations)

	if verbose {
		for _, e := range result.Entries {
			if e.TxnID != "" {
				fmt.Fprintf(w, "    %s %s (%d fields, txn %s)\n", e.ID, e.Type, e.Fields, e.TxnID)
			} else {
				fmt.Fprintf(w, "    %s %s (%d fields)\n", e.ID, e.Type, e.Fields)
			}
		}
		for _, id := range result.Transactions {
			fmt.Fprintf(w, "    txn %s prepared\n", id)
		}
	}
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  Warning: %s\n", e)
	}
	fmt.Fprintln(w)

	if result.ok() {
		fmt.Fprintln(w, "✓ Recovery verified deterministic")
		return nil
	}
	if !result.Deterministic {
		fmt.Fprintln(w, "✗ Folding the log twice gave different results")
	} else {
		fmt.Fprintln(w, "✗ Some log records could not be recovered")
	}
	return NewExitError(ExitFailure, "recovery verification failed")
}
