package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Exit codes shared by every command.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // a check failed: scenarios, config rules, recovery
	ExitCommandError = 2 // the command could not run: bad paths, unreadable database
)

// ExitError carries the process exit code for a command failure.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError creates an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError creates an ExitError around err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the code of the first ExitError in err's chain, or
// ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// CLIResponse is the envelope of every --format json result.
type CLIResponse struct {
	Status string    `json:"status"` // statusOK or statusError
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError heads a failed result. Code is a config rule (E1xx) or one of
// the E_ codes the commands define.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

const (
	statusOK    = "ok"
	statusError = "error"
)

// Output writes command results. In JSON mode each result is a single
// indented CLIResponse; text rendering is up to the command, through W.
type Output struct {
	Format  string
	W       io.Writer
	Diag    io.Writer // verbose diagnostics, kept off W so JSON stays parseable
	Verbose bool
}

func newOutput(opts *RootOptions, cmd *cobra.Command) *Output {
	return &Output{
		Format:  opts.Format,
		W:       cmd.OutOrStdout(),
		Diag:    cmd.ErrOrStderr(),
		Verbose: opts.Verbose,
	}
}

// JSON reports whether results are written as JSON envelopes.
func (o *Output) JSON() bool { return o.Format == "json" }

// Result writes data as a successful envelope.
func (o *Output) Result(data any) error {
	return o.encode(CLIResponse{Status: statusOK, Data: data})
}

// Failure writes data under an error heading. data is the full result,
// every validation issue or every scenario, not just the first problem.
func (o *Output) Failure(data any, code, message string) error {
	return o.encode(CLIResponse{
		Status: statusError,
		Data:   data,
		Error:  &CLIError{Code: code, Message: message},
	})
}

// Problem reports an error that has no result to go with it.
func (o *Output) Problem(code, message string, details any) error {
	if o.JSON() {
		return o.encode(CLIResponse{
			Status: statusError,
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(o.W, "Error [%s]: %s\n", code, message)
	if o.Verbose && details != nil {
		fmt.Fprintf(o.W, "Details: %v\n", details)
	}
	return nil
}

// Debugf writes a diagnostic line when verbose.
func (o *Output) Debugf(format string, args ...any) {
	if !o.Verbose {
		return
	}
	w := o.Diag
	if w == nil {
		w = o.W
	}
	fmt.Fprintf(w, format+"\n", args...)
}

func (o *Output) encode(resp CLIResponse) error {
	enc := json.NewEncoder(o.W)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
