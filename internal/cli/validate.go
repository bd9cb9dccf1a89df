package cli

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/pfirmstone/JGDMS-sub001/internal/compiler"
)

// Error codes for problems found before validation rules run.
const (
	ErrCodeNotFound = "E_NOT_FOUND" // config path does not exist
	ErrCodeCompile  = "E100"        // CUE syntax or shape error
	ErrCodeGeneric  = "E001"        // anything else
)

// ValidationIssue is one problem found in a configuration.
type ValidationIssue struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Path   string            `json:"path"`
	Types  int               `json:"types"`
	Errors []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a space configuration",
		Long: `Validate a CUE space configuration without opening a space.

Checks syntax, durations and entry type declarations: every parent type
must be declared, extends chains must not loop and no type may repeat a
field name it inherits. Accepts a .cue file or a directory holding one
CUE package.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	out := newOutput(opts, cmd)

	out.Debugf("Loading %s", path)
	cfg, err := compiler.LoadConfig(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			_ = out.Problem(ErrCodeNotFound, fmt.Sprintf("config not found: %s", path), nil)
			return WrapExitError(ExitCommandError, ErrCodeNotFound, err)
		}
		return outputValidationIssues(out, path, issuesFrom(err))
	}

	for _, decl := range cfg.Types {
		if decl.Extends != "" {
			out.Debugf("  type %s extends %s (%d fields)", decl.Name, decl.Extends, len(decl.Fields))
		} else {
			out.Debugf("  type %s (%d fields)", decl.Name, len(decl.Fields))
		}
	}

	result := ValidationResult{Valid: true, Path: path, Types: len(cfg.Types)}
	if out.JSON() {
		return out.Result(result)
	}
	fmt.Fprintf(out.W, "✓ Configuration valid (%d types)\n", result.Types)
	return nil
}

// issuesFrom flattens a LoadConfig error into issues.
func issuesFrom(err error) []ValidationIssue {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		issues := make([]ValidationIssue, 0, len(merr.Errors))
		for _, e := range merr.Errors {
			issues = append(issues, issueFrom(e))
		}
		return issues
	}
	return []ValidationIssue{issueFrom(err)}
}

func issueFrom(err error) ValidationIssue {
	var verr compiler.ValidationError
	if errors.As(err, &verr) {
		return ValidationIssue{Code: verr.Code, Field: verr.Field, Message: verr.Message}
	}
	var cerr *compiler.CompileError
	if errors.As(err, &cerr) {
		issue := ValidationIssue{Code: ErrCodeCompile, Field: cerr.Field, Message: cerr.Message}
		if cerr.Pos.IsValid() {
			issue.Line = cerr.Pos.Line()
		}
		return issue
	}
	return ValidationIssue{Code: ErrCodeGeneric, Field: "config", Message: err.Error()}
}

// outputValidationIssues reports a failed validation.
func outputValidationIssues(out *Output, path string, issues []ValidationIssue) error {
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("%s: validation failed with %d error(s)", issues[0].Code, len(issues)))

	if out.JSON() {
		result := ValidationResult{Valid: false, Path: path, Errors: issues}
		if err := out.Failure(result, issues[0].Code, issues[0].Message); err != nil {
			return err
		}
		return exitErr
	}

	fmt.Fprintln(out.W, "✗ Validation failed")
	fmt.Fprintln(out.W)
	for _, issue := range issues {
		if issue.Line > 0 {
			fmt.Fprintf(out.W, "line %d\n", issue.Line)
		}
		fmt.Fprintf(out.W, "  %s %s: %s\n\n", issue.Code, issue.Field, issue.Message)
	}
	return exitErr
}
