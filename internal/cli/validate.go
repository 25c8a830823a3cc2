package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/chora/internal/entity"
	"github.com/roach88/chora/internal/kernel"
)

// validatePageSize is how many entities validate reads per List call.
const validatePageSize = 500

// ValidationIssue is one entity that breaks a kernel rule.
type ValidationIssue struct {
	EntityID string `json:"entity_id"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool              `json:"valid"`
	Kernel  string            `json:"kernel"`
	Types   int               `json:"types"`
	Checked int               `json:"checked"`
	Errors  []ValidationIssue `json:"errors,omitempty"`
}

func (r ValidationResult) RenderText(w io.Writer) {
	for _, issue := range r.Errors {
		if issue.Field != "" {
			fmt.Fprintf(w, "✗ %s: %s: %s\n", issue.EntityID, issue.Field, issue.Message)
		} else {
			fmt.Fprintf(w, "✗ %s: %s\n", issue.EntityID, issue.Message)
		}
	}
	if r.Valid {
		fmt.Fprintf(w, "✓ Kernel %s (%d types): %d entities valid\n", r.Kernel, r.Types, r.Checked)
		return
	}
	fmt.Fprintf(w, "Kernel %s (%d types): %d of %d entities invalid\n", r.Kernel, r.Types, len(r.Errors), r.Checked)
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [kernel-file]",
		Short: "Check the kernel and every stored entity against it",
		Long: `Check a kernel registry and the entities already stored.

With a kernel file argument only that file is loaded and checked; no
database is opened. Without one, the configured kernel is loaded and
every entity in the database is validated against it: known type, id
prefix, allowed status and required data fields. Use it after editing
the kernel to find entities the new rules reject.

Exit codes:
  0 - Everything is valid
  1 - One or more entities are invalid
  2 - Command error (kernel cannot be loaded, database not found, etc.)`,
		Args:          commandArgs(cobra.MaximumNArgs(1)),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runValidateKernel(rootOpts, args[0], cmd)
			}
			return runValidate(rootOpts, cmd)
		},
	}

	return cmd
}

func runValidateKernel(opts *RootOptions, path string, cmd *cobra.Command) error {
	reg, err := kernel.LoadFile(path)
	if err != nil {
		return kernelLoadFailure(err)
	}
	return opts.formatter(cmd).Success(ValidationResult{
		Valid:  true,
		Kernel: path,
		Types:  len(reg.Types()),
	})
}

func runValidate(opts *RootOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	sess, err := openSession(cmd.Context(), opts, opts.Database, opts.Site, false)
	if err != nil {
		return err
	}
	defer sess.Close()

	validator := sess.factory.Validator()
	result := ValidationResult{
		Valid:  true,
		Kernel: kernelName(opts.Kernel),
		Types:  len(validator.Registry().Types()),
	}

	for offset := 0; ; offset += validatePageSize {
		page, err := sess.store.List(cmd.Context(), entity.Filter{}, validatePageSize, offset)
		if err != nil {
			return err
		}
		for _, e := range page {
			result.Checked++
			if err := validator.Validate(e); err != nil {
				result.Errors = append(result.Errors, issueFor(e.ID, err))
			}
		}
		if len(page) < validatePageSize {
			break
		}
	}
	formatter.VerboseLog("Checked %d entities against %d types", result.Checked, result.Types)

	if len(result.Errors) == 0 {
		return formatter.Success(result)
	}

	result.Valid = false
	message := fmt.Sprintf("%d entities invalid", len(result.Errors))
	if opts.Format == "json" {
		if err := json.NewEncoder(cmd.OutOrStdout()).Encode(CLIResponse{
			Status: "error",
			Data:   result,
			Error:  &CLIError{Code: ErrCodeValidation, Message: message},
		}); err != nil {
			return err
		}
	} else {
		result.RenderText(cmd.OutOrStdout())
	}
	return reportedFailure(message)
}

func issueFor(id string, err error) ValidationIssue {
	var verr *kernel.ValidationError
	if errors.As(err, &verr) {
		return ValidationIssue{EntityID: id, Field: verr.Field, Message: verr.Message}
	}
	return ValidationIssue{EntityID: id, Message: err.Error()}
}

// kernelLoadFailure reports a broken kernel as a command error, keeping the
// LoadError reachable for the KERNEL code.
func kernelLoadFailure(err error) error {
	return WrapExitError(ExitCommandError, "invalid kernel", err)
}

func kernelName(path string) string {
	if path == "" {
		return "built-in"
	}
	return path
}
