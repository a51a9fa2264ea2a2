package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/unitofwork/internal/model"
	"github.com/roach88/unitofwork/internal/schema"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                  `json:"valid"`
	Model    string                `json:"model,omitempty"`
	Types    []string              `json:"types,omitempty"`
	Stores   []string              `json:"stores,omitempty"`
	Warnings []schema.CycleWarning `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <models-dir>",
		Short: "Validate CUE model declarations",
		Long: `Compile the CUE model declarations in a directory and report
required-reference cycles.

Cycles between required references are warnings: the types can only be
committed together by a store with deferred constraints. Cycles through
derived key components can never be committed and fail validation.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	m, err := schema.Load(dir)
	if err != nil {
		code := schema.ErrCodeGeneric
		var loadErr *schema.LoadError
		if errors.As(err, &loadErr) {
			code = loadErr.Code
		}
		_ = formatter.Error(code, err.Error(), nil)
		if code == schema.ErrCodeNotFound || code == schema.ErrCodeNoFiles {
			return WrapExitError(ExitCommandError, "cannot load models", err)
		}
		return WrapExitError(ExitFailure, "validation failed", err)
	}
	formatter.VerboseLog("Loaded model %s: %d type(s)", m.Name(), len(m.Types()))

	result := ValidationResult{
		Valid:    true,
		Model:    m.Name(),
		Stores:   m.Stores(),
		Warnings: schema.AnalyzeCycles(m),
	}
	for _, t := range m.Types() {
		result.Types = append(result.Types, t.Name)
	}
	var fatal int
	for _, w := range result.Warnings {
		if w.Level == "error" {
			fatal++
		}
	}
	result.Valid = fatal == 0

	if opts.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: result}
		if !result.Valid {
			resp.Status = "error"
			resp.Error = &CLIError{Code: schema.ErrCodeInvalidModel, Message: "unsatisfiable key cycle"}
		}
		if err := formatter.Response(resp); err != nil {
			return err
		}
	} else {
		writeValidationText(formatter, m, result)
	}

	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", fatal))
	}
	return nil
}

func writeValidationText(f *OutputFormatter, m *model.Model, result ValidationResult) {
	w := f.Writer
	for _, warn := range result.Warnings {
		fmt.Fprintf(w, "%s: %s\n", warn.Level, warn.Message)
	}
	if !result.Valid {
		fmt.Fprintln(w, "✗ Validation failed")
		return
	}
	fmt.Fprintf(w, "✓ Model %s valid: %d type(s) in %d store(s)\n", m.Name(), len(result.Types), len(result.Stores))
}
