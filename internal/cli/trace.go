package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/unitofwork/internal/harness"
)

// TraceResult is the output of the trace command.
type TraceResult struct {
	Scenario string               `json:"scenario"`
	Pass     bool                 `json:"pass"`
	Steps    []harness.StepResult `json:"steps"`
	Trace    []string             `json:"trace"`
	Errors   []string             `json:"errors,omitempty"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trace <scenario.yaml>",
		Short: "Run one scenario and print its store commands",
		Long: `Run a single scenario and print the outcome of each step followed
by every command the stores received, in order.

Examples:
  uow trace ./scenarios/order_before_customer.yaml
  uow trace ./scenarios/commit_failure.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(rootOpts, args[0], cmd)
		},
	}
}

func runTrace(opts *RootOptions, file string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	scenario, err := loadScenario(opts, file)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	result, err := harness.Run(scenario, harness.WithLogger(opts.logger(cmd.ErrOrStderr())))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to run scenario", err)
	}

	out := TraceResult{
		Scenario: scenario.Name,
		Pass:     result.Pass,
		Steps:    result.Steps,
		Trace:    result.Trace,
		Errors:   result.Errors,
	}
	if opts.Format == "json" {
		if err := formatter.Success(out); err != nil {
			return err
		}
	} else {
		w := formatter.Writer
		fmt.Fprintf(w, "Scenario: %s\n\nSteps:\n", out.Scenario)
		for i, s := range out.Steps {
			fmt.Fprintf(w, "  %2d. %-8s %s\n", i+1, s.Op, s.Outcome)
		}
		fmt.Fprintln(w, "\nTrace:")
		for _, line := range out.Trace {
			fmt.Fprintf(w, "  %s\n", line)
		}
		for _, e := range out.Errors {
			fmt.Fprintf(w, "\n✗ %s\n", e)
		}
	}

	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", scenario.Name))
	}
	return nil
}
