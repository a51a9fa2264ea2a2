package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/unitofwork/internal/schema"
	"github.com/roach88/unitofwork/internal/store"
)

// SchemaOptions holds flags for the schema command.
type SchemaOptions struct {
	*RootOptions
	Store string
}

// StoreSchema is the DDL of one store.
type StoreSchema struct {
	Store      string   `json:"store"`
	Statements []string `json:"statements"`
}

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SchemaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "schema <models-dir>",
		Short: "Print SQLite DDL for the model",
		Long: `Print the CREATE TABLE statements a SQLite store applies for the
types it backs.

Examples:
  uow schema ./models
  uow schema ./models --store main`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchema(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Store, "store", "", "only print this store")

	return cmd
}

func runSchema(opts *SchemaOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	m, err := schema.Load(dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load models", err)
	}

	stores := m.Stores()
	if opts.Store != "" {
		if !slices.Contains(stores, opts.Store) {
			return NewExitError(ExitCommandError, fmt.Sprintf("model %s has no store %q", m.Name(), opts.Store))
		}
		stores = []string{opts.Store}
	}

	out := make([]StoreSchema, 0, len(stores))
	for _, name := range stores {
		out = append(out, StoreSchema{Store: name, Statements: store.SchemaSQL(m, name)})
	}

	if opts.Format == "json" {
		return formatter.Success(out)
	}
	w := formatter.Writer
	for i, s := range out {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "-- store %s\n", s.Store)
		for _, stmt := range s.Statements {
			fmt.Fprintf(w, "%s;\n", stmt)
		}
	}
	return nil
}
