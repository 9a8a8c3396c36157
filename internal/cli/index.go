package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/hemant07j07/eventstore"
)

// NewIndexCommand creates the index command group.
func NewIndexCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage the similarity index",
	}
	cmd.AddCommand(newIndexBuildCommand(opts))
	cmd.AddCommand(newIndexStatusCommand(opts))
	return cmd
}

func newIndexBuildCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Rebuild the similarity index from the active records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.RebuildIndex(ctx); err != nil {
				return err
			}
			snap, err := a.Index.Stat(ctx)
			if err != nil {
				return err
			}
			return opts.write(cmd.OutOrStdout(), snap, func(w io.Writer) { printSnapshot(w, snap) })
		},
	}
}

func newIndexStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current similarity index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.WithIndex(ctx); err != nil {
				return err
			}
			snap, err := a.Index.Stat(ctx)
			if err != nil {
				return err
			}
			return opts.write(cmd.OutOrStdout(), snap, func(w io.Writer) { printSnapshot(w, snap) })
		},
	}
}

func printSnapshot(w io.Writer, s *eventstore.Snapshot) {
	if s == nil {
		fmt.Fprintln(w, "index: not built")
		return
	}
	fmt.Fprintf(w, "index: %s, %d rows, dim %d, model %s, built %s\n",
		s.Backend, s.Rows, s.Dim, s.Model, s.BuiltAt.Format(time.RFC3339))
}
