package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

type sweepResult struct {
	Source string        `json:"source,omitempty"`
	After  time.Duration `json:"stale_after"`
	Marked int64         `json:"marked_inactive"`
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(opts *RootOptions) *cobra.Command {
	var (
		source     string
		staleAfter time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Mark records not scraped recently as inactive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if staleAfter <= 0 {
				staleAfter = opts.cfg.Ingest.StaleAfter
			}
			var n int64
			if source != "" {
				n, err = a.Sweeper.Sweep(ctx, source, staleAfter)
			} else {
				n, err = a.Sweeper.SweepAll(ctx, staleAfter)
			}
			if err != nil {
				return err
			}
			res := sweepResult{Source: source, After: staleAfter, Marked: n}
			return opts.write(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "marked %d record(s) inactive\n", n)
			})
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "only sweep the named source")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "override ingest.stale_after")
	return cmd
}
