package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/hemant07j07/eventstore"
)

// NewScrapeCommand creates the scrape command.
func NewScrapeCommand(opts *RootOptions) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Run one ingestion pass over the configured sources",
		Long: `Fetch every configured listing, reconcile its items into the store and
mark records of that source inactive when they have gone unobserved for
longer than ingest.stale_after.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.WithIngester(); err != nil {
				return err
			}

			if source != "" {
				var src *eventstore.Source
				for _, s := range a.Ingester.Sources() {
					if s.Name == source {
						src = &s
						break
					}
				}
				if src == nil {
					return fmt.Errorf("unknown source %q", source)
				}
				res := a.Ingester.RunSource(ctx, *src)
				if err := opts.write(cmd.OutOrStdout(), res, func(w io.Writer) { printSource(w, res) }); err != nil {
					return err
				}
				if !res.OK {
					return fmt.Errorf("source %s failed: %s", res.Source, res.Err)
				}
				return nil
			}

			sum := a.Ingester.RunPass(ctx)
			if err := opts.write(cmd.OutOrStdout(), sum, func(w io.Writer) { printPass(w, sum) }); err != nil {
				return err
			}
			if !sum.OK() {
				return fmt.Errorf("%d of %d sources failed", sum.Failed, len(sum.Sources))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "only scrape the named source")
	return cmd
}

func printSource(w io.Writer, r eventstore.SourceResult) {
	if !r.OK {
		fmt.Fprintf(w, "%-20s FAILED  %s\n", r.Source, r.Err)
		return
	}
	fmt.Fprintf(w, "%-20s inserted=%d updated=%d unchanged=%d skipped=%d inactive=%d (%s)\n",
		r.Source, r.Inserted, r.Updated, r.Unchanged, r.Skipped, r.MarkedInactive, r.Duration.Round(time.Millisecond))
}

func printPass(w io.Writer, s eventstore.PassSummary) {
	fmt.Fprintf(w, "pass %s\n", s.PassID)
	for _, r := range s.Sources {
		printSource(w, r)
	}
	fmt.Fprintf(w, "total: inserted=%d updated=%d unchanged=%d skipped=%d inactive=%d failed=%d\n",
		s.Inserted, s.Updated, s.Unchanged, s.Skipped, s.MarkedInactive, s.Failed)
}
