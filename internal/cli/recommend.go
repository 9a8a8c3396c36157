package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/hemant07j07/eventstore"
)

// NewRecommendCommand creates the recommend command.
func NewRecommendCommand(opts *RootOptions) *cobra.Command {
	var req eventstore.RecommendRequest

	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Recommend events similar to an event or to free-text preferences",
		Example: `  eventstore recommend --event-id 42
  eventstore recommend --preferences "live jazz, small venues" -k 5`,
		Args: cobra.NoArgs,
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

			req.Mode = eventstore.ModeByUser
			if req.EventID != "" {
				req.Mode = eventstore.ModeByEvent
			}
			recs, err := a.Resolver.Resolve(ctx, req)
			if err != nil {
				return err
			}
			return opts.write(cmd.OutOrStdout(), recs, func(w io.Writer) { printRecommendations(w, recs) })
		},
	}

	cmd.Flags().StringVar(&req.EventID, "event-id", "", "seed event id")
	cmd.Flags().StringVar(&req.Preferences, "preferences", "", "free-text interests")
	cmd.Flags().IntVarP(&req.K, "k", "k", eventstore.DefaultK, "number of results")
	cmd.MarkFlagsOneRequired("event-id", "preferences")
	cmd.MarkFlagsMutuallyExclusive("event-id", "preferences")
	return cmd
}

func printRecommendations(w io.Writer, recs []eventstore.Recommendation) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "no recommendations")
		return
	}
	for i, r := range recs {
		ev := r.Event
		title := "(untitled)"
		if ev.Title != nil {
			title = *ev.Title
		}
		when := "date tba"
		if ev.StartTime != nil {
			when = ev.StartTime.Format(time.DateOnly)
		}
		fmt.Fprintf(w, "%2d. %.3f  %s  %s  [%s] id=%s\n", i+1, r.Score, title, when, ev.Status, ev.ID)
	}
}
