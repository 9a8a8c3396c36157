package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/hemant07j07/eventstore"
)

// NewImportEventCommand creates the import-event command, the admin
// transition of one record to imported.
func NewImportEventCommand(opts *RootOptions) *cobra.Command {
	var by, notes string

	cmd := &cobra.Command{
		Use:   "import-event <id>",
		Short: "Mark an event as imported",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			imp := eventstore.ImportMark{By: by, At: time.Now().UTC()}
			if strings.TrimSpace(imp.By) == "" {
				imp.By = "admin"
			}
			if n := strings.TrimSpace(notes); n != "" {
				imp.Notes = &n
			}
			if err := a.Store.MarkImported(ctx, args[0], imp); err != nil {
				return err
			}
			ev, err := a.Store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return opts.write(cmd.OutOrStdout(), ev, func(w io.Writer) {
				fmt.Fprintf(w, "event %s imported by %s\n", args[0], imp.By)
			})
		},
	}

	cmd.Flags().StringVar(&by, "by", "admin", "who imported the event")
	cmd.Flags().StringVar(&notes, "notes", "", "import notes")
	return cmd
}

// NewExportCommand creates the export command.
func NewExportCommand(opts *RootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all event records to JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			data, err := eventstore.Export(ctx, a.Store)
			if err != nil {
				return err
			}
			buf, err := json.MarshalIndent(data, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal: %w", err)
			}
			buf = append(buf, '\n')

			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(buf)
				return err
			}
			if err := os.WriteFile(output, buf, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d events to %s\n", len(data.Events), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

// NewImportCommand creates the import command.
func NewImportCommand(opts *RootOptions) *cobra.Command {
	var skipDuplicates bool

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import event records from a JSON export (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				raw []byte
				err error
			)
			if args[0] == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("reading input: %w", err)
			}
			var data eventstore.ExportData
			if err := json.Unmarshal(raw, &data); err != nil {
				return fmt.Errorf("parsing JSON: %w", err)
			}

			ctx := cmd.Context()
			a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := eventstore.Import(ctx, a.Store, &data, eventstore.ImportOpts{SkipDuplicates: skipDuplicates})
			if err != nil {
				return err
			}
			return opts.write(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "imported %d, replaced %d, skipped %d\n", res.Imported, res.Replaced, res.Skipped)
			})
		},
	}

	cmd.Flags().BoolVar(&skipDuplicates, "skip-duplicates", false, "keep existing records instead of replacing them")
	return cmd
}
