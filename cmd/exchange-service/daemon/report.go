package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/unipago/affiliate-exchange/internal/exchange/database"
	"github.com/unipago/affiliate-exchange/internal/exchange/models"
)

const reportTimeout = 30 * time.Second

func installStatsCmd(app *App) {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the affiliates totals and the imports of the last 24 hours",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withDatabase(cmd.Context(), func(ctx context.Context, db *database.Manager) error {
				stats, err := db.Stats(ctx)
				if err != nil {
					return fmt.Errorf("failed to get statistics: %v", err)
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), stats)
				}
				return writeStats(cmd.OutOrStdout(), stats)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	app.cmd.AddCommand(cmd)
}

func installHistoryCmd(app *App) {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the most recent imports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withDatabase(cmd.Context(), func(ctx context.Context, db *database.Manager) error {
				history, err := db.History(ctx, limit)
				if err != nil {
					return fmt.Errorf("failed to get import history: %v", err)
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), history)
				}
				return writeHistory(cmd.OutOrStdout(), history)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of imports to print")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	app.cmd.AddCommand(cmd)
}

func (a *App) withDatabase(ctx context.Context, fn func(context.Context, *database.Manager) error) error {
	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	db, err := database.New(ctx, a.config.DBConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}
	defer db.Close()

	return fn(ctx, db)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeStats(w io.Writer, s models.Stats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Affiliates:\t%d\n", s.TotalAffiliates)
	fmt.Fprintf(tw, "Active affiliates:\t%d\n", s.ActiveAffiliates)
	fmt.Fprintf(tw, "Plans:\t%d\n", s.UniquePlans)
	fmt.Fprintf(tw, "Last update:\t%s\n", formatTime(s.LastUpdate))
	fmt.Fprintf(tw, "Imports (24h):\t%d\n", s.TotalImports)
	fmt.Fprintf(tw, "Successful imports (24h):\t%d\n", s.SuccessfulImports)
	fmt.Fprintf(tw, "Records processed (24h):\t%d\n", s.TotalRecordsProcessed)
	fmt.Fprintf(tw, "Records applied (24h):\t%d\n", s.TotalRecordsSuccess)
	fmt.Fprintf(tw, "Last import:\t%s\n", formatTime(s.LastImport))
	return tw.Flush()
}

func writeHistory(w io.Writer, history []models.ImportAudit) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tFILE\tSTATUS\tPROCESSED\tSUCCESS\tFAILED\tSECONDS\tERROR")
	for _, h := range history {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%.3f\t%s\n",
			h.Timestamp.Format(time.RFC3339), h.Filename, h.Status,
			h.Processed, h.Success, h.Failed, h.ElapsedSeconds, h.ErrorMessage)
	}
	return tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}
