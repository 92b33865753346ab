package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/todo-1m/consistency/internal/app/domainengine"
	"github.com/todo-1m/consistency/internal/app/outboxrelay"
	"github.com/todo-1m/consistency/internal/app/query"
)

func newMigrateCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the write-side and read-model schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, step := range app.Migrations {
				if err := step(cmd.Context()); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

func newDrainCmd(app *App) *cobra.Command {
	var maxPasses int

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Deliver pending outbox events until none are left",
		RunE: func(cmd *cobra.Command, args []string) error {
			var total outboxrelay.Stats
			for pass := 0; maxPasses <= 0 || pass < maxPasses; pass++ {
				stats, err := app.Relay.DrainOnce(cmd.Context())
				total.Fetched += stats.Fetched
				total.Published += stats.Published
				total.Failed += stats.Failed
				total.Deferred += stats.Deferred
				if err != nil {
					return fmt.Errorf("drain: %w", err)
				}
				if stats.Fetched == 0 || stats.Published == 0 {
					break
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fetched=%d published=%d failed=%d deferred=%d\n",
				total.Fetched, total.Published, total.Failed, total.Deferred)
			if total.Failed > 0 {
				return fmt.Errorf("drain: %d deliveries failed", total.Failed)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxPasses, "max-passes", 0, "Stop after this many batches (0 means until empty)")
	return cmd
}

func newBulkCmd(app *App) *cobra.Command {
	var commandID string

	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Run a bulk command",
	}
	run := func(action func(*cobra.Command) (domainengine.BulkResult, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			result, err := action(cmd)
			if err != nil {
				return err
			}
			if result.Replayed {
				fmt.Fprintln(cmd.ErrOrStderr(), "replayed stored result")
			}
			return writeJSON(cmd, result)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "complete-all",
			Short: "Mark every pending todo completed",
			RunE: run(func(cmd *cobra.Command) (domainengine.BulkResult, error) {
				return app.Bulk.MarkAllCompleted(cmd.Context(), commandID)
			}),
		},
		&cobra.Command{
			Use:   "clear-completed",
			Short: "Delete every completed todo",
			RunE: run(func(cmd *cobra.Command) (domainengine.BulkResult, error) {
				return app.Bulk.ClearCompleted(cmd.Context(), commandID)
			}),
		},
	)
	cmd.PersistentFlags().StringVar(&commandID, "command-id", "", "Idempotency key; a repeated id replays the stored result")
	return cmd
}

func newListCmd(app *App) *cobra.Command {
	req := query.NewListRequest()
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List todos from the read model",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := app.Queries.List(cmd.Context(), req)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, resp)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tDUE\tVERSION\tTITLE")
			for _, item := range resp.Data {
				due := "-"
				if item.DueDate != nil {
					due = *item.DueDate
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", item.ID, item.Status, item.Priority, due, item.Version, item.Title)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			p := resp.Pagination
			fmt.Fprintf(cmd.OutOrStdout(), "page %d/%d, %d total\n", p.Page, p.TotalPages, p.Total)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Status, "status", "", "pending or completed")
	cmd.Flags().StringVar(&req.Sort, "sort", req.Sort, "created_at or due_date")
	cmd.Flags().StringVar(&req.Order, "order", req.Order, "asc or desc")
	cmd.Flags().IntVar(&req.Page, "page", req.Page, "Page number")
	cmd.Flags().IntVar(&req.Limit, "limit", req.Limit, fmt.Sprintf("Page size (1-%d)", query.MaxLimit))
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw response")
	return cmd
}

func newStatsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pending and completed counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := app.Queries.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending=%d completed=%d total=%d\n", stats.Pending, stats.Completed, stats.Total)
			return nil
		},
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
