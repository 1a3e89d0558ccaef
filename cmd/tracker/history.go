package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/execution-tracker/internal/config"
	"github.com/t77yq/execution-tracker/internal/model"
	"github.com/t77yq/execution-tracker/internal/storage"
)

func newHistoryCommand(configPath *string) *cobra.Command {
	var (
		filter storage.HistoryFilter
		state  string
		offset int
		limit  int
		purge  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if state != "" {
				s, err := model.TranslateLegacyState(state)
				if err != nil {
					return err
				}
				filter.State = s
			}

			history, err := storage.NewSQLiteExecutionHistory(zap.NewNop(), cfg.Storage.Path)
			if err != nil {
				return fmt.Errorf("failed to open execution history: %w", err)
			}
			defer history.Close()

			ctx := cmd.Context()
			if purge > 0 {
				n, err := history.DeleteBefore(ctx, time.Now().Add(-purge))
				if err != nil {
					return fmt.Errorf("failed to purge execution history: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d executions\n", n)
			}

			total, err := history.Count(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to count execution history: %w", err)
			}
			records, err := history.List(ctx, filter, offset, limit)
			if err != nil {
				return fmt.Errorf("failed to list execution history: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "EXECUTION\tRUN\tAGENT\tSTATE\tDURATION\tRETRIES\tERROR")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					rec.ExecutionID,
					rec.RunID,
					rec.AgentName,
					rec.State,
					rec.Duration(rec.UpdatedAt).Round(time.Millisecond),
					rec.RetryCount,
					rec.Error)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d executions\n", len(records), total)
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.RunID, "run", "", "only executions of this run")
	cmd.Flags().StringVar(&filter.AgentName, "agent", "", "only executions of this agent")
	cmd.Flags().StringVar(&state, "state", "", "only executions in this state (legacy names accepted)")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of records to skip")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of records")
	cmd.Flags().DurationVar(&purge, "purge-older-than", 0, "delete archived executions older than this first")
	return cmd
}
