package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/slotwise/calsync/internal/calendar/domain"
)

var (
	syncCalendarFlag string
	syncFromFlag     string
	syncToFlag       string
	syncNoUpdates    bool
	syncStatusLimit  int
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run and inspect calendar sync",
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Reconcile a calendar against its provider now",
	Long: `Run schedules a sync over the given window and executes it inline,
printing the reconciliation counts when it finishes. Without --from/--to the
window defaults to the configured lookback and horizon around now.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		calendarID, err := uuid.Parse(syncCalendarFlag)
		if err != nil {
			return fmt.Errorf("invalid --calendar %q: %w", syncCalendarFlag, err)
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			window, err := parseWindow(syncFromFlag, syncToFlag)
			if err != nil {
				return err
			}

			run, err := a.service.ScheduleSync(ctx, a.tc, calendarID, window, !syncNoUpdates)
			if err != nil {
				return fmt.Errorf("schedule sync: %w", err)
			}

			result, err := a.engine.Sync(ctx, a.tc, run.ID())
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}

			mode := "incremental"
			if result.FullSync {
				mode = "full"
			}
			fmt.Printf("Sync %s completed (%s).\n", result.SyncID, mode)
			fmt.Printf("  created: %d\n  updated: %d\n  deleted: %d\n  skipped: %d\n",
				result.Created, result.Updated, result.Deleted, result.Skipped)
			return nil
		})
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent sync runs for a calendar",
	RunE: func(cmd *cobra.Command, args []string) error {
		calendarID, err := uuid.Parse(syncCalendarFlag)
		if err != nil {
			return fmt.Errorf("invalid --calendar %q: %w", syncCalendarFlag, err)
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			runs, err := a.syncs.FindByCalendar(ctx, a.tc, calendarID, syncStatusLimit)
			if err != nil {
				return fmt.Errorf("list sync runs: %w", err)
			}
			if len(runs) == 0 {
				fmt.Println("No sync runs recorded.")
				return nil
			}

			fmt.Printf("Sync runs (%d, newest first):\n", len(runs))
			fmt.Println(strings.Repeat("-", 78))
			for _, run := range runs {
				line := fmt.Sprintf("%s  %-12s %s .. %s",
					run.ID(), run.Status(),
					run.Window().Start.Format(time.RFC3339),
					run.Window().End.Format(time.RFC3339))
				if run.CompletedAt() != nil {
					line += "  finished " + run.CompletedAt().Format(time.RFC3339)
				}
				if run.Status() == domain.SyncFailed && run.ErrorMessage() != "" {
					line += "  error: " + run.ErrorMessage()
				}
				fmt.Println(line)
			}
			return nil
		})
	},
}

// parseWindow builds a TimeWindow from optional RFC3339 bounds; both empty
// yields the zero window so callers fall back to their defaults.
func parseWindow(from, to string) (domain.TimeWindow, error) {
	if from == "" && to == "" {
		return domain.TimeWindow{}, nil
	}
	if from == "" || to == "" {
		return domain.TimeWindow{}, fmt.Errorf("--from and --to must be given together")
	}
	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return domain.TimeWindow{}, fmt.Errorf("invalid --from %q: %w", from, err)
	}
	end, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return domain.TimeWindow{}, fmt.Errorf("invalid --to %q: %w", to, err)
	}
	return domain.NewTimeWindow(start, end)
}

func init() {
	syncCmd.PersistentFlags().StringVar(&syncCalendarFlag, "calendar", "", "calendar id (required)")
	_ = syncCmd.MarkPersistentFlagRequired("calendar")

	syncRunCmd.Flags().StringVar(&syncFromFlag, "from", "", "window start (RFC3339)")
	syncRunCmd.Flags().StringVar(&syncToFlag, "to", "", "window end (RFC3339)")
	syncRunCmd.Flags().BoolVar(&syncNoUpdates, "no-updates", false, "record provider events as blocked time only")

	syncStatusCmd.Flags().IntVar(&syncStatusLimit, "limit", 10, "number of runs to show")

	syncCmd.AddCommand(syncRunCmd)
	syncCmd.AddCommand(syncStatusCmd)
}
