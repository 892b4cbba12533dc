package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/slotwise/calsync/internal/calendar/domain"
)

var (
	availCalendarFlag string
	availFromFlag     string
	availToFlag       string
	slotDuration      time.Duration
	slotGranularity   time.Duration
	slotLimit         int
)

var availabilityCmd = &cobra.Command{
	Use:     "availability",
	Short:   "Query bookable time",
	Aliases: []string{"avail"},
}

var availabilityWindowsCmd = &cobra.Command{
	Use:   "windows",
	Short: "Show free windows inside a range",
	RunE: func(cmd *cobra.Command, args []string) error {
		calendarID, window, err := availArgs()
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			windows, err := a.avail.AvailableWindows(ctx, a.tc, calendarID, window)
			if err != nil {
				return fmt.Errorf("availability: %w", err)
			}
			if len(windows) == 0 {
				fmt.Println("No free time in the window.")
				return nil
			}
			for _, w := range windows {
				fmt.Printf("%s .. %s  (%s)\n",
					w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339), w.Duration())
			}
			return nil
		})
	},
}

var availabilitySlotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "Enumerate bookable slots of a fixed duration",
	RunE: func(cmd *cobra.Command, args []string) error {
		calendarID, window, err := availArgs()
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			slots, err := a.avail.FreeSlots(ctx, a.tc, calendarID, window, slotDuration, slotGranularity, slotLimit)
			if err != nil {
				return fmt.Errorf("free slots: %w", err)
			}
			if len(slots) == 0 {
				fmt.Println("No slots available.")
				return nil
			}
			for _, s := range slots {
				fmt.Printf("%s .. %s\n", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
			}
			return nil
		})
	},
}

func availArgs() (uuid.UUID, domain.TimeWindow, error) {
	calendarID, err := uuid.Parse(availCalendarFlag)
	if err != nil {
		return uuid.Nil, domain.TimeWindow{}, fmt.Errorf("invalid --calendar %q: %w", availCalendarFlag, err)
	}
	if availFromFlag == "" || availToFlag == "" {
		return uuid.Nil, domain.TimeWindow{}, fmt.Errorf("--from and --to are required")
	}
	window, err := parseWindow(availFromFlag, availToFlag)
	if err != nil {
		return uuid.Nil, domain.TimeWindow{}, err
	}
	return calendarID, window, nil
}

func init() {
	availabilityCmd.PersistentFlags().StringVar(&availCalendarFlag, "calendar", "", "calendar id (required)")
	_ = availabilityCmd.MarkPersistentFlagRequired("calendar")
	availabilityCmd.PersistentFlags().StringVar(&availFromFlag, "from", "", "window start (RFC3339, required)")
	availabilityCmd.PersistentFlags().StringVar(&availToFlag, "to", "", "window end (RFC3339, required)")

	availabilitySlotsCmd.Flags().DurationVar(&slotDuration, "duration", 30*time.Minute, "slot length")
	availabilitySlotsCmd.Flags().DurationVar(&slotGranularity, "granularity", 15*time.Minute, "slot start alignment")
	availabilitySlotsCmd.Flags().IntVar(&slotLimit, "limit", 20, "maximum slots to return")

	availabilityCmd.AddCommand(availabilityWindowsCmd)
	availabilityCmd.AddCommand(availabilitySlotsCmd)
}
