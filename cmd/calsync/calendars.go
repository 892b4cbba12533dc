package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/slotwise/calsync/internal/calendar/domain"
)

var (
	calendarsProvider  string
	importResourcesOpt bool
)

var calendarsCmd = &cobra.Command{
	Use:   "calendars",
	Short: "List and import calendars",
}

var calendarsListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List the tenant's calendars",
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			var (
				cals []*domain.Calendar
				err  error
			)
			if calendarsProvider != "" {
				cals, err = a.calendars.FindByProvider(ctx, a.tc, domain.Provider(calendarsProvider))
			} else {
				cals, err = a.calendars.FindAll(ctx, a.tc)
			}
			if err != nil {
				return fmt.Errorf("list calendars: %w", err)
			}
			if len(cals) == 0 {
				fmt.Println("No calendars found.")
				return nil
			}

			fmt.Printf("Calendars (%d):\n", len(cals))
			fmt.Println(strings.Repeat("-", 78))
			for _, cal := range cals {
				ext := ""
				if cal.IsExternal() {
					ext = fmt.Sprintf(" %s:%s", cal.Provider(), cal.ExternalID())
				}
				capacity := ""
				if cal.Capacity() > 1 {
					capacity = fmt.Sprintf(" capacity=%d", cal.Capacity())
				}
				fmt.Printf("%s  %-10s %-24s %s%s%s\n",
					cal.ID(), cal.Kind(), cal.Name(), cal.Timezone(), ext, capacity)
			}
			return nil
		})
	},
}

var calendarsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import provider calendars or organization resources",
	Long: `Import registers the provider's calendars as linked calendars.
With --resources it imports organization rooms and equipment instead.
Imports are idempotent; rerunning refreshes names and capacities.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if calendarsProvider == "" {
			return fmt.Errorf("--provider is required")
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			provider := domain.Provider(calendarsProvider)
			var (
				imported []*domain.Calendar
				err      error
			)
			if importResourcesOpt {
				imported, err = a.importer.ImportOrgResources(ctx, a.tc, provider)
			} else {
				imported, err = a.importer.ImportAccountCalendars(ctx, a.tc, provider)
			}
			if err != nil {
				return fmt.Errorf("import from %s: %w", provider, err)
			}
			for _, cal := range imported {
				fmt.Printf("%s  %-10s %s\n", cal.ID(), cal.Kind(), cal.Name())
			}
			fmt.Printf("Imported %d calendars.\n", len(imported))
			return nil
		})
	},
}

func init() {
	calendarsCmd.PersistentFlags().StringVar(&calendarsProvider, "provider", "", "provider (google, microsoft, apple, ics)")
	calendarsImportCmd.Flags().BoolVar(&importResourcesOpt, "resources", false, "import organization resources instead of account calendars")

	calendarsCmd.AddCommand(calendarsListCmd)
	calendarsCmd.AddCommand(calendarsImportCmd)
}
