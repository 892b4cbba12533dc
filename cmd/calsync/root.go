package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var tenantFlag string

var rootCmd = &cobra.Command{
	Use:   "calsync",
	Short: "Calendar sync and availability operations",
	Long: `calsync inspects and operates one tenant's calendars: list and
import provider calendars, trigger and watch sync runs, query availability,
and renew webhook push channels.

Every command is tenant-scoped; pass the tenant id with --tenant.`,
	SilenceUsage: true,
}

func execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&tenantFlag, "tenant", "t", "", "tenant id (required)")
	_ = rootCmd.MarkPersistentFlagRequired("tenant")

	rootCmd.AddCommand(calendarsCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(availabilityCmd)
	rootCmd.AddCommand(subscriptionsCmd)
}

// withApp wires the command dependencies, runs fn, and tears down.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, tenantFlag)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
