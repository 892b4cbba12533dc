package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	subscriptionIDFlag string
	renewLeadFlag      time.Duration
)

var subscriptionsCmd = &cobra.Command{
	Use:     "subscriptions",
	Short:   "Manage provider push channels",
	Aliases: []string{"subs"},
}

var subscriptionsRenewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Renew push channels before they lapse",
	Long: `Renew extends a channel's lease with its provider. With --id one
channel is renewed; without it, every channel of this tenant expiring within
--lead is renewed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if subscriptionIDFlag != "" {
				id, err := uuid.Parse(subscriptionIDFlag)
				if err != nil {
					return fmt.Errorf("invalid --id %q: %w", subscriptionIDFlag, err)
				}
				if err := a.channels.RenewSubscription(ctx, a.tc, id); err != nil {
					return fmt.Errorf("renew subscription: %w", err)
				}
				fmt.Printf("Subscription %s renewed.\n", id)
				return nil
			}

			expiring, err := a.subs.FindExpiringAll(ctx, time.Now().Add(renewLeadFlag), 500)
			if err != nil {
				return fmt.Errorf("scan subscriptions: %w", err)
			}
			renewed := 0
			for _, sub := range expiring {
				if !a.tc.Owns(sub.TenantID()) {
					continue
				}
				if err := a.channels.RenewSubscription(ctx, a.tc, sub.ID()); err != nil {
					fmt.Printf("subscription %s: %v\n", sub.ID(), err)
					continue
				}
				fmt.Printf("Subscription %s renewed (calendar %s).\n", sub.ID(), sub.CalendarID())
				renewed++
			}
			fmt.Printf("Renewed %d of %d expiring subscriptions.\n", renewed, len(expiring))
			return nil
		})
	},
}

func init() {
	subscriptionsRenewCmd.Flags().StringVar(&subscriptionIDFlag, "id", "", "subscription id")
	subscriptionsRenewCmd.Flags().DurationVar(&renewLeadFlag, "lead", 24*time.Hour, "renew channels expiring within this lead")

	subscriptionsCmd.AddCommand(subscriptionsRenewCmd)
}
