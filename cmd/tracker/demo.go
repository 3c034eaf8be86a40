package main

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"delivery-tracker/internal/config"
	"delivery-tracker/internal/domain"
	"delivery-tracker/internal/microservices/tracker"
)

func newDemoCmd(opts *rootOptions) *cobra.Command {
	var (
		stepDelay     time.Duration
		progressEvery time.Duration
		asJSON        bool
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Place an in-memory order, dispatch it and track it to the door",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load("tracker-demo", true)
			if err != nil {
				return err
			}
			cfg.Live.Source = config.SourceMemory
			cfg.Dispatch.Enabled = false
			cfg.Dispatch.StepDelay = stepDelay
			cfg.Dispatch.ProgressEvery = progressEvery
			cfg.Tracking.ETATick = progressEvery

			app, err := tracker.Build(cfg, tracker.Deps{}, log)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			resp, err := app.Orders.OrderService.CreateOrder(ctx, domain.CreateOrderRequest{
				DeliveryFee: decimal.RequireFromString("2.99"),
				ETAMinutes:  domain.IntPtr(cfg.Tracking.TotalTravelMinutes),
				Items: []domain.CreateOrderItem{
					{Name: "Margherita pizza", Quantity: 1, Price: decimal.RequireFromString("12.50")},
					{Name: "Garlic bread", Quantity: 2, Price: decimal.RequireFromString("4.25")},
				},
			})
			if err != nil {
				return err
			}

			sess, err := app.Tracker.Open(ctx, resp.ID)
			if err != nil {
				return err
			}
			defer sess.Close()

			g, gctx := errgroup.WithContext(ctx)
			driveCtx, stopDrive := context.WithCancel(gctx)
			defer stopDrive()
			g.Go(func() error {
				err := app.Dispatch.DispatchService.Drive(driveCtx, resp.ID)
				if driveCtx.Err() != nil {
					return nil
				}
				return err
			})
			g.Go(func() error {
				defer stopDrive()
				return follow(cmd.OutOrStdout(), sess, asJSON)
			})
			return g.Wait()
		},
	}
	cmd.Flags().DurationVar(&stepDelay, "step-delay", 2*time.Second, "time between kitchen steps")
	cmd.Flags().DurationVar(&progressEvery, "progress-every", time.Second, "time between rider moves")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON state per line")
	return cmd
}
