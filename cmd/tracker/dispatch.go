package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"delivery-tracker/internal/microservices/tracker"
)

func newDispatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <order-id>",
		Short: "Drive one order through the kitchen and the delivery leg",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("order id: %w", err)
			}
			cfg, log, err := opts.load("dispatch", false)
			if err != nil {
				return err
			}
			cfg.Dispatch.Enabled = false
			deps, cleanup, err := connect(cmd.Context(), cfg, log)
			defer cleanup()
			if err != nil {
				return err
			}
			app, err := tracker.Build(cfg, deps, log)
			if err != nil {
				return err
			}
			return app.Dispatch.DispatchService.Drive(cmd.Context(), id)
		},
	}
}
