package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"delivery-tracker/internal/microservices/tracker"
	"delivery-tracker/internal/microservices/tracker/service"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "watch <order-id>",
		Short: "Follow one order in the terminal until it ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("order id: %w", err)
			}
			cfg, log, err := opts.load("tracker-watch", true)
			if err != nil {
				return err
			}
			deps, cleanup, err := connect(cmd.Context(), cfg, log)
			defer cleanup()
			if err != nil {
				return err
			}
			app, err := tracker.Build(cfg, deps, log)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go func() { _ = app.Run(ctx) }()

			sess, err := app.Tracker.Open(ctx, id)
			if err != nil {
				return err
			}
			defer sess.Close()
			return follow(cmd.OutOrStdout(), sess, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON state per line")
	return cmd
}

// follow prints states until the session ends or the order is finished.
func follow(w io.Writer, sess *service.Session, asJSON bool) error {
	enc := json.NewEncoder(w)
	for st := range sess.States() {
		if asJSON {
			if err := enc.Encode(st); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(w, render(st))
		}
		if st.NotFound {
			return fmt.Errorf("order %s not found", st.OrderID)
		}
		if st.Status.IsTerminal() {
			return nil
		}
	}
	return nil
}

func render(st service.TrackingState) string {
	if st.NotFound {
		return "order not found"
	}
	line := fmt.Sprintf("%-18s %-16s step %d/5  rider %3.0f%% at (%.0f, %.0f)  eta %s",
		st.OrderNumber, st.Status, st.StatusStepIndex+1, math.Round(st.RiderProgress*100),
		st.RiderPosition.X, st.RiderPosition.Y, st.ETALabel)
	if st.RiderName != nil {
		line += "  rider " + *st.RiderName
	}
	if st.IsLive {
		line += "  LIVE"
	}
	if st.Reconnecting {
		line += "  reconnecting..."
	}
	return line
}
