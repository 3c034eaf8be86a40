package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/config"
)

var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "tracker",
		Short:         "Live order tracking for food delivery",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML config (default: config.yaml or deploy/config.example.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level: debug, info, warn or error")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newWatchCmd(opts),
		newDispatchCmd(opts),
		newDemoCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return cmd
}

// load reads the configuration and sets the log level. Commands whose stdout
// is user output log to stderr.
func (o *rootOptions) load(service string, toStderr bool) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logger.SetLevel(cfg.Log.Level)
	if toStderr {
		return cfg, logger.NewWithWriter(service, os.Stderr), nil
	}
	return cfg, logger.New(service), nil
}
