package main

import (
	"fmt"

	"github.com/bhandras/devicelink/internal/config"
	"github.com/bhandras/devicelink/pkg/logger"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "devicelink",
		Short:         "Remote-operated camera and QR device agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the log level (trace|debug|info|warn|error)")

	cmd.AddCommand(newRunCmd(opts), newPairCmd(opts), newVersionCmd())
	return cmd
}

// load reads the config and applies the logging section.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	return cfg, nil
}
