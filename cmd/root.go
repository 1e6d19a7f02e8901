// Package cmd defines the cleancrawl command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/cleancrawl/internal/app"
	"github.com/JakeFAU/cleancrawl/internal/config"
	"github.com/JakeFAU/cleancrawl/internal/crawler"
	"github.com/JakeFAU/cleancrawl/internal/logging"
	"github.com/JakeFAU/cleancrawl/internal/scheduler"
)

// Runner is the slice of the application a command drives. Tests swap in a
// fake through newRunner.
type Runner interface {
	Run(ctx context.Context, seeds []crawler.Seed) (scheduler.Result, error)
	Close(ctx context.Context) error
}

// newRunner is the application factory.
var newRunner = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newLogger is replaced in tests to keep output quiet.
var newLogger = logging.New

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "cleancrawl",
		Short: "Crawl web pages and keep only their main content.",
		Long: `cleancrawl fetches pages from a set of seed URLs, strips navigation,
ads and other boilerplate, and writes the remaining text as Markdown to the
configured output. Configuration comes from a YAML file and CRAWLER_*
environment variables.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a config file")

	cmd.AddCommand(newCrawlCmd(opts))
	cmd.AddCommand(newValidateCmd(opts))
	return cmd
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config ok")
			return nil
		},
	}
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
