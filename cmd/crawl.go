package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/cleancrawl/internal/config"
	"github.com/JakeFAU/cleancrawl/internal/crawler"
)

const closeTimeout = 30 * time.Second

type crawlOptions struct {
	seeds       []string
	maxDepth    int
	maxPages    int
	concurrency int
	output      string
	checkpoint  string
	serve       bool
	port        int
}

func newCrawlCmd(root *rootOptions) *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl from seed URLs and write cleaned documents",
		Long: `Crawl starts from the configured seeds plus any --seed flags, follows
in-scope links up to the configured depth, and writes one cleaned Markdown
document per distinct page. SIGINT or SIGTERM stops the crawl after in-flight
pages finish or the grace period runs out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, root, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringArrayVar(&opts.seeds, "seed", nil, "seed URL (repeatable)")
	flags.IntVar(&opts.maxDepth, "max-depth", 0, "maximum link depth from a seed")
	flags.IntVar(&opts.maxPages, "max-pages", 0, "stop discovering links after this many documents")
	flags.IntVar(&opts.concurrency, "concurrency", 0, "number of crawl workers")
	flags.StringVar(&opts.output, "output", "", "write Markdown to this file")
	flags.StringVar(&opts.checkpoint, "checkpoint", "", "SQLite file for frontier checkpoints")
	flags.BoolVar(&opts.serve, "serve", false, "expose the operator API while crawling")
	flags.IntVar(&opts.port, "port", 0, "operator API port")
	return cmd
}

// apply overlays flags the user actually set onto cfg.
func (o *crawlOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	for _, raw := range o.seeds {
		cfg.Crawler.Seeds = append(cfg.Crawler.Seeds, crawler.Seed{URL: raw})
	}
	if flags.Changed("max-depth") {
		cfg.Crawler.MaxDepth = o.maxDepth
	}
	if flags.Changed("max-pages") {
		cfg.Crawler.MaxPages = o.maxPages
	}
	if flags.Changed("concurrency") {
		cfg.Crawler.Concurrency = o.concurrency
	}
	if flags.Changed("output") {
		cfg.Output.Backend = config.OutputFile
		cfg.Output.File.Path = o.output
	}
	if flags.Changed("checkpoint") {
		cfg.Checkpoint.Path = o.checkpoint
	}
	if flags.Changed("serve") {
		cfg.Server.Enabled = o.serve
	}
	if flags.Changed("port") {
		cfg.Server.Port = o.port
	}
}

func runCrawl(cmd *cobra.Command, root *rootOptions, opts *crawlOptions) error {
	cfg, err := config.Load(root.configPath)
	if err != nil {
		return err
	}
	opts.apply(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	undo := zap.ReplaceGlobals(logger)
	defer undo()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := newRunner(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize crawl: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := runner.Close(closeCtx); cerr != nil {
			logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
	}()

	result, runErr := runner.Run(ctx, cfg.Crawler.Seeds)
	summary, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(summary))
	if runErr != nil {
		return fmt.Errorf("crawl %s: %w", result.Status, runErr)
	}
	return nil
}
