// Package cmd defines the command line interface of the crawler.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kent0ikegami/crawler-with-snapshot/internal/app"
	"github.com/kent0ikegami/crawler-with-snapshot/internal/config"
)

// errInvalidArgs marks flag combinations rejected before any crawl starts.
var errInvalidArgs = errors.New("invalid arguments")

// Runner is the part of the application the command drives. It lets tests
// inject a fake run.
type Runner interface {
	Run(ctx context.Context) (app.Summary, error)
	Close(ctx context.Context)
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, opts app.Options) (Runner, error) {
	a, err := app.NewApp(ctx, cfg, opts, app.Overrides{})
	if err != nil {
		return nil, err
	}
	return a, nil
}

type rootOptions struct {
	configPath    string
	resume        string
	startDepth    int
	startDepthSet bool
	retry         string
	domainReplace string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var opts rootOptions
	cmd := &cobra.Command{
		Use:   "crawler-with-snapshot",
		Short: "A breadth-first crawler that saves HTML and a screenshot of every page.",
		Long: `crawler-with-snapshot drives a real browser through a site breadth-first,
recording one row per URL in result.csv and saving the rendered HTML and a
screenshot of each page under the run directory.

Without flags a new crawl starts from crawler.start_urls. --resume continues
an interrupted run, --retry re-crawls its ERROR rows and --domain-replace
re-crawls every row against the hosts named in domain_replace.rules.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.startDepthSet = cmd.Flags().Changed("start-depth")
			return run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "config file (YAML); CRAWLER_* environment variables override it")
	flags.StringVar(&opts.resume, "resume", "", "resume the crawl stored in `DIR`")
	flags.IntVar(&opts.startDepth, "start-depth", 0, "depth `N` to resume from (required with --resume)")
	flags.StringVar(&opts.retry, "retry", "", "retry the ERROR rows of the run stored in `DIR`")
	flags.StringVar(&opts.domainReplace, "domain-replace", "", "re-crawl every row of `CSV` with replaced domains")
	return cmd
}

func run(cmd *cobra.Command, opts rootOptions) error {
	runOpts, err := opts.validate()
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, runOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer a.Close(context.WithoutCancel(ctx))

	summary, err := a.Run(ctx)
	if err != nil {
		return fmt.Errorf("%s run: %w", runOpts.Mode, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s finished: processed=%d failed=%d skipped=%d bounced=%d dir=%s\n",
		summary.Mode, summary.Processed, summary.Failed, summary.Skipped, summary.Bounced, summary.RunDir)
	return nil
}

// validate checks flag combinations and paths and returns the run they select.
func (o rootOptions) validate() (app.Options, error) {
	modes := 0
	for _, v := range []string{o.resume, o.retry, o.domainReplace} {
		if v != "" {
			modes++
		}
	}
	if modes > 1 {
		return app.Options{}, fmt.Errorf("%w: --resume, --retry and --domain-replace are mutually exclusive", errInvalidArgs)
	}
	if o.startDepthSet && o.resume == "" {
		return app.Options{}, fmt.Errorf("%w: --start-depth is only valid with --resume", errInvalidArgs)
	}

	switch {
	case o.resume != "":
		if !o.startDepthSet {
			return app.Options{}, fmt.Errorf("%w: --resume requires --start-depth", errInvalidArgs)
		}
		if o.startDepth < 0 {
			return app.Options{}, fmt.Errorf("%w: --start-depth must be >= 0", errInvalidArgs)
		}
		if err := requireDir(o.resume); err != nil {
			return app.Options{}, err
		}
		return app.Options{Mode: app.ModeResume, Dir: o.resume, StartDepth: o.startDepth}, nil
	case o.retry != "":
		if err := requireDir(o.retry); err != nil {
			return app.Options{}, err
		}
		return app.Options{Mode: app.ModeRetry, Dir: o.retry}, nil
	case o.domainReplace != "":
		info, err := os.Stat(o.domainReplace)
		if err != nil {
			return app.Options{}, fmt.Errorf("%w: result file not found: %s", errInvalidArgs, o.domainReplace)
		}
		if info.IsDir() {
			return app.Options{}, fmt.Errorf("%w: %s is a directory, not a result file", errInvalidArgs, o.domainReplace)
		}
		return app.Options{Mode: app.ModeReplace, CSVPath: o.domainReplace}, nil
	default:
		return app.Options{Mode: app.ModeCrawl}, nil
	}
}

func requireDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: directory not found: %s", errInvalidArgs, dir)
	}
	return nil
}

// Execute runs the root command until it finishes or SIGINT/SIGTERM arrives.
// A failed run exits with status 1.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
