// Package app initializes and holds the long-lived services of one crawl run,
// acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/kent0ikegami/crawler-with-snapshot/internal/artifacts"
	"github.com/kent0ikegami/crawler-with-snapshot/internal/clock/system"
	"github.com/kent0ikegami/crawler-with-snapshot/internal/config"
	"github.com/kent0ikegami/crawler-with-snapshot/internal/crawler"
	"github.com/kent0ikegami/crawler-with-snapshot/internal/extractor"
	"github.com/kent0ikegami/crawler-with-snapshot/internal/frontier"
	"github.com/kent0ikegami/crawler-with-snapshot/internal/hash/md5"
	"github.com/kent0ikegami/crawler-with-snapshot/internal/id/uuid"
	"github.com/kent0ikegami/crawler-with-snapshot/internal/logging"
	"github.com/kent0ikegami/crawler-with-snapshot/internal/metrics"
	memorypublisher "github.com/kent0ikegami/crawler-with-snapshot/internal/publisher/memory"
	pubsubpublisher "github.com/kent0ikegami/crawler-with-snapshot/internal/publisher/pubsub"
	"github.com/kent0ikegami/crawler-with-snapshot/internal/renderer"
	"github.com/kent0ikegami/crawler-with-snapshot/internal/rowstore"
	"github.com/kent0ikegami/crawler-with-snapshot/internal/telemetry"
)

// Mode selects what a run does.
type Mode string

// Run modes. They are mutually exclusive.
const (
	ModeCrawl   Mode = "crawl"
	ModeResume  Mode = "resume"
	ModeRetry   Mode = "retry"
	ModeReplace Mode = "domain_replace"
)

// Run results reported in summaries and metrics.
const (
	ResultOK       = "ok"
	ResultCanceled = "canceled"
	ResultError    = "error"
)

// RunDirLayout names new run directories under the output root.
const RunDirLayout = "20060102_150405"

// ResultFile is the row store file inside a run directory.
const ResultFile = "result.csv"

const (
	logFile        = "crawl.log"
	summaryEvent   = "run.finished"
	publishTimeout = 10 * time.Second
	robotsTimeout  = 10 * time.Second
)

// Options describe the run requested on the command line.
type Options struct {
	Mode Mode
	// Dir is the previous run directory of a resume or retry run.
	Dir        string
	StartDepth int
	// CSVPath is the result file a replacement run updates in place.
	CSVPath string
}

// Renderer is the browser surface owned by the app.
type Renderer interface {
	crawler.Renderer
	Close(ctx context.Context) error
}

// RendererFactory launches the browser for a run.
type RendererFactory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Renderer, error)

// Publisher sends run summaries.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
	Close() error
}

// Overrides replace default collaborators. Zero fields keep the defaults.
type Overrides struct {
	Renderer  RendererFactory
	Publisher Publisher
	Logger    *zap.Logger
	Now       func() time.Time
	// PostgresPool replaces the pool dialed from store.dsn.
	PostgresPool rowstore.Pool
	// TraceOptions are appended to the tracer provider options.
	TraceOptions []sdktrace.TracerProviderOption
}

// Summary describes a finished run.
type Summary struct {
	RunID      string    `json:"run_id"`
	Mode       Mode      `json:"mode"`
	RunDir     string    `json:"run_dir"`
	Result     string    `json:"result"`
	Processed  int       `json:"processed"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Bounced    int       `json:"bounced"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// App holds the services shared by one run.
type App struct {
	cfg         config.Config
	opts        Options
	runID       string
	runDir      string
	logger      *zap.Logger
	store       rowstore.Store
	artifacts   *artifacts.LocalStore
	gcsClient   *storage.Client
	publisher   Publisher
	metrics     *metrics.Server
	tracing     *sdktrace.TracerProvider
	hasher      crawler.Hasher
	clock       crawler.Clock
	extractor   *extractor.GoqueryExtractor
	robots      crawler.RobotsPolicy
	newRenderer RendererFactory
	renderer    Renderer
}

// GetLogger returns the run-scoped logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetRunID returns the identifier attached to logs and the summary.
func (a *App) GetRunID() string {
	return a.runID
}

// GetRunDir returns the directory holding the run's results and artifacts.
func (a *App) GetRunDir() string {
	return a.runDir
}

// GetStore exposes the row store of the run.
func (a *App) GetStore() rowstore.Store {
	return a.store
}

// NewApp resolves the run directory and builds every service the run needs.
// The browser is launched by Run. It fails fast when a service cannot be built.
func NewApp(ctx context.Context, cfg config.Config, opts Options, ov Overrides) (*App, error) {
	if ov.Now == nil {
		ov.Now = time.Now
	}
	if ov.Renderer == nil {
		ov.Renderer = launchBrowser
	}

	runDir, err := resolveRunDir(cfg, opts, ov.Now())
	if err != nil {
		return nil, err
	}

	runID, err := uuid.New().NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	base := ov.Logger
	if base == nil {
		base, err = logging.New(cfg.Logging.Development, filepath.Join(runDir, logFile))
		if err != nil {
			return nil, err
		}
	}

	a := &App{
		cfg:         cfg,
		opts:        opts,
		runID:       runID,
		runDir:      runDir,
		logger:      logging.ForRun(base, runID, string(opts.Mode)),
		hasher:      md5.New(),
		clock:       system.New(),
		newRenderer: ov.Renderer,
	}
	a.logger.Info("Initializing run services...", zap.String("run_dir", runDir))

	if err := a.init(ctx, ov); err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.logger.Info("Run services initialized successfully.")
	return a, nil
}

func (a *App) init(ctx context.Context, ov Overrides) error {
	// 1. Row store.
	store, err := a.openStore(ctx, ov.PostgresPool)
	if err != nil {
		return fmt.Errorf("failed to initialize row store: %w", err)
	}
	a.store = store

	// 2. Artifacts, optionally mirrored to GCS.
	layout := artifacts.DefaultLayout
	if a.opts.Mode == ModeReplace {
		layout = artifacts.ReplacementLayout
	}
	a.artifacts, err = artifacts.NewLocal(a.runDir, layout, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize artifacts: %w", err)
	}
	if bucket := a.cfg.Artifacts.GCS.Bucket; bucket != "" {
		a.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("failed to create gcs client: %w", err)
		}
		mirror, err := artifacts.NewGCSMirror(a.gcsClient, artifacts.GCSConfig{
			Bucket: bucket,
			Prefix: path.Join(a.cfg.Artifacts.GCS.Prefix, filepath.Base(a.runDir)),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize gcs mirror: %w", err)
		}
		a.logger.Info("Mirroring artifacts to GCS", zap.String("bucket", bucket))
		a.artifacts = a.artifacts.WithMirror(mirror)
	}

	// 3. Summary publisher.
	switch {
	case ov.Publisher != nil:
		a.publisher = ov.Publisher
	case a.cfg.Notify.PubSub.Topic != "":
		topic := a.cfg.Notify.PubSub.Topic
		a.logger.Info("Connecting to GCP Pub/Sub", zap.String("topic", topic))
		pub, err := pubsubpublisher.Dial(ctx, a.cfg.Notify.PubSub.ProjectID, topic)
		if err != nil {
			return fmt.Errorf("failed to initialize publisher: %w", err)
		}
		a.publisher = pub
	default:
		a.publisher = memorypublisher.New()
	}

	// 4. Metrics.
	metrics.Init()
	if addr := a.cfg.Metrics.Addr; addr != "" {
		a.metrics, err = metrics.Start(addr, a.logger)
		if err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	// 5. Tracing.
	a.tracing, err = telemetry.NewTracerProvider(ctx, telemetry.Config{
		ServiceName:    a.cfg.Tracing.ServiceName,
		ServiceVersion: a.cfg.Tracing.ServiceVersion,
		ProjectID:      a.cfg.Tracing.ProjectID,
	}, ov.TraceOptions...)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// 6. Extraction and admission.
	a.extractor = extractor.New(extractor.Config{
		AllowedDomains:   a.allowedDomains(ctx),
		SkipURLPatterns:  a.cfg.Crawler.SkipURLPatterns,
		SkipLinkKeywords: a.cfg.Crawler.SkipLinkKeywords,
		SkipExtensions:   a.cfg.Crawler.SkipExtensions,
	}, a.logger)
	a.robots = crawler.NewRobotsEnforcer(a.cfg.Crawler.RespectRobots, a.cfg.Crawler.UserAgent,
		&http.Client{Timeout: robotsTimeout}, a.logger)
	return nil
}

// allowedDomains resolves the link allowlist. A resume run without configured
// domains or start URLs falls back to the seed hosts of the stored run.
func (a *App) allowedDomains(ctx context.Context) []string {
	domains := a.cfg.AllowedDomains()
	if len(domains) == 0 && a.opts.Mode == ModeResume {
		domains = crawler.SeedHosts(ctx, a.store)
		a.logger.Info("Allowed domains taken from the stored seed rows", zap.Strings("domains", domains))
	}
	if len(domains) == 0 {
		a.logger.Warn("No allowed domains; links will not be followed")
	}
	return domains
}

// openStore picks the row store. A replacement run always updates the CSV
// it was pointed at. Postgres runs get a table named after the run directory.
func (a *App) openStore(ctx context.Context, pool rowstore.Pool) (rowstore.Store, error) {
	if a.opts.Mode != ModeReplace && a.cfg.Store.Driver == config.StorePostgres {
		table := rowstore.RunTable(a.cfg.Store.Table, a.runDir)
		if pool != nil {
			pg, err := rowstore.NewPostgresWithPool(pool, table, crawler.Fields)
			if err != nil {
				return nil, err
			}
			if err := pg.Migrate(ctx); err != nil {
				return nil, err
			}
			return pg, nil
		}
		a.logger.Info("Connecting to PostgreSQL...", zap.String("table", table))
		pg, err := rowstore.NewPostgres(ctx, rowstore.PostgresConfig{
			DSN:      a.cfg.Store.DSN,
			Table:    table,
			MaxConns: a.cfg.Store.MaxConns,
		}, crawler.Fields)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	csvPath := filepath.Join(a.runDir, ResultFile)
	if a.opts.Mode == ModeReplace {
		csvPath = a.opts.CSVPath
	}
	store, err := rowstore.NewCSV(csvPath, crawler.Fields)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func resolveRunDir(cfg config.Config, opts Options, now time.Time) (string, error) {
	switch opts.Mode {
	case ModeCrawl:
		if err := cfg.RequireStartURLs(); err != nil {
			return "", err
		}
		dir := filepath.Join(cfg.Crawler.OutputRoot, now.Format(RunDirLayout))
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("create run directory: %w", err)
		}
		return dir, nil
	case ModeResume, ModeRetry:
		if opts.Dir == "" {
			return "", fmt.Errorf("%s needs a run directory", opts.Mode)
		}
		return opts.Dir, nil
	case ModeReplace:
		if opts.CSVPath == "" {
			return "", fmt.Errorf("%s needs a result file", opts.Mode)
		}
		if len(cfg.DomainReplace.Rules) == 0 {
			return "", fmt.Errorf("domain_replace.rules must not be empty")
		}
		return filepath.Dir(opts.CSVPath), nil
	default:
		return "", fmt.Errorf("unknown mode %q", opts.Mode)
	}
}

// Run launches the browser and executes the selected mode. The summary is
// logged, counted and published whether or not the run succeeded.
func (a *App) Run(ctx context.Context) (Summary, error) {
	started := a.clock.Now()
	stats, err := a.run(ctx)
	summary := a.summarize(started, stats, err)
	a.report(ctx, summary)
	return summary, err
}

func (a *App) run(ctx context.Context) (crawler.Stats, error) {
	r, err := a.newRenderer(ctx, a.cfg, a.logger)
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("launch browser: %w", err)
	}
	a.renderer = r

	tracer := a.tracing.Tracer(telemetry.TracerName)
	step := crawler.NewStep(a.cfg.StepConfig(), r, a.extractor, a.artifacts, a.hasher, a.clock,
		metrics.NewRecorder(), a.logger).WithTracer(tracer)
	driver := crawler.NewDriver(step, a.store, a.robots, a.cfg.Crawler.MaxDepth, a.logger).WithTracer(tracer)

	switch a.opts.Mode {
	case ModeCrawl:
		state := frontier.NewState(nil)
		crawler.Seed(state, a.cfg.Crawler.StartURLs)
		return driver.Run(ctx, state, 0)
	case ModeResume:
		resumer := crawler.NewResumer(a.store, a.artifacts, a.extractor, a.hasher, a.logger)
		state := resumer.Prepare(ctx, a.opts.StartDepth, a.cfg.Crawler.StartURLs)
		return driver.Run(ctx, state, a.opts.StartDepth)
	case ModeRetry:
		initial, maxWait := a.cfg.RetryBackoff()
		policy := crawler.NewExponentialRetryPolicy(a.cfg.Retry.Passes, initial, maxWait)
		return crawler.NewRetrier(step, a.store, policy, a.logger).RetryFailed(ctx)
	case ModeReplace:
		return crawler.NewReplacer(step, a.store, a.cfg.DomainReplace.Rules, a.hasher, a.logger).Run(ctx)
	default:
		return crawler.Stats{}, fmt.Errorf("unknown mode %q", a.opts.Mode)
	}
}

func (a *App) summarize(started time.Time, stats crawler.Stats, err error) Summary {
	s := Summary{
		RunID:      a.runID,
		Mode:       a.opts.Mode,
		RunDir:     a.runDir,
		Result:     ResultOK,
		Processed:  stats.Processed,
		Failed:     stats.Failed,
		Skipped:    stats.Skipped,
		Bounced:    stats.Bounced,
		StartedAt:  started.UTC(),
		FinishedAt: a.clock.Now().UTC(),
	}
	switch {
	case errors.Is(err, context.Canceled):
		s.Result = ResultCanceled
		s.Error = err.Error()
	case err != nil:
		s.Result = ResultError
		s.Error = err.Error()
	}
	return s
}

func (a *App) report(ctx context.Context, s Summary) {
	fields := []zap.Field{
		zap.String("result", s.Result),
		zap.Int("processed", s.Processed),
		zap.Int("failed", s.Failed),
		zap.Int("skipped", s.Skipped),
		zap.Int("bounced", s.Bounced),
		zap.Duration("elapsed", s.FinishedAt.Sub(s.StartedAt)),
	}
	if s.Error != "" {
		a.logger.Error("Run finished with error", append(fields, zap.String("error", s.Error))...)
	} else {
		a.logger.Info("Run finished", fields...)
	}
	metrics.ObserveRun(string(s.Mode), s.Result)

	// The run context may already be canceled; the summary still goes out.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	id, err := a.publisher.Publish(pubCtx, summaryEvent, s)
	if err != nil {
		a.logger.Warn("Failed to publish run summary", zap.Error(err))
		return
	}
	a.logger.Debug("Published run summary", zap.String("message_id", id))
}

// Close shuts down every service in the container. Errors are logged.
func (a *App) Close(ctx context.Context) {
	a.logger.Info("Shutting down run services...")
	if a.renderer != nil {
		if err := a.renderer.Close(ctx); err != nil {
			a.logger.Warn("Error closing browser", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Error closing row store", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("Error closing publisher", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("Error closing gcs client", zap.Error(err))
		}
	}
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			a.logger.Warn("Error stopping metrics server", zap.Error(err))
		}
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("Error flushing traces", zap.Error(err))
		}
	}
	// Sync errors on stdout/stderr are expected on some platforms.
	_ = a.logger.Sync()
}

// launchBrowser starts Chrome and performs the configured login.
func launchBrowser(ctx context.Context, cfg config.Config, logger *zap.Logger) (Renderer, error) {
	b, err := renderer.New(renderer.Config{
		Headless:          cfg.Browser.Headless,
		UserAgent:         cfg.Crawler.UserAgent,
		Locale:            cfg.Browser.Locale,
		IgnoreHTTPSErrors: cfg.Browser.IgnoreHTTPSErrors,
		ViewportWidth:     cfg.Browser.WindowWidth,
		ViewportHeight:    cfg.Browser.WindowHeight,
		UserDataDir:       cfg.Browser.UserDataDir,
		ExecPath:          cfg.Browser.ExecPath,
		DomainQPS:         cfg.Browser.DomainQPS,
		FullPageShots:     cfg.Browser.ScreenshotFullPage,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := b.Login(ctx, renderer.LoginConfig{
		URL:          cfg.Login.URL,
		SecondURL:    cfg.Login.URL2,
		WaitSelector: cfg.Login.WaitSelector,
		Timeout:      cfg.LoginTimeout(),
	}); err != nil {
		_ = b.Close(ctx)
		return nil, err
	}
	return b, nil
}
