package crawler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/kent0ikegami/crawler-with-snapshot/internal/crawler"

// ErrNoResponse is returned when a navigation produced no main document response.
var ErrNoResponse = errors.New("no response received")

const httpFailureMarker = "ERR_HTTP_RESPONSE_CODE_FAILURE"

// HTTPStatusError reports a main document response with status >= 400.
type HTTPStatusError struct {
	Status int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP error: status=%d", e.Status)
}

// isHTTPFailure reports navigation errors that still leave a page to capture.
func isHTTPFailure(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return true
	}
	return strings.Contains(err.Error(), httpFailureMarker)
}

// StepConfig holds the timeouts and optional waits of a Step.
type StepConfig struct {
	NavigationTimeout  time.Duration
	DOMContentTimeout  time.Duration
	ErrorPageTimeout   time.Duration
	NetworkIdleTimeout time.Duration
	// WaitForText, when set, is waited on until it no longer appears in the page body.
	WaitForText     string
	TextWaitTimeout time.Duration
	ScreenshotDelay time.Duration
}

// DefaultStepConfig mirrors the browser defaults the crawler was tuned with.
func DefaultStepConfig() StepConfig {
	return StepConfig{
		NavigationTimeout:  30 * time.Second,
		DOMContentTimeout:  30 * time.Second,
		ErrorPageTimeout:   5 * time.Second,
		NetworkIdleTimeout: 10 * time.Second,
		TextWaitTimeout:    10 * time.Second,
		ScreenshotDelay:    500 * time.Millisecond,
	}
}

// Step fetches a single URL and turns the outcome into a Result.
type Step struct {
	cfg       StepConfig
	renderer  Renderer
	extractor Extractor
	artifacts ArtifactStore
	hasher    Hasher
	clock     Clock
	observer  Observer
	tracer    trace.Tracer
	logger    *zap.Logger
	sleep     func(context.Context, time.Duration) error
}

// NewStep wires a Step. observer and logger may be nil.
func NewStep(
	cfg StepConfig,
	renderer Renderer,
	extractor Extractor,
	artifacts ArtifactStore,
	hasher Hasher,
	clock Clock,
	observer Observer,
	logger *zap.Logger,
) *Step {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Step{
		cfg:       cfg,
		renderer:  renderer,
		extractor: extractor,
		artifacts: artifacts,
		hasher:    hasher,
		clock:     clock,
		observer:  observer,
		tracer:    otel.Tracer(tracerName),
		logger:    logger,
		sleep:     sleepContext,
	}
}

// WithTracer returns a copy of the Step recording spans with tracer.
func (s *Step) WithTracer(tracer trace.Tracer) *Step {
	clone := *s
	clone.tracer = tracer
	return &clone
}

// WithArtifacts returns a copy of the Step writing to a different artifact store.
func (s *Step) WithArtifacts(artifacts ArtifactStore) *Step {
	clone := *s
	clone.artifacts = artifacts
	return &clone
}

// CaseID derives the artifact identifier for url.
func (s *Step) CaseID(url string) string {
	return caseID(s.hasher, url)
}

func caseID(h Hasher, url string) string {
	sum, err := h.Hash([]byte(url))
	if err != nil {
		return ""
	}
	return sum
}

// navigation is what one Navigate call captured.
type navigation struct {
	status   string
	chain    []string
	finalURL string
	errMsg   string
	// httpFailure marks a response-code failure: the page is captured but
	// its links are not followed.
	httpFailure bool
}

// Execute implements Executor. Each blocking phase is recorded as a child
// span of a "crawl.step" span.
func (s *Step) Execute(ctx context.Context, task Task) (Result, []Link) {
	ctx, span := s.tracer.Start(ctx, "crawl.step", trace.WithAttributes(
		attribute.String("url.full", task.URL),
		attribute.Int("crawl.depth", task.Depth),
	))
	defer span.End()

	res, links := s.execute(ctx, task)
	span.SetAttributes(
		attribute.String("crawl.status_code", res.StatusCode),
		attribute.Int("crawl.link_count", len(links)),
	)
	if res.StatusCode == StatusError {
		span.SetStatus(codes.Error, res.ErrorMessage)
	}
	return res, links
}

func (s *Step) execute(ctx context.Context, task Task) (Result, []Link) {
	started := time.Now()
	res := Result{
		URL:        task.URL,
		FromURL:    task.FromURL,
		CaseID:     task.CaseID,
		Depth:      task.Depth,
		StatusCode: StatusError,
		AnchorHTML: task.AnchorHTML,
	}
	if res.CaseID == "" {
		res.CaseID = s.CaseID(task.URL)
	}
	logger := s.logger.With(zap.String("url", task.URL), zap.Int("depth", task.Depth))

	nav, err := s.navigate(ctx, logger, task.URL)
	if err != nil {
		return s.fail(logger, res, err, started), nil
	}
	chain := joinChain(nav.chain)

	if task.FollowUp != nil {
		final := nav.finalURL
		if final == "" {
			final = task.URL
		}
		if next, ok := task.FollowUp(final); ok {
			s.observer.ObserveBounce()
			logger.Info("Redirect bounced to original authority; navigating again",
				zap.String("final_url", final), zap.String("next_url", next))
			first := chain
			if first == "" {
				first = final
			}
			nav, err = s.navigate(ctx, logger, next)
			if err != nil {
				return s.fail(logger, res, fmt.Errorf("bounce navigation to %s: %w", next, err), started), nil
			}
			second := joinChain(nav.chain)
			if second == "" {
				second = next
			}
			chain = first + BounceSeparator + second
		}
	}

	if s.cfg.WaitForText != "" {
		s.waitForText(ctx, logger)
	}

	html, err := s.saveContent(ctx, res.CaseID)
	if err != nil {
		return s.fail(logger, res, err, started), nil
	}
	s.captureScreenshot(ctx, logger, res.CaseID)

	var links []Link
	if !nav.httpFailure {
		base := nav.finalURL
		if base == "" {
			base = task.URL
		}
		links = s.extractor.ExtractLinks(html, base)
	}

	res.RedirectChain = chain
	res.Title = s.extractor.ExtractTitle(html)
	res.StatusCode = nav.status
	res.ContentLength = utf8.RuneCountInString(html)
	res.LinkCount = len(links)
	res.CrawledAt = s.clock.Now()
	res.ErrorMessage = nav.errMsg
	s.observer.ObservePage(res.StatusCode, time.Since(started))
	return res, links
}

func (s *Step) navigate(ctx context.Context, logger *zap.Logger, url string) (navigation, error) {
	navCtx, span := s.tracer.Start(ctx, "navigate", trace.WithAttributes(attribute.String("url.full", url)))
	resp, err := s.renderer.Navigate(navCtx, url, s.cfg.NavigationTimeout)
	if err == nil {
		switch {
		case resp == nil:
			err = ErrNoResponse
		case resp.Status >= 400:
			err = &HTTPStatusError{Status: resp.Status}
		}
	}
	if resp != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	nav := navigation{
		chain:    resp.Chain(),
		finalURL: resp.FinalURL(),
	}
	if err != nil && !isHTTPFailure(err) {
		return nav, err
	}

	ctx, waitSpan := s.tracer.Start(ctx, "wait_for_load")
	defer waitSpan.End()
	if err != nil {
		nav.status = StatusHTTPFailure
		nav.errMsg = err.Error()
		nav.httpFailure = true
		if werr := s.renderer.WaitForLoadState(ctx, LoadStateDOMContentLoaded, s.cfg.ErrorPageTimeout); werr != nil {
			waitSpan.RecordError(werr)
			logger.Debug("Error page did not finish loading", zap.Error(werr))
		}
		return nav, nil
	}

	nav.status = strconv.Itoa(resp.Status)
	if err := s.renderer.WaitForLoadState(ctx, LoadStateDOMContentLoaded, s.cfg.DOMContentTimeout); err != nil {
		waitSpan.SetStatus(codes.Error, err.Error())
		return nav, fmt.Errorf("wait for %s: %w", LoadStateDOMContentLoaded, err)
	}
	if err := s.renderer.WaitForLoadState(ctx, LoadStateNetworkIdle, s.cfg.NetworkIdleTimeout); err != nil {
		waitSpan.RecordError(err)
		s.observer.ObserveEnrichmentFailure("network_idle")
		logger.Debug("Network idle wait timed out", zap.Error(err))
	}
	return nav, nil
}

func (s *Step) waitForText(ctx context.Context, logger *zap.Logger) {
	ctx, span := s.tracer.Start(ctx, "wait_for_text")
	defer span.End()
	if err := s.renderer.WaitForTextToDisappear(ctx, s.cfg.WaitForText, s.cfg.TextWaitTimeout); err != nil {
		span.RecordError(err)
		s.observer.ObserveEnrichmentFailure("text_wait")
		logger.Warn("Text did not disappear", zap.String("text", s.cfg.WaitForText), zap.Error(err))
	}
}

// saveContent reads the rendered HTML and stores it under id.
func (s *Step) saveContent(ctx context.Context, id string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "content")
	defer span.End()

	html, err := s.renderer.Content(ctx)
	if err != nil {
		err = fmt.Errorf("read content: %w", err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if err := s.artifacts.SaveHTML(ctx, id, []byte(html)); err != nil {
		err = fmt.Errorf("save html: %w", err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("crawl.content_bytes", len(html)))
	return html, nil
}

func (s *Step) captureScreenshot(ctx context.Context, logger *zap.Logger, id string) {
	ctx, span := s.tracer.Start(ctx, "screenshot")
	defer span.End()
	if err := s.sleep(ctx, s.cfg.ScreenshotDelay); err != nil {
		return
	}
	png, err := s.renderer.Screenshot(ctx)
	if err != nil {
		span.RecordError(err)
		s.observer.ObserveEnrichmentFailure("screenshot")
		logger.Warn("Screenshot failed", zap.Error(err))
		return
	}
	if err := s.artifacts.SaveScreenshot(ctx, id, png); err != nil {
		span.RecordError(err)
		s.observer.ObserveEnrichmentFailure("screenshot")
		logger.Warn("Saving screenshot failed", zap.Error(err))
	}
}

func (s *Step) fail(logger *zap.Logger, res Result, err error, started time.Time) Result {
	res.StatusCode = StatusError
	res.RedirectChain = ""
	res.Title = ""
	res.ContentLength = 0
	res.LinkCount = 0
	res.ErrorMessage = err.Error()
	res.CrawledAt = s.clock.Now()
	logger.Warn("Navigation failed", zap.Error(err))
	s.observer.ObservePage(res.StatusCode, time.Since(started))
	return res
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
