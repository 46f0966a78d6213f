// Package renderer drives a single headless Chrome tab through chromedp.
package renderer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kent0ikegami/crawler-with-snapshot/internal/crawler"
)

// ErrBrowserClosed is returned by calls made after Close.
var ErrBrowserClosed = errors.New("browser closed")

const (
	networkQuietPeriod = 500 * time.Millisecond
	pollInterval       = 100 * time.Millisecond
)

// Config controls how Chrome is launched.
type Config struct {
	Headless          bool
	UserAgent         string
	Locale            string
	IgnoreHTTPSErrors bool
	ViewportWidth     int
	ViewportHeight    int
	// UserDataDir keeps cookies between runs when set.
	UserDataDir string
	ExecPath    string
	// DomainQPS limits navigations per host; zero disables the limit.
	DomainQPS float64
	// ActionTimeout bounds Content, Screenshot and other short actions.
	ActionTimeout time.Duration
	FullPageShots bool
}

// LoginConfig describes an interactive login performed before crawling.
type LoginConfig struct {
	URL          string
	SecondURL    string
	WaitSelector string
	Timeout      time.Duration
}

// Browser implements crawler.Renderer on one long-lived tab.
type Browser struct {
	cfg             Config
	allocatorCancel context.CancelFunc
	tabCtx          context.Context
	tabCancel       context.CancelFunc
	tracker         *tracker
	logger          *zap.Logger
	domainLimiters  sync.Map

	mu     sync.Mutex
	closed bool
}

// New launches Chrome and opens the tab every call will share.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ViewportWidth <= 0 || cfg.ViewportHeight <= 0 {
		cfg.ViewportWidth, cfg.ViewportHeight = 1920, 1080
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 30 * time.Second
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.Locale != "" {
		opts = append(opts, chromedp.Flag("lang", cfg.Locale))
	}
	if cfg.IgnoreHTTPSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.EmulateViewport(int64(cfg.ViewportWidth), int64(cfg.ViewportHeight)),
	); err != nil {
		tabCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	b := &Browser{
		cfg:             cfg,
		allocatorCancel: allocatorCancel,
		tabCtx:          tabCtx,
		tabCancel:       tabCancel,
		tracker:         newTracker(time.Now),
		logger:          logger,
	}
	chromedp.ListenTarget(tabCtx, b.tracker.handle)
	return b, nil
}

// Close shuts the tab and the browser process down.
func (b *Browser) Close(_ context.Context) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.tabCancel()
	b.allocatorCancel()
	return nil
}

// Navigate loads rawURL and returns the main document response. A nil
// response with a nil error means no document response was observed.
func (b *Browser) Navigate(ctx context.Context, rawURL string, timeout time.Duration) (*crawler.Response, error) {
	if err := b.waitDomainBudget(ctx, rawURL); err != nil {
		return nil, fmt.Errorf("navigation rate limit: %w", err)
	}
	b.tracker.reset()
	err := b.run(ctx, timeout, chromedp.Navigate(rawURL))
	resp := b.tracker.response()
	if err != nil {
		return resp, fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	return resp, nil
}

// WaitForLoadState blocks until the page reaches state or timeout passes.
func (b *Browser) WaitForLoadState(ctx context.Context, state crawler.LoadState, timeout time.Duration) error {
	switch state {
	case crawler.LoadStateDOMContentLoaded:
		var ready bool
		return b.run(ctx, timeout, chromedp.Poll(`document.readyState !== "loading"`, &ready,
			chromedp.WithPollingInterval(pollInterval)))
	case crawler.LoadStateNetworkIdle:
		return b.waitNetworkIdle(ctx, timeout)
	default:
		return fmt.Errorf("unsupported load state %q", state)
	}
}

func (b *Browser) waitNetworkIdle(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if b.tracker.idle(networkQuietPeriod) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("network not idle after %s", timeout)
		case <-ticker.C:
		}
	}
}

// WaitForTextToDisappear waits until the body no longer contains text.
func (b *Browser) WaitForTextToDisappear(ctx context.Context, text string, timeout time.Duration) error {
	quoted, err := json.Marshal(text)
	if err != nil {
		return fmt.Errorf("encode text: %w", err)
	}
	expr := fmt.Sprintf(`!document.body || !document.body.innerText.includes(%s)`, quoted)
	var gone bool
	return b.run(ctx, timeout, chromedp.Poll(expr, &gone, chromedp.WithPollingInterval(pollInterval)))
}

// Content returns the serialized DOM of the current page.
func (b *Browser) Content(ctx context.Context) (string, error) {
	var html string
	if err := b.run(ctx, b.cfg.ActionTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return html, nil
}

// Screenshot captures the current page as PNG.
func (b *Browser) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	var action chromedp.Action = chromedp.CaptureScreenshot(&buf)
	if b.cfg.FullPageShots {
		action = chromedp.FullScreenshot(&buf, 100)
	}
	if err := b.run(ctx, b.cfg.ActionTimeout, action); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

// Login opens the login page and waits for the operator (or an automated
// form) to reach a page showing WaitSelector. SecondURL is visited afterwards
// when set.
func (b *Browser) Login(ctx context.Context, cfg LoginConfig) error {
	if cfg.URL == "" {
		return nil
	}
	b.logger.Info("Waiting for login", zap.String("url", cfg.URL), zap.String("selector", cfg.WaitSelector))
	actions := []chromedp.Action{chromedp.Navigate(cfg.URL)}
	if cfg.WaitSelector != "" {
		actions = append(actions, chromedp.WaitVisible(cfg.WaitSelector, chromedp.ByQuery))
	}
	if err := b.run(ctx, cfg.Timeout, actions...); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if cfg.SecondURL != "" {
		if err := b.run(ctx, cfg.Timeout, chromedp.Navigate(cfg.SecondURL)); err != nil {
			return fmt.Errorf("login second page: %w", err)
		}
	}
	b.logger.Info("Login completed")
	return nil
}

func (b *Browser) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBrowserClosed
	}
	if timeout <= 0 {
		timeout = b.cfg.ActionTimeout
	}
	taskCtx, cancelTask := context.WithTimeout(b.tabCtx, timeout)
	defer cancelTask()
	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()
	return chromedp.Run(taskCtx, actions...)
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (b *Browser) waitDomainBudget(ctx context.Context, rawURL string) error {
	if b.cfg.DomainQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := b.domainLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(b.cfg.DomainQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	return nil
}

var _ crawler.Renderer = (*Browser)(nil)
