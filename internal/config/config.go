// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kent0ikegami/crawler-with-snapshot/internal/crawler"
	"github.com/kent0ikegami/crawler-with-snapshot/internal/extractor"
)

// Store drivers.
const (
	StoreCSV      = "csv"
	StorePostgres = "postgres"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawler       CrawlerConfig       `mapstructure:"crawler"`
	Browser       BrowserConfig       `mapstructure:"browser"`
	Login         LoginConfig         `mapstructure:"login"`
	DomainReplace DomainReplaceConfig `mapstructure:"domain_replace"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Store         StoreConfig         `mapstructure:"store"`
	Artifacts     ArtifactsConfig     `mapstructure:"artifacts"`
	Notify        NotifyConfig        `mapstructure:"notify"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// CrawlerConfig governs what is crawled and where results go.
type CrawlerConfig struct {
	StartURLs        []string `mapstructure:"start_urls"`
	MaxDepth         int      `mapstructure:"max_depth"`
	AllowedDomains   []string `mapstructure:"allowed_domains"`
	SkipURLPatterns  []string `mapstructure:"skip_url_patterns"`
	SkipLinkKeywords []string `mapstructure:"skip_link_keywords"`
	SkipExtensions   []string `mapstructure:"skip_extensions"`
	// WaitForText is waited on until it no longer appears on the page.
	WaitForText   string `mapstructure:"wait_for_text_to_disappear"`
	OutputRoot    string `mapstructure:"output_root"`
	RespectRobots bool   `mapstructure:"respect_robots"`
	UserAgent     string `mapstructure:"user_agent"`
}

// BrowserConfig controls Chrome and the per-page waits.
type BrowserConfig struct {
	Headless                  bool    `mapstructure:"headless"`
	UserDataDir               string  `mapstructure:"user_data_dir"`
	ExecPath                  string  `mapstructure:"exec_path"`
	WindowWidth               int     `mapstructure:"window_width"`
	WindowHeight              int     `mapstructure:"window_height"`
	IgnoreHTTPSErrors         bool    `mapstructure:"ignore_https_errors"`
	Locale                    string  `mapstructure:"locale"`
	NavigationTimeoutSeconds  int     `mapstructure:"navigation_timeout_seconds"`
	DOMContentTimeoutSeconds  int     `mapstructure:"dom_content_timeout_seconds"`
	ErrorPageTimeoutSeconds   int     `mapstructure:"error_page_timeout_seconds"`
	NetworkIdleTimeoutSeconds int     `mapstructure:"network_idle_timeout_seconds"`
	TextWaitTimeoutSeconds    int     `mapstructure:"text_wait_timeout_seconds"`
	ScreenshotFullPage        bool    `mapstructure:"screenshot_full_page"`
	ScreenshotDelayMs         int     `mapstructure:"screenshot_delay_ms"`
	DomainQPS                 float64 `mapstructure:"domain_qps"`
}

// LoginConfig describes an optional login performed before crawling.
type LoginConfig struct {
	URL                string `mapstructure:"url"`
	URL2               string `mapstructure:"url2"`
	WaitSelector       string `mapstructure:"wait_selector"`
	WaitTimeoutSeconds int    `mapstructure:"wait_timeout_seconds"`
}

// DomainReplaceConfig lists the authority rewrites of a replacement crawl.
type DomainReplaceConfig struct {
	Rules crawler.ReplacementRules `mapstructure:"rules"`
}

// RetryConfig bounds the retry passes over ERROR rows.
type RetryConfig struct {
	Passes           int `mapstructure:"passes"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// StoreConfig selects the row store backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	// Table prefixes the per-run Postgres table name.
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ArtifactsConfig configures optional artifact mirroring.
type ArtifactsConfig struct {
	GCS GCSConfig `mapstructure:"gcs"`
}

// GCSConfig mirrors artifacts into a bucket when Bucket is set.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// NotifyConfig configures run summary notifications.
type NotifyConfig struct {
	PubSub PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig publishes run summaries when Topic is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// MetricsConfig serves Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// TracingConfig configures OpenTelemetry tracing. Spans are exported to
// Cloud Trace when ProjectID is set.
type TracingConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	ProjectID      string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.start_urls", []string{})
	v.SetDefault("crawler.max_depth", 2)
	v.SetDefault("crawler.skip_extensions", extractor.DefaultSkipExtensions)
	v.SetDefault("crawler.output_root", "results")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("browser.ignore_https_errors", true)
	v.SetDefault("browser.locale", "ja-JP")
	v.SetDefault("browser.navigation_timeout_seconds", 30)
	v.SetDefault("browser.dom_content_timeout_seconds", 30)
	v.SetDefault("browser.error_page_timeout_seconds", 5)
	v.SetDefault("browser.network_idle_timeout_seconds", 10)
	v.SetDefault("browser.text_wait_timeout_seconds", 10)
	v.SetDefault("browser.screenshot_delay_ms", 500)
	v.SetDefault("browser.domain_qps", 0)
	v.SetDefault("login.wait_timeout_seconds", 600)
	v.SetDefault("retry.passes", 1)
	v.SetDefault("retry.backoff_initial_ms", 2000)
	v.SetDefault("retry.backoff_max_ms", 60000)
	v.SetDefault("store.driver", StoreCSV)
	v.SetDefault("store.table", "crawl_results")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("tracing.service_name", "crawler-with-snapshot")
	v.SetDefault("tracing.service_version", "dev")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0")
	}
	if strings.TrimSpace(c.Crawler.OutputRoot) == "" {
		return fmt.Errorf("crawler.output_root must be set")
	}
	for i, raw := range c.Crawler.StartURLs {
		if err := validateStartURL(raw); err != nil {
			return fmt.Errorf("crawler.start_urls[%d]: %w", i, err)
		}
	}
	if c.Browser.NavigationTimeoutSeconds <= 0 {
		return fmt.Errorf("browser.navigation_timeout_seconds must be > 0")
	}
	if c.Browser.DOMContentTimeoutSeconds <= 0 {
		return fmt.Errorf("browser.dom_content_timeout_seconds must be > 0")
	}
	if c.Browser.DomainQPS < 0 {
		return fmt.Errorf("browser.domain_qps must be >= 0")
	}
	if c.Login.URL != "" && c.Login.WaitTimeoutSeconds <= 0 {
		return fmt.Errorf("login.wait_timeout_seconds must be > 0 when login.url is set")
	}
	if c.Retry.Passes <= 0 {
		return fmt.Errorf("retry.passes must be > 0")
	}
	switch c.Store.Driver {
	case StoreCSV:
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set when store.driver is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("store.driver must be %q or %q", StoreCSV, StorePostgres)
	}
	if c.Notify.PubSub.Topic != "" && c.Notify.PubSub.ProjectID == "" {
		return fmt.Errorf("notify.pubsub.project_id must be set when notify.pubsub.topic is set")
	}
	if err := c.DomainReplace.Rules.Validate(); err != nil {
		return err
	}
	return nil
}

// RequireStartURLs reports an error when a fresh crawl has nothing to seed.
func (c Config) RequireStartURLs() error {
	if len(c.Crawler.StartURLs) == 0 {
		return fmt.Errorf("crawler.start_urls must contain at least one URL")
	}
	return nil
}

func validateStartURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q must be an absolute http(s) URL", raw)
	}
	return nil
}

// AllowedDomains returns the configured allowlist, or the hosts of the start
// URLs when none is configured.
func (c Config) AllowedDomains() []string {
	if len(c.Crawler.AllowedDomains) > 0 {
		return c.Crawler.AllowedDomains
	}
	seen := make(map[string]struct{})
	var hosts []string
	for _, raw := range c.Crawler.StartURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			continue
		}
		host := strings.ToLower(u.Hostname())
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}
	return hosts
}

// StepConfig converts browser timeouts into crawl step settings.
func (c Config) StepConfig() crawler.StepConfig {
	return crawler.StepConfig{
		NavigationTimeout:  seconds(c.Browser.NavigationTimeoutSeconds),
		DOMContentTimeout:  seconds(c.Browser.DOMContentTimeoutSeconds),
		ErrorPageTimeout:   seconds(c.Browser.ErrorPageTimeoutSeconds),
		NetworkIdleTimeout: seconds(c.Browser.NetworkIdleTimeoutSeconds),
		WaitForText:        c.Crawler.WaitForText,
		TextWaitTimeout:    seconds(c.Browser.TextWaitTimeoutSeconds),
		ScreenshotDelay:    time.Duration(c.Browser.ScreenshotDelayMs) * time.Millisecond,
	}
}

// RetryBackoff returns the initial and maximum wait between retry passes.
func (c Config) RetryBackoff() (time.Duration, time.Duration) {
	return time.Duration(c.Retry.BackoffInitialMs) * time.Millisecond,
		time.Duration(c.Retry.BackoffMaxMs) * time.Millisecond
}

// LoginTimeout is how long the login selector is waited on.
func (c Config) LoginTimeout() time.Duration {
	return seconds(c.Login.WaitTimeoutSeconds)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
