// Package main hosts the crawler entrypoint.
//
// Architecture overview:
//   - CLI: cmd.newRootCmd validates --resume/--start-depth, --retry and --domain-replace before anything else runs,
//     then loads config through Viper (file plus CRAWLER_* environment overrides).
//   - Run container: internal/app.App resolves the run directory (results/YYYYMMDD_HHMMSS for a fresh crawl, the
//     given directory otherwise), opens the row store (result.csv or Postgres), the artifact store (html/ and
//     screenshots/, or html_r1/ and screenshots_r1/ for replacement runs) and launches Chrome through chromedp,
//     performing the configured login first.
//   - Crawl pipeline: crawler.Driver drains a frontier.State depth by depth; crawler.Step navigates, waits for
//     domcontentloaded and network idle, saves HTML and a screenshot and extracts links with goquery. Every row is
//     committed before the next URL starts, so an interrupted run loses at most the page in flight.
//   - Recovery: crawler.Resumer rebuilds the visited set and the next frontier from result.csv and saved HTML without
//     refetching; crawler.Retrier re-crawls ERROR rows in place; crawler.Replacer re-crawls every row under replaced
//     hosts and fills the *_r1 columns, detecting redirects that bounce back to the original host.
//   - Plumbing: zap logs go to stderr and crawl.log in the run directory; Prometheus counters are served on
//     metrics.addr when set; OpenTelemetry spans cover each depth and each page phase and are exported to Cloud
//     Trace when tracing.project_id is set; artifacts can be mirrored to GCS and the run summary published to
//     Pub/Sub. With store.driver=postgres each run directory gets its own table, store.table being the prefix.
//
// Quick checklist:
//   - Configure crawler.start_urls, crawler.max_depth and optionally login.* and browser.user_data_dir.
//   - Run: go run ./cmd/crawler --config config.yaml
//   - Resume: go run ./cmd/crawler --config config.yaml --resume results/20240102_030405 --start-depth 2
//   - SIGINT/SIGTERM stop the crawl between URLs; the result file stays consistent.
package main
