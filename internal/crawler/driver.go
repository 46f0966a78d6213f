package crawler

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kent0ikegami/crawler-with-snapshot/internal/frontier"
	"github.com/kent0ikegami/crawler-with-snapshot/internal/rowstore"
)

// Driver drains a frontier depth by depth, committing every row as it goes.
type Driver struct {
	step     Executor
	store    rowstore.Store
	robots   RobotsPolicy
	maxDepth int
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewDriver builds a Driver. robots may be nil to admit every URL.
func NewDriver(step Executor, store rowstore.Store, robots RobotsPolicy, maxDepth int, logger *zap.Logger) *Driver {
	if robots == nil {
		robots = &allowAllPolicy{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		step:     step,
		store:    store,
		robots:   robots,
		maxDepth: maxDepth,
		tracer:   otel.Tracer(tracerName),
		logger:   logger,
	}
}

// WithTracer returns a copy of the Driver recording a span per depth with tracer.
func (d *Driver) WithTracer(tracer trace.Tracer) *Driver {
	clone := *d
	clone.tracer = tracer
	return &clone
}

// Seed enqueues start URLs at depth 0. Visited URLs are skipped.
func Seed(state *frontier.State, seeds []string) int {
	added := 0
	for _, u := range seeds {
		if state.Enqueue(0, frontier.Entry{URL: u}) {
			added++
		}
	}
	return added
}

// Run crawls from startDepth through the configured maximum depth. It stops
// between URLs when ctx is canceled and returns ctx.Err().
func (d *Driver) Run(ctx context.Context, state *frontier.State, startDepth int) (Stats, error) {
	var stats Stats
	if err := d.store.EnsureFields(ctx, Fields); err != nil {
		return stats, fmt.Errorf("prepare result table: %w", err)
	}

	for depth := startDepth; depth <= d.maxDepth; depth++ {
		if err := d.runDepth(ctx, state, depth, &stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// runDepth drains the queue of one depth, queueing discovered links one
// level deeper.
func (d *Driver) runDepth(ctx context.Context, state *frontier.State, depth int, stats *Stats) error {
	ctx, span := d.tracer.Start(ctx, "crawl.depth", trace.WithAttributes(
		attribute.Int("crawl.depth", depth),
		attribute.Int("crawl.queued", state.Len(depth)),
	))
	defer span.End()

	processed := 0
	defer func() { span.SetAttributes(attribute.Int("crawl.processed", processed)) }()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, ok := state.Next(depth)
		if !ok {
			return nil
		}
		if state.IsVisited(entry.URL) {
			continue
		}
		if !d.robots.Allowed(ctx, entry.URL) {
			stats.Skipped++
			d.logger.Info("Skipping URL disallowed by robots.txt", zap.String("url", entry.URL))
			continue
		}
		state.MarkVisited(entry.URL)

		d.logger.Info("Crawling",
			zap.Int("depth", depth),
			zap.Int("queue", state.Len(depth)),
			zap.Int("total_queue", state.Pending()),
			zap.Int("visited", state.VisitedCount()),
			zap.String("url", entry.URL),
		)

		res, links := d.step.Execute(ctx, Task{
			URL:        entry.URL,
			Depth:      depth,
			FromURL:    entry.FromURL,
			AnchorHTML: entry.AnchorHTML,
		})
		if err := d.store.Upsert(ctx, res.Record()); err != nil {
			return fmt.Errorf("store row %s: %w", entry.URL, err)
		}
		stats.add(res)
		processed++

		if depth >= d.maxDepth {
			continue
		}
		for _, link := range links {
			state.Enqueue(depth+1, frontier.Entry{
				URL:        link.URL,
				FromURL:    entry.URL,
				AnchorHTML: link.AnchorHTML,
			})
		}
	}
}
