package crawler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kent0ikegami/crawler-with-snapshot/internal/rowstore"
)

// RetryPolicy decides how many retry passes run and how far apart.
type RetryPolicy interface {
	ShouldRetry(failed int, pass int) bool
	Backoff(pass int) time.Duration
}

// Retrier re-crawls rows whose status is ERROR and overwrites them in place.
type Retrier struct {
	step   Executor
	store  rowstore.Store
	policy RetryPolicy
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewRetrier builds a Retrier. A nil policy runs a single pass.
func NewRetrier(step Executor, store rowstore.Store, policy RetryPolicy, logger *zap.Logger) *Retrier {
	if policy == nil {
		policy = NewExponentialRetryPolicy(1, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{
		step:   step,
		store:  store,
		policy: policy,
		logger: logger,
		sleep:  sleepContext,
	}
}

// RetryFailed re-executes every ERROR row with its stored depth, referrer and
// anchor. Links found on retried pages are not followed.
func (r *Retrier) RetryFailed(ctx context.Context) (Stats, error) {
	var total Stats
	for pass := 0; ; pass++ {
		stats, err := r.runPass(ctx, pass)
		total.Processed += stats.Processed
		if err != nil {
			total.Failed = stats.Failed
			return total, err
		}
		total.Failed = stats.Failed
		if !r.policy.ShouldRetry(stats.Failed, pass) {
			return total, nil
		}
		wait := r.policy.Backoff(pass)
		r.logger.Info("Rows still failing; scheduling another retry pass",
			zap.Int("failed", stats.Failed), zap.Int("pass", pass+1), zap.Duration("backoff", wait))
		if err := r.sleep(ctx, wait); err != nil {
			return total, err
		}
	}
}

func (r *Retrier) runPass(ctx context.Context, pass int) (Stats, error) {
	var stats Stats
	table, err := r.store.ReadAll(ctx)
	if err != nil {
		return stats, fmt.Errorf("read results: %w", err)
	}

	var failed []rowstore.Record
	seen := make(map[string]struct{})
	for _, rec := range table.Records {
		if rec[FieldStatusCode] != StatusError || rec.URL() == "" {
			continue
		}
		if _, ok := seen[rec.URL()]; ok {
			continue
		}
		seen[rec.URL()] = struct{}{}
		failed = append(failed, rec)
	}
	r.logger.Info("Retrying failed rows", zap.Int("pass", pass), zap.Int("rows", len(failed)))

	for i, rec := range failed {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		depth, ok := rowDepth(rec)
		if !ok {
			r.logger.Warn("Row has no usable depth; retrying at depth 0", zap.String("url", rec.URL()))
		}
		r.logger.Info("Retrying",
			zap.Int("index", i+1), zap.Int("total", len(failed)), zap.String("url", rec.URL()))

		res, _ := r.step.Execute(ctx, Task{
			URL:        rec.URL(),
			Depth:      depth,
			FromURL:    rec[FieldFromURL],
			AnchorHTML: rec[FieldAnchorHTML],
			CaseID:     rec[FieldCaseID],
		})
		if err := r.store.Upsert(ctx, res.Record()); err != nil {
			return stats, fmt.Errorf("store row %s: %w", rec.URL(), err)
		}
		stats.add(res)
	}
	return stats, nil
}
