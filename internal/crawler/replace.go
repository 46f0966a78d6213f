package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/kent0ikegami/crawler-with-snapshot/internal/rowstore"
)

// ReplacementRule maps one authority (host[:port]) to another.
type ReplacementRule struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

// ReplacementRules are tried in order; the first exact authority match wins.
type ReplacementRules []ReplacementRule

// Apply rewrites the authority of rawURL. ok is false when no rule matches.
func (rs ReplacementRules) Apply(rawURL string) (string, ReplacementRule, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", ReplacementRule{}, false
	}
	for _, rule := range rs {
		if strings.EqualFold(u.Host, strings.TrimSpace(rule.From)) {
			u.Host = strings.TrimSpace(rule.To)
			return u.String(), rule, true
		}
	}
	return "", ReplacementRule{}, false
}

// Validate rejects empty or duplicate sources.
func (rs ReplacementRules) Validate() error {
	seen := make(map[string]struct{}, len(rs))
	for i, rule := range rs {
		from := strings.ToLower(strings.TrimSpace(rule.From))
		if from == "" || strings.TrimSpace(rule.To) == "" {
			return fmt.Errorf("domain_replace.rules[%d] needs both from and to", i)
		}
		if strings.Contains(from, "/") {
			return fmt.Errorf("domain_replace.rules[%d].from must be an authority, got %q", i, rule.From)
		}
		if _, dup := seen[from]; dup {
			return fmt.Errorf("domain_replace.rules[%d] repeats %q", i, rule.From)
		}
		seen[from] = struct{}{}
	}
	return nil
}

func authority(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

func withAuthority(rawURL, host string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", false
	}
	u.Host = host
	return u.String(), true
}

// Replacer re-crawls every stored URL under a replaced authority and records
// the outcome in the R1 columns of the original row.
type Replacer struct {
	step   Executor
	store  rowstore.Store
	rules  ReplacementRules
	hasher Hasher
	logger *zap.Logger
}

// NewReplacer builds a Replacer. step should write artifacts to the R1 layout.
func NewReplacer(step Executor, store rowstore.Store, rules ReplacementRules, hasher Hasher, logger *zap.Logger) *Replacer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replacer{
		step:   step,
		store:  store,
		rules:  rules,
		hasher: hasher,
		logger: logger,
	}
}

// Run processes every row in table order. Rows without a matching rule are skipped.
func (r *Replacer) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := r.store.EnsureFields(ctx, ReplacementFields); err != nil {
		return stats, fmt.Errorf("add replacement columns: %w", err)
	}
	table, err := r.store.ReadAll(ctx)
	if err != nil {
		return stats, fmt.Errorf("read results: %w", err)
	}
	total := len(table.Records)
	r.logger.Info("Starting domain replacement crawl", zap.Int("rows", total), zap.Int("rules", len(r.rules)))

	for i, rec := range table.Records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		original := rec.URL()
		if original == "" {
			continue
		}
		replaced, rule, ok := r.rules.Apply(original)
		if !ok {
			stats.Skipped++
			r.logger.Info("No replacement rule matched; skipping", zap.String("url", original))
			continue
		}
		r.logger.Info("Replacement crawl",
			zap.Int("index", i+1), zap.Int("total", total),
			zap.String("url", original), zap.String("replaced_url", replaced))

		id := rec[FieldCaseID]
		if id == "" {
			id = caseID(r.hasher, original)
		}
		depth, _ := rowDepth(rec)
		originalHost := authority(original)
		bounced := false
		res, _ := r.step.Execute(ctx, Task{
			URL:     replaced,
			Depth:   depth,
			FromURL: original,
			CaseID:  id,
			FollowUp: func(finalURL string) (string, bool) {
				if authority(finalURL) != originalHost {
					return "", false
				}
				next, ok := withAuthority(finalURL, strings.TrimSpace(rule.To))
				bounced = ok
				return next, ok
			},
		})
		if bounced {
			stats.Bounced++
		}
		if err := r.store.Merge(ctx, original, res.ReplacementRecord(replaced)); err != nil {
			if errors.Is(err, rowstore.ErrRowNotFound) {
				r.logger.Warn("Row disappeared before replacement result was stored", zap.String("url", original))
				continue
			}
			return stats, fmt.Errorf("store replacement for %s: %w", original, err)
		}
		stats.add(res)
	}
	return stats, nil
}
