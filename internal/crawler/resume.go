package crawler

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/kent0ikegami/crawler-with-snapshot/internal/frontier"
	"github.com/kent0ikegami/crawler-with-snapshot/internal/rowstore"
)

// Resumer rebuilds crawl state from a previous run without refetching pages.
type Resumer struct {
	store     rowstore.Store
	artifacts ArtifactStore
	extractor Extractor
	hasher    Hasher
	logger    *zap.Logger
}

// NewResumer builds a Resumer over a previous run's store and artifacts.
func NewResumer(store rowstore.Store, artifacts ArtifactStore, extractor Extractor, hasher Hasher, logger *zap.Logger) *Resumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resumer{
		store:     store,
		artifacts: artifacts,
		extractor: extractor,
		hasher:    hasher,
		logger:    logger,
	}
}

// RestoreState returns every URL in the store and the deepest depth seen.
// A missing or unreadable store yields an empty set and -1. An unreadable
// store is set aside when it supports it, so the run writes a fresh table.
func (r *Resumer) RestoreState(ctx context.Context) (map[string]struct{}, int) {
	visited := make(map[string]struct{})
	table, err := r.store.ReadAll(ctx)
	if err != nil {
		if !errors.Is(err, rowstore.ErrNotFound) {
			r.setAside(ctx, err)
		}
		return visited, -1
	}

	maxDepth := -1
	for _, rec := range table.Records {
		u := rec.URL()
		if u == "" {
			continue
		}
		visited[u] = struct{}{}
		if d, ok := rowDepth(rec); ok && d > maxDepth {
			maxDepth = d
		}
	}
	return visited, maxDepth
}

func (r *Resumer) setAside(ctx context.Context, readErr error) {
	resetter, ok := r.store.(rowstore.Resetter)
	if !ok {
		r.logger.Error("Previous results unreadable and cannot be set aside; rows cannot be written until the table is repaired",
			zap.Error(readErr))
		return
	}
	moved, err := resetter.Reset(ctx)
	if err != nil {
		r.logger.Error("Previous results unreadable and could not be set aside; rows cannot be written until the table is repaired",
			zap.Error(readErr), zap.NamedError("reset_error", err))
		return
	}
	r.logger.Warn("Previous results unreadable; set aside, starting without prior state",
		zap.String("moved_to", moved), zap.Error(readErr))
}

// SeedHosts returns the lower-cased hosts of the depth 0 rows of a stored
// run, in row order. It returns nil when the store cannot be read.
func SeedHosts(ctx context.Context, store rowstore.Store) []string {
	table, err := store.ReadAll(ctx)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var hosts []string
	for _, rec := range table.Records {
		if d, ok := rowDepth(rec); !ok || d != 0 {
			continue
		}
		u, err := url.Parse(rec.URL())
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

// BuildFrontier re-extracts links from the saved HTML of every row at
// resumeDepth-1 and returns the entries not yet visited, in row order.
func (r *Resumer) BuildFrontier(ctx context.Context, resumeDepth int, visited map[string]struct{}) []frontier.Entry {
	if resumeDepth <= 0 {
		return nil
	}
	table, err := r.store.ReadAll(ctx)
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var entries []frontier.Entry
	for _, rec := range table.Records {
		if d, ok := rowDepth(rec); !ok || d != resumeDepth-1 {
			continue
		}
		pageURL := rec.URL()
		id := rec[FieldCaseID]
		if id == "" {
			id = caseID(r.hasher, pageURL)
		}
		html, err := r.artifacts.LoadHTML(ctx, id)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				r.logger.Warn("Loading saved HTML failed", zap.String("url", pageURL), zap.Error(err))
			}
			continue
		}

		base := lastChainURL(rec[FieldRedirectChain])
		if base == "" {
			base = pageURL
		}
		for _, link := range r.extractor.ExtractLinks(string(html), base) {
			if _, ok := visited[link.URL]; ok {
				continue
			}
			if _, ok := seen[link.URL]; ok {
				continue
			}
			seen[link.URL] = struct{}{}
			entries = append(entries, frontier.Entry{
				URL:        link.URL,
				FromURL:    pageURL,
				AnchorHTML: link.AnchorHTML,
			})
		}
	}
	return entries
}

// Prepare restores state and queues the frontier for resumeDepth. Resuming
// at depth 0 queues the seeds instead.
func (r *Resumer) Prepare(ctx context.Context, resumeDepth int, seeds []string) *frontier.State {
	visited, maxSeen := r.RestoreState(ctx)
	state := frontier.NewState(visited)
	if resumeDepth > maxSeen+1 {
		r.logger.Warn("Resume depth is past the deepest recorded depth",
			zap.Int("resume_depth", resumeDepth), zap.Int("max_depth_seen", maxSeen))
	}

	queued := 0
	if resumeDepth == 0 {
		queued = Seed(state, seeds)
	} else {
		for _, e := range r.BuildFrontier(ctx, resumeDepth, visited) {
			if state.Enqueue(resumeDepth, e) {
				queued++
			}
		}
	}
	r.logger.Info("Restored crawl state",
		zap.Int("visited", len(visited)),
		zap.Int("max_depth_seen", maxSeen),
		zap.Int("resume_depth", resumeDepth),
		zap.Int("queued", queued),
	)
	return state
}
