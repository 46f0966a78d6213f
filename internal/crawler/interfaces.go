package crawler

import (
	"context"
	"time"
)

// Renderer drives a single browser page.
type Renderer interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) (*Response, error)
	WaitForLoadState(ctx context.Context, state LoadState, timeout time.Duration) error
	WaitForTextToDisappear(ctx context.Context, text string, timeout time.Duration) error
	Content(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// Extractor pulls the title and filtered outbound links out of HTML.
type Extractor interface {
	ExtractTitle(html string) string
	// ExtractLinks returns absolute URLs in document order, one per URL.
	ExtractLinks(html string, baseURL string) []Link
}

// ArtifactStore persists page artifacts by case ID. LoadHTML wraps
// fs.ErrNotExist when nothing was saved for the case.
type ArtifactStore interface {
	SaveHTML(ctx context.Context, caseID string, html []byte) error
	SaveScreenshot(ctx context.Context, caseID string, png []byte) error
	LoadHTML(ctx context.Context, caseID string) ([]byte, error)
}

// Executor crawls one URL. Per-URL failures are reported in the Result.
type Executor interface {
	Execute(ctx context.Context, task Task) (Result, []Link)
}

// RobotsPolicy determines whether a URL may be fetched.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Hasher computes digests for case IDs.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Observer receives crawl outcomes for metrics.
type Observer interface {
	ObservePage(status string, elapsed time.Duration)
	ObserveEnrichmentFailure(stage string)
	ObserveBounce()
}

type nopObserver struct{}

func (nopObserver) ObservePage(string, time.Duration) {}
func (nopObserver) ObserveEnrichmentFailure(string)   {}
func (nopObserver) ObserveBounce()                    {}
