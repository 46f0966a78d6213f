package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/kent0ikegami/crawler-with-snapshot/internal/artifacts"
	"github.com/kent0ikegami/crawler-with-snapshot/internal/hash/md5"
)

// fakePage scripts what the renderer returns for one requested URL.
type fakePage struct {
	status int
	html   string
	// redirects are the hops after the requested URL, the last being final.
	redirects     []string
	navErr        error
	contentErr    error
	screenshotErr error
}

// fakeRenderer serves scripted pages and records every navigation.
type fakeRenderer struct {
	mu        sync.Mutex
	pages     map[string]fakePage
	current   fakePage
	navigated []string
	waits     []LoadState
	idleErr   error
	textErr   error
}

func newFakeRenderer(pages map[string]fakePage) *fakeRenderer {
	return &fakeRenderer{pages: pages}
}

func (r *fakeRenderer) Navigate(_ context.Context, url string, _ time.Duration) (*Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.navigated = append(r.navigated, url)
	page, ok := r.pages[url]
	if !ok {
		r.current = fakePage{}
		return nil, fmt.Errorf("net::ERR_NAME_NOT_RESOLVED at %s", url)
	}
	r.current = page
	if page.navErr != nil && page.status == 0 {
		return nil, page.navErr
	}
	req := &PageRequest{URL: url}
	final := url
	for _, hop := range page.redirects {
		req = &PageRequest{URL: hop, RedirectedFrom: req}
		final = hop
	}
	return &Response{Status: page.status, URL: final, Request: req}, page.navErr
}

func (r *fakeRenderer) WaitForLoadState(_ context.Context, state LoadState, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, state)
	if state == LoadStateNetworkIdle {
		return r.idleErr
	}
	return nil
}

func (r *fakeRenderer) WaitForTextToDisappear(context.Context, string, time.Duration) error {
	return r.textErr
}

func (r *fakeRenderer) Content(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.html, r.current.contentErr
}

func (r *fakeRenderer) Screenshot(context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current.screenshotErr != nil {
		return nil, r.current.screenshotErr
	}
	return []byte("png:" + r.current.html), nil
}

func (r *fakeRenderer) Navigated() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.navigated...)
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2024, 5, 1, 9, 30, 0, 0, time.Local)

// mockObserver records metrics calls.
type mockObserver struct{ mock.Mock }

func (m *mockObserver) ObservePage(status string, elapsed time.Duration) { m.Called(status, elapsed) }
func (m *mockObserver) ObserveEnrichmentFailure(stage string)            { m.Called(stage) }
func (m *mockObserver) ObserveBounce()                                   { m.Called() }

var (
	titlePattern = regexp.MustCompile(`<title>(.*?)</title>`)
	hrefPattern  = regexp.MustCompile(`<a href="([^"]*)">[^<]*</a>`)
)

// fakeExtractor resolves every href against base and keeps hosts ending in
// one of allowed (all hosts when allowed is empty).
type fakeExtractor struct {
	allowed []string
	bases   []string
}

func newTestExtractor(allowed ...string) *fakeExtractor {
	return &fakeExtractor{allowed: allowed}
}

func (e *fakeExtractor) ExtractTitle(html string) string {
	if m := titlePattern.FindStringSubmatch(html); m != nil {
		return m[1]
	}
	return ""
}

func (e *fakeExtractor) ExtractLinks(html string, baseURL string) []Link {
	e.bases = append(e.bases, baseURL)
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}
	seen := map[string]bool{}
	var links []Link
	for _, m := range hrefPattern.FindAllStringSubmatch(html, -1) {
		ref, err := url.Parse(m[1])
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref).String()
		if seen[abs] || !e.allows(abs) {
			continue
		}
		seen[abs] = true
		links = append(links, Link{URL: abs, AnchorHTML: m[0]})
	}
	return links
}

func (e *fakeExtractor) allows(raw string) bool {
	if len(e.allowed) == 0 {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	for _, d := range e.allowed {
		if strings.HasSuffix(u.Hostname(), d) {
			return true
		}
	}
	return false
}

func newTestStep(r Renderer, store ArtifactStore, allowed ...string) *Step {
	step := NewStep(DefaultStepConfig(), r, newTestExtractor(allowed...), store,
		md5.New(), fixedClock{t: testNow}, nil, nil)
	step.sleep = func(context.Context, time.Duration) error { return nil }
	return step
}

func newMemoryArtifacts() *artifacts.MemoryStore {
	return artifacts.NewMemory()
}

var errTimeout = errors.New("navigation timeout of 30000 ms exceeded")

func pageHTML(title string, hrefs ...string) string {
	body := ""
	for _, h := range hrefs {
		body += fmt.Sprintf(`<a href="%s">%s</a>`, h, h)
	}
	return fmt.Sprintf("<html><head><title>%s</title></head><body>%s</body></html>", title, body)
}
