package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = `<!doctype html>
<html><head><title>
  Example Top
</title></head>
<body>
  <a href="/about#team">About</a>
  <a href="/about">About again</a>
  <a href="https://www.example.com/news?id=1">News</a>
  <a href="https://other.com/x">Elsewhere</a>
  <a href="mailto:info@example.com">Mail</a>
  <a href="tel:0000">Call</a>
  <a href="javascript:void(0)">JS</a>
  <a href="/files/report.PDF">Report</a>
  <a href="/logout">ログアウト</a>
  <a href="/search?q=x">Search</a>
  <a href="relative/page.html"><span>Nested</span></a>
</body></html>`

func newTestExtractor() *GoqueryExtractor {
	return New(Config{
		AllowedDomains:   []string{"example.com"},
		SkipURLPatterns:  []string{"/search"},
		SkipLinkKeywords: []string{"ログアウト"},
		SkipExtensions:   DefaultSkipExtensions,
	}, nil)
}

func TestExtractTitle(t *testing.T) {
	t.Parallel()

	e := newTestExtractor()
	assert.Equal(t, "Example Top", e.ExtractTitle(page))
	assert.Equal(t, "", e.ExtractTitle("<html><body>no title</body></html>"))
}

func TestExtractLinksFiltersAndDedupes(t *testing.T) {
	t.Parallel()

	links := newTestExtractor().ExtractLinks(page, "https://example.com/dir/index.html")
	urls := make([]string, 0, len(links))
	for _, l := range links {
		urls = append(urls, l.URL)
	}
	assert.Equal(t, []string{
		"https://example.com/about",
		"https://www.example.com/news?id=1",
		"https://example.com/dir/relative/page.html",
	}, urls)

	require.NotEmpty(t, links)
	assert.Equal(t, `<a href="/about#team">About</a>`, links[0].AnchorHTML, "first anchor wins")
	assert.Equal(t, `<a href="relative/page.html"><span>Nested</span></a>`, links[2].AnchorHTML)
}

func TestExtractLinksHonoursBaseTag(t *testing.T) {
	t.Parallel()

	html := `<html><head><base href="https://example.com/base/"></head>
<body><a href="child">Child</a></body></html>`
	links := newTestExtractor().ExtractLinks(html, "https://example.com/elsewhere/page")
	require.Len(t, links, 1)
	assert.Equal(t, "https://example.com/base/child", links[0].URL)
}

func TestExtractLinksWithoutAllowlistFollowsNothing(t *testing.T) {
	t.Parallel()

	e := New(Config{}, nil)
	links := e.ExtractLinks(`<a href="https://evil.example.net/">x</a><a href="https://google.com/">y</a>`, "https://example.com/")
	assert.Empty(t, links)
}

func TestExtractLinksSkipsNonHTTPSchemes(t *testing.T) {
	t.Parallel()

	e := New(Config{AllowedDomains: []string{"any.org", "files.org"}}, nil)
	links := e.ExtractLinks(`<a href="https://any.org/">x</a><a href="ftp://files.org/">y</a>`, "https://example.com/")
	require.Len(t, links, 1)
	assert.Equal(t, "https://any.org/", links[0].URL)
}
