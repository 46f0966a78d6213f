// Package extractor pulls titles and crawlable links out of rendered HTML.
package extractor

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/kent0ikegami/crawler-with-snapshot/internal/crawler"
)

// DefaultSkipExtensions lists path suffixes that never lead to HTML pages.
var DefaultSkipExtensions = []string{
	".pdf", ".jpg", ".png", ".zip", ".exe", ".csv", ".tsv",
	".xls", ".xlsx", ".doc", ".docx", ".ppt", ".pptx", ".txt",
	".mp4", ".avi", ".mov", ".mp3", ".wav",
}

var skippedSchemes = map[string]struct{}{
	"mailto":     {},
	"tel":        {},
	"javascript": {},
}

// Config controls which links survive extraction.
type Config struct {
	// AllowedDomains admits a host equal to an entry or below it. Empty admits no host.
	AllowedDomains []string
	// SkipURLPatterns drops URLs containing any entry.
	SkipURLPatterns []string
	// SkipLinkKeywords drops anchors whose text contains any entry.
	SkipLinkKeywords []string
	// SkipExtensions drops URLs whose path ends with any entry.
	SkipExtensions []string
}

// GoqueryExtractor implements crawler.Extractor with goquery.
type GoqueryExtractor struct {
	allow      *domainAllowlist
	patterns   []string
	keywords   []string
	extensions []string
	logger     *zap.Logger
}

var _ crawler.Extractor = (*GoqueryExtractor)(nil)

// New builds an extractor from cfg.
func New(cfg Config, logger *zap.Logger) *GoqueryExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	exts := make([]string, 0, len(cfg.SkipExtensions))
	for _, ext := range cfg.SkipExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	return &GoqueryExtractor{
		allow:      newDomainAllowlist(cfg.AllowedDomains),
		patterns:   nonEmpty(cfg.SkipURLPatterns),
		keywords:   nonEmpty(cfg.SkipLinkKeywords),
		extensions: exts,
		logger:     logger,
	}
}

// ExtractTitle implements crawler.Extractor.
func (e *GoqueryExtractor) ExtractTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// ExtractLinks implements crawler.Extractor.
func (e *GoqueryExtractor) ExtractLinks(html string, baseURL string) []crawler.Link {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		e.logger.Debug("Unparseable HTML; no links extracted", zap.String("base", baseURL), zap.Error(err))
		return nil
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(ref)
		}
	}

	seen := make(map[string]struct{})
	var links []crawler.Link
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		target, ok := e.resolve(base, href, a.Text())
		if !ok {
			return
		}
		if _, dup := seen[target]; dup {
			return
		}
		seen[target] = struct{}{}
		markup, err := goquery.OuterHtml(a)
		if err != nil {
			markup = ""
		}
		links = append(links, crawler.Link{URL: target, AnchorHTML: markup})
	})
	return links
}

// resolve applies the filters to one anchor and returns its absolute URL.
func (e *GoqueryExtractor) resolve(base *url.URL, href, text string) (string, bool) {
	text = strings.TrimSpace(text)
	for _, k := range e.keywords {
		if strings.Contains(text, k) {
			return "", false
		}
	}

	href = strings.TrimSpace(href)
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if _, skip := skippedSchemes[strings.ToLower(ref.Scheme)]; skip {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	abs.RawFragment = ""
	target := strings.TrimSpace(abs.String())

	for _, p := range e.patterns {
		if strings.Contains(target, p) {
			return "", false
		}
	}
	if !e.allow.Allows(abs.Hostname()) {
		return "", false
	}
	lowerPath := strings.ToLower(abs.Path)
	for _, ext := range e.extensions {
		if strings.HasSuffix(lowerPath, ext) {
			return "", false
		}
	}
	return target, true
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
