// Package crawler defines core types shared across subsystems.
package crawler

import (
	"strconv"
	"strings"
	"time"

	"github.com/kent0ikegami/crawler-with-snapshot/internal/rowstore"
)

// StatusError is the status_code sentinel for rows whose navigation failed.
const StatusError = "ERROR"

// StatusHTTPFailure is recorded for navigations that failed on an HTTP
// response code but still produced a page.
const StatusHTTPFailure = "500"

// TimeLayout formats crawled_at cells.
const TimeLayout = "2006-01-02 15:04:05"

// Chain connectors. BounceSeparator joins the leg that bounced back to the
// original authority with the leg that followed the re-applied replacement.
const (
	RedirectSeparator = " → "
	BounceSeparator   = " ⇒ "
)

// Column names of the result table.
const (
	FieldURL           = "url"
	FieldRedirectChain = "redirect_chain"
	FieldFromURL       = "from_url"
	FieldCaseID        = "case_id"
	FieldDepth         = "depth"
	FieldTitle         = "title"
	FieldStatusCode    = "status_code"
	FieldContentLength = "content_length"
	FieldLinkCount     = "link_count"
	FieldCrawledAt     = "crawled_at"
	FieldErrorMessage  = "error_message"
	FieldAnchorHTML    = "anchor_html"
)

// Fields is the canonical column order of result.csv.
var Fields = []string{
	FieldURL,
	FieldRedirectChain,
	FieldFromURL,
	FieldCaseID,
	FieldDepth,
	FieldTitle,
	FieldStatusCode,
	FieldContentLength,
	FieldLinkCount,
	FieldCrawledAt,
	FieldErrorMessage,
	FieldAnchorHTML,
}

// ReplacementFields are the columns written by a domain replacement pass.
var ReplacementFields = []string{
	"url_r1",
	"redirect_chain_r1",
	"title_r1",
	"status_code_r1",
	"content_length_r1",
	"link_count_r1",
	"crawled_at_r1",
	"error_message_r1",
}

// Result is the outcome of crawling one URL.
type Result struct {
	URL           string
	RedirectChain string
	FromURL       string
	CaseID        string
	Depth         int
	Title         string
	StatusCode    string
	ContentLength int
	LinkCount     int
	CrawledAt     time.Time
	ErrorMessage  string
	AnchorHTML    string
}

// Failed reports whether the row carries the ERROR sentinel.
func (r Result) Failed() bool {
	return r.StatusCode == StatusError
}

// Record converts the result into a row keyed by URL.
func (r Result) Record() rowstore.Record {
	return rowstore.Record{
		FieldURL:           r.URL,
		FieldRedirectChain: r.RedirectChain,
		FieldFromURL:       r.FromURL,
		FieldCaseID:        r.CaseID,
		FieldDepth:         strconv.Itoa(r.Depth),
		FieldTitle:         r.Title,
		FieldStatusCode:    r.StatusCode,
		FieldContentLength: strconv.Itoa(r.ContentLength),
		FieldLinkCount:     strconv.Itoa(r.LinkCount),
		FieldCrawledAt:     formatTime(r.CrawledAt),
		FieldErrorMessage:  r.ErrorMessage,
		FieldAnchorHTML:    r.AnchorHTML,
	}
}

// ReplacementRecord converts the result into R1 cells. requested is the
// rewritten URL that was fetched.
func (r Result) ReplacementRecord(requested string) rowstore.Record {
	return rowstore.Record{
		"url_r1":            requested,
		"redirect_chain_r1": r.RedirectChain,
		"title_r1":          r.Title,
		"status_code_r1":    r.StatusCode,
		"content_length_r1": strconv.Itoa(r.ContentLength),
		"link_count_r1":     strconv.Itoa(r.LinkCount),
		"crawled_at_r1":     formatTime(r.CrawledAt),
		"error_message_r1":  r.ErrorMessage,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(TimeLayout)
}

// rowDepth parses the depth cell; ok is false when it is absent or malformed.
func rowDepth(rec rowstore.Record) (int, bool) {
	d, err := strconv.Atoi(strings.TrimSpace(rec[FieldDepth]))
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}

// LoadState names a page lifecycle milestone a Renderer can wait for.
type LoadState string

// Load states understood by renderers.
const (
	LoadStateDOMContentLoaded LoadState = "domcontentloaded"
	LoadStateNetworkIdle      LoadState = "networkidle"
)

// PageRequest is one hop of a navigation. RedirectedFrom points at the
// request that redirected to this one, forming a reverse linked list.
type PageRequest struct {
	URL            string
	RedirectedFrom *PageRequest
}

// Response describes the main document response of a navigation.
type Response struct {
	Status  int
	URL     string
	Request *PageRequest
}

// Chain returns the request URLs in chronological order.
func (r *Response) Chain() []string {
	if r == nil {
		return nil
	}
	var chain []string
	for req := r.Request; req != nil; req = req.RedirectedFrom {
		chain = append(chain, req.URL)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// FinalURL returns the URL the navigation ended on.
func (r *Response) FinalURL() string {
	if r == nil {
		return ""
	}
	if r.URL != "" {
		return r.URL
	}
	if r.Request != nil {
		return r.Request.URL
	}
	return ""
}

// joinChain renders a chain; a navigation without redirects renders empty.
func joinChain(chain []string) string {
	if len(chain) < 2 {
		return ""
	}
	return strings.Join(chain, RedirectSeparator)
}

// lastChainURL returns the final hop of a rendered chain, or "".
func lastChainURL(chain string) string {
	chain = strings.TrimSpace(chain)
	if chain == "" {
		return ""
	}
	if i := strings.LastIndex(chain, BounceSeparator); i >= 0 {
		chain = chain[i+len(BounceSeparator):]
	}
	parts := strings.Split(chain, RedirectSeparator)
	return strings.TrimSpace(parts[len(parts)-1])
}

// Link is an outbound URL together with the anchor markup that produced it.
type Link struct {
	URL        string
	AnchorHTML string
}

// Task asks the Step to crawl one URL.
type Task struct {
	URL        string
	Depth      int
	FromURL    string
	AnchorHTML string
	// CaseID overrides the identifier derived from URL.
	CaseID string
	// FollowUp, when set, receives the final URL of the navigation and may
	// return a second URL to navigate to.
	FollowUp func(finalURL string) (string, bool)
}

// Stats summarizes a driver, retry or replacement run.
type Stats struct {
	Processed int
	Failed    int
	Skipped   int
	Bounced   int
}

func (s *Stats) add(r Result) {
	s.Processed++
	if r.Failed() {
		s.Failed++
	}
}
