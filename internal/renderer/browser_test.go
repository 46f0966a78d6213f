package renderer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kent0ikegami/crawler-with-snapshot/internal/crawler"
)

func newTestBrowser(t *testing.T) *Browser {
	t.Helper()
	b, err := New(Config{Headless: true, UserAgent: "TestAgent", IgnoreHTTPSErrors: true, Locale: "ja-JP"}, zap.NewNop())
	if err != nil {
		t.Skipf("chromedp unavailable: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func TestBrowserNavigateFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<!doctype html><html><head><title>Final</title></head><body>
<div id="status">Loading...</div>
<script>setTimeout(function(){document.getElementById("status").textContent = "ready";}, 200);</script>
</body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := newTestBrowser(t)
	ctx := context.Background()

	resp, err := b.Navigate(ctx, srv.URL+"/start", 10*time.Second)
	if err != nil {
		t.Skipf("navigation failed: %v", err)
	}
	if resp == nil || resp.Status != http.StatusOK {
		t.Fatalf("unexpected response %+v", resp)
	}
	chain := resp.Chain()
	if len(chain) != 2 || !strings.HasSuffix(chain[0], "/start") || !strings.HasSuffix(chain[1], "/final") {
		t.Fatalf("unexpected chain %v", chain)
	}

	if err := b.WaitForLoadState(ctx, crawler.LoadStateDOMContentLoaded, 5*time.Second); err != nil {
		t.Fatalf("dom content loaded: %v", err)
	}
	if err := b.WaitForTextToDisappear(ctx, "Loading...", 5*time.Second); err != nil {
		t.Fatalf("text wait: %v", err)
	}
	html, err := b.Content(ctx)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if !strings.Contains(html, "ready") {
		t.Fatal("content missing updated text")
	}
	png, err := b.Screenshot(ctx)
	if err != nil {
		t.Fatalf("screenshot: %v", err)
	}
	if len(png) == 0 {
		t.Fatal("empty screenshot")
	}
}

func TestBrowserNavigateReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer srv.Close()

	b := newTestBrowser(t)
	resp, err := b.Navigate(context.Background(), srv.URL, 10*time.Second)
	if err != nil {
		t.Skipf("navigation failed: %v", err)
	}
	if resp == nil || resp.Status != http.StatusNotFound {
		t.Fatalf("expected 404 response, got %+v", resp)
	}
}

func TestBrowserCallsAfterClose(t *testing.T) {
	b := newTestBrowser(t)
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := b.Content(context.Background()); err == nil {
		t.Fatal("expected error after close")
	}
}
