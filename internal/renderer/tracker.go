package renderer

import (
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/kent0ikegami/crawler-with-snapshot/internal/crawler"
)

// tracker follows network events of the tab. It records the redirect chain
// and response of the main document request and counts in-flight requests
// for network idle detection.
type tracker struct {
	mu         sync.Mutex
	rootID     network.RequestID
	request    *crawler.PageRequest
	status     int
	finalURL   string
	inflight   map[network.RequestID]struct{}
	lastChange time.Time
	now        func() time.Time
}

func newTracker(now func() time.Time) *tracker {
	if now == nil {
		now = time.Now
	}
	return &tracker{
		inflight:   make(map[network.RequestID]struct{}),
		lastChange: now(),
		now:        now,
	}
}

// reset forgets the previous navigation. In-flight requests are kept since
// they still keep the network busy.
func (t *tracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rootID = ""
	t.request = nil
	t.status = 0
	t.finalURL = ""
	t.lastChange = t.now()
}

func (t *tracker) handle(ev any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.inflight[e.RequestID] = struct{}{}
		t.lastChange = t.now()
		if e.Type != network.ResourceTypeDocument || e.Request == nil {
			return
		}
		u := e.Request.URL + e.Request.URLFragment
		switch {
		case t.rootID == "":
			t.rootID = e.RequestID
			t.request = &crawler.PageRequest{URL: u}
		case e.RequestID == t.rootID && e.RedirectResponse != nil:
			t.request = &crawler.PageRequest{URL: u, RedirectedFrom: t.request}
		}
	case *network.EventResponseReceived:
		if e.RequestID == t.rootID && e.Response != nil {
			t.status = int(e.Response.Status)
			t.finalURL = e.Response.URL
		}
	case *network.EventLoadingFinished:
		t.done(e.RequestID)
	case *network.EventLoadingFailed:
		t.done(e.RequestID)
	}
}

func (t *tracker) done(id network.RequestID) {
	if _, ok := t.inflight[id]; !ok {
		return
	}
	delete(t.inflight, id)
	t.lastChange = t.now()
}

// response returns what the current navigation produced, or nil when no
// document response was seen.
func (t *tracker) response() *crawler.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.request == nil || t.status == 0 {
		return nil
	}
	final := t.finalURL
	if final == "" {
		final = t.request.URL
	}
	return &crawler.Response{Status: t.status, URL: final, Request: t.request}
}

// idle reports whether no request has been in flight for at least quiet.
func (t *tracker) idle(quiet time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight) == 0 && t.now().Sub(t.lastChange) >= quiet
}
