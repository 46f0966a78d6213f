package renderer

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time { return c.t }

func documentRequest(id, url string, redirect *network.Response) *network.EventRequestWillBeSent {
	return &network.EventRequestWillBeSent{
		RequestID:        network.RequestID(id),
		Request:          &network.Request{URL: url},
		Type:             network.ResourceTypeDocument,
		RedirectResponse: redirect,
	}
}

func TestTrackerBuildsRedirectChain(t *testing.T) {
	t.Parallel()

	tr := newTracker(nil)
	tr.handle(documentRequest("1", "http://a.com/", nil))
	tr.handle(documentRequest("1", "https://a.com/", &network.Response{Status: 301}))
	tr.handle(documentRequest("1", "https://a.com/home", &network.Response{Status: 302}))
	tr.handle(documentRequest("2", "https://ads.example/frame", nil))
	tr.handle(&network.EventResponseReceived{
		RequestID: "1",
		Type:      network.ResourceTypeDocument,
		Response:  &network.Response{URL: "https://a.com/home", Status: 200},
	})

	resp := tr.response()
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "https://a.com/home", resp.FinalURL())
	assert.Equal(t, []string{"http://a.com/", "https://a.com/", "https://a.com/home"}, resp.Chain())
}

func TestTrackerWithoutDocumentResponse(t *testing.T) {
	t.Parallel()

	tr := newTracker(nil)
	assert.Nil(t, tr.response())

	tr.handle(documentRequest("1", "https://a.com/", nil))
	assert.Nil(t, tr.response(), "a request without a response is not a response")
}

func TestTrackerResetStartsNewNavigation(t *testing.T) {
	t.Parallel()

	tr := newTracker(nil)
	tr.handle(documentRequest("1", "https://a.com/", nil))
	tr.handle(&network.EventResponseReceived{RequestID: "1", Response: &network.Response{URL: "https://a.com/", Status: 200}})
	tr.reset()
	tr.handle(documentRequest("9", "https://a.com/next", nil))
	tr.handle(&network.EventResponseReceived{RequestID: "9", Response: &network.Response{URL: "https://a.com/next", Status: 404}})

	resp := tr.response()
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.Status)
	assert.Equal(t, []string{"https://a.com/next"}, resp.Chain())
}

func TestTrackerIdle(t *testing.T) {
	t.Parallel()

	clock := &manualClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := newTracker(clock.now)

	tr.handle(&network.EventRequestWillBeSent{RequestID: "a", Request: &network.Request{URL: "https://a.com/app.js"}, Type: network.ResourceTypeScript})
	clock.t = clock.t.Add(time.Second)
	assert.False(t, tr.idle(networkQuietPeriod), "a request is still in flight")

	tr.handle(&network.EventLoadingFinished{RequestID: "a"})
	assert.False(t, tr.idle(networkQuietPeriod), "the quiet period has not elapsed")

	clock.t = clock.t.Add(networkQuietPeriod)
	assert.True(t, tr.idle(networkQuietPeriod))

	tr.handle(&network.EventRequestWillBeSent{RequestID: "b", Request: &network.Request{URL: "https://a.com/api"}, Type: network.ResourceTypeXHR})
	tr.handle(&network.EventLoadingFailed{RequestID: "b"})
	assert.False(t, tr.idle(networkQuietPeriod))
	clock.t = clock.t.Add(time.Second)
	assert.True(t, tr.idle(networkQuietPeriod))
}
