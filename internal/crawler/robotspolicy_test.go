package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRobotsEnforcer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger := zap.NewNop()

	allowAll := NewRobotsEnforcer(false, "test-agent", nil, logger)
	assert.True(t, allowAll.Allowed(ctx, "https://example.com/whatever"))

	var robotsHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits.Add(1)
			fmt.Fprintln(w, "User-agent: *\nDisallow: /blocked")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	enforcer := NewRobotsEnforcer(true, "test-agent", srv.Client(), logger)
	assert.True(t, enforcer.Allowed(ctx, srv.URL+"/allowed"))
	assert.False(t, enforcer.Allowed(ctx, srv.URL+"/blocked"))
	assert.False(t, enforcer.Allowed(ctx, srv.URL+"/blocked/deeper?q=1"))
	assert.Equal(t, int32(1), robotsHits.Load(), "robots.txt is cached per host")
}

func TestRobotsEnforcerAllowsWhenUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	enforcer := NewRobotsEnforcer(true, "test-agent", nil, zap.NewNop())
	assert.True(t, enforcer.Allowed(context.Background(), url+"/page"))
}
