package frontier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateFIFOWithinDepth(t *testing.T) {
	t.Parallel()

	s := NewState(nil)
	require.True(t, s.Enqueue(1, Entry{URL: "https://a.com/1"}))
	require.True(t, s.Enqueue(1, Entry{URL: "https://a.com/2"}))
	require.True(t, s.Enqueue(2, Entry{URL: "https://a.com/3"}))
	assert.Equal(t, 2, s.Len(1))
	assert.Equal(t, 3, s.Pending())

	e, ok := s.Next(1)
	require.True(t, ok)
	assert.Equal(t, "https://a.com/1", e.URL)
	e, ok = s.Next(1)
	require.True(t, ok)
	assert.Equal(t, "https://a.com/2", e.URL)
	_, ok = s.Next(1)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Pending())
}

func TestStateEnqueueSkipsVisitedAndQueued(t *testing.T) {
	t.Parallel()

	s := NewState(map[string]struct{}{"https://a.com/seen": {}})
	assert.False(t, s.Enqueue(0, Entry{URL: "https://a.com/seen"}))
	assert.False(t, s.Enqueue(0, Entry{URL: ""}))
	assert.True(t, s.Enqueue(0, Entry{URL: "https://a.com/new", FromURL: "https://a.com/"}))
	assert.False(t, s.Enqueue(1, Entry{URL: "https://a.com/new"}), "queued at another depth")

	e, ok := s.Next(0)
	require.True(t, ok)
	assert.Equal(t, "https://a.com/", e.FromURL)
	assert.True(t, s.IsQueued("https://a.com/new"), "dequeue keeps the queued mark")
	assert.False(t, s.Enqueue(2, Entry{URL: "https://a.com/new"}))
}

func TestStateMarkVisited(t *testing.T) {
	t.Parallel()

	s := NewState(nil)
	assert.False(t, s.IsVisited("https://a.com/"))
	s.MarkVisited("https://a.com/")
	assert.True(t, s.IsVisited("https://a.com/"))
	assert.Equal(t, 1, s.VisitedCount())
	assert.False(t, s.Enqueue(0, Entry{URL: "https://a.com/"}))
}

func TestNewStateCopiesVisited(t *testing.T) {
	t.Parallel()

	visited := map[string]struct{}{"https://a.com/": {}}
	s := NewState(visited)
	s.MarkVisited("https://a.com/other")
	assert.Len(t, visited, 1)
}
