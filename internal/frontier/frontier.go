// Package frontier schedules URLs for breadth-first crawling.
//
// A State owns the visited set, the queued set and one FIFO queue per depth.
// A URL is enqueued at most once per State and fetched at most once.
package frontier

// Entry is a URL waiting to be crawled together with how it was found.
type Entry struct {
	URL        string
	FromURL    string
	AnchorHTML string
}

// State is the per-process crawl frontier. It is not safe for concurrent use.
type State struct {
	visited map[string]struct{}
	queued  map[string]struct{}
	queues  map[int][]Entry
}

// NewState returns a State whose visited set starts from visited.
func NewState(visited map[string]struct{}) *State {
	s := &State{
		visited: make(map[string]struct{}, len(visited)),
		queued:  make(map[string]struct{}),
		queues:  make(map[int][]Entry),
	}
	for u := range visited {
		s.visited[u] = struct{}{}
	}
	return s
}

// Enqueue appends e to the queue for depth unless its URL was already
// visited or queued. It reports whether the entry was added.
func (s *State) Enqueue(depth int, e Entry) bool {
	if e.URL == "" {
		return false
	}
	if _, ok := s.visited[e.URL]; ok {
		return false
	}
	if _, ok := s.queued[e.URL]; ok {
		return false
	}
	s.queued[e.URL] = struct{}{}
	s.queues[depth] = append(s.queues[depth], e)
	return true
}

// Next pops the oldest entry queued at depth.
func (s *State) Next(depth int) (Entry, bool) {
	q := s.queues[depth]
	if len(q) == 0 {
		return Entry{}, false
	}
	e := q[0]
	q[0] = Entry{}
	if len(q) == 1 {
		delete(s.queues, depth)
	} else {
		s.queues[depth] = q[1:]
	}
	return e, true
}

// MarkVisited records that url has been fetched.
func (s *State) MarkVisited(url string) {
	s.visited[url] = struct{}{}
}

// IsVisited reports whether url has been fetched.
func (s *State) IsVisited(url string) bool {
	_, ok := s.visited[url]
	return ok
}

// IsQueued reports whether url was ever enqueued on this State.
func (s *State) IsQueued(url string) bool {
	_, ok := s.queued[url]
	return ok
}

// Len returns the number of entries waiting at depth.
func (s *State) Len(depth int) int {
	return len(s.queues[depth])
}

// Pending returns the number of entries waiting across all depths.
func (s *State) Pending() int {
	total := 0
	for _, q := range s.queues {
		total += len(q)
	}
	return total
}

// VisitedCount returns the size of the visited set.
func (s *State) VisitedCount() int {
	return len(s.visited)
}
