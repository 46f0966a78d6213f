// Package system provides a real clock implementation.
package system

import "time"

// Clock implements crawler.Clock using the local wall clock, which is what
// crawled_at cells are written in.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current local time truncated to whole seconds.
func (Clock) Now() time.Time {
	return time.Now().Truncate(time.Second)
}
