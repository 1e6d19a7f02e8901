// Package system provides the wall clock behind crawler.Clock.
package system

import "time"

// Clock reads the wall clock in UTC. Readings drop the monotonic component,
// so callers measuring short intervals should prefer time.Since.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
