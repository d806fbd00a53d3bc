// Package system is the wall clock used outside tests.
package system

import "time"

// Clock reads the host clock and reports UTC.
type Clock struct{}

// New returns a Clock.
func New() *Clock { return &Clock{} }

// Now is time.Now in UTC.
func (Clock) Now() time.Time { return time.Now().UTC() }

// Since reports the time elapsed since t.
func (c Clock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }
