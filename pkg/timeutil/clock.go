package timeutil

import (
	"sync"
	"time"
)

// Clock supplies the current instant and the current calendar date.
type Clock interface {
	Now() time.Time
	Today() Date
}

// SystemClock reads the wall clock and resolves dates in Location.
type SystemClock struct {
	Location *time.Location
}

// NewSystemClock returns a clock for the named IANA zone, falling back to UTC
// when the name is empty or unknown.
func NewSystemClock(zone string) SystemClock {
	if zone == "" {
		return SystemClock{Location: time.UTC}
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return SystemClock{Location: time.UTC}
	}
	return SystemClock{Location: loc}
}

// Now implements Clock.
func (c SystemClock) Now() time.Time {
	return time.Now().In(c.location())
}

// Today implements Clock.
func (c SystemClock) Today() Date {
	return DateOf(time.Now(), c.location())
}

func (c SystemClock) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// ManualClock is a Clock that only moves when told to. Safe for concurrent use.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a ManualClock frozen at now.
func NewManualClock(now time.Time) *ManualClock {
	return &ManualClock{now: now}
}

// Now implements Clock.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Today implements Clock using the location of the stored instant.
func (c *ManualClock) Today() Date {
	c.mu.Lock()
	defer c.mu.Unlock()
	return DateOf(c.now, c.now.Location())
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
