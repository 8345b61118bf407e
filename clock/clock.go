package clock

import (
	"sync"
	"time"
)

var (
	// Time is the wall clock.
	Time Clock = &timeClock{}
)

// Clock provides the current time. Dispatchers use it to stamp commands
// and events that arrive without one.
type Clock interface {
	Now() time.Time
}

type timeClock struct{}

func (*timeClock) Now() time.Time {
	return time.Now()
}

// Fixed is a clock that returns the same instant until it is advanced.
type Fixed struct {
	mu sync.Mutex
	t  time.Time
}

func (c *Fixed) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Add moves the clock forward by d.
func (c *Fixed) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func NewFixed(t time.Time) *Fixed {
	return &Fixed{t: t}
}
