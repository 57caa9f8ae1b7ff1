package scoring

import (
	"sync"
	"time"
)

// Content is the video the user watches during an attempt. Done closes when playback ends.
type Content interface {
	Start()
	Stop()
	Done() <-chan struct{}
	Elapsed() time.Duration
	// Progress is the watched fraction, 0..1.
	Progress() float64
}

// ContentClock stands in for a player: it completes once Duration has elapsed since Start.
type ContentClock struct {
	duration time.Duration
	now      func() time.Time

	mu      sync.Mutex
	started time.Time
	stopped time.Time
	timer   *time.Timer
	done    chan struct{}
	once    sync.Once
}

// NewContentClock returns a clock for content of length d.
func NewContentClock(d time.Duration) *ContentClock {
	return &ContentClock{duration: d, now: time.Now, done: make(chan struct{})}
}

// Duration returns the content length.
func (c *ContentClock) Duration() time.Duration { return c.duration }

// Start begins playback. Calling it again has no effect.
func (c *ContentClock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started.IsZero() {
		return
	}
	c.started = c.now()
	c.timer = time.AfterFunc(c.duration, c.finish)
}

// Stop halts playback without completing it. Elapsed freezes.
func (c *ContentClock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	if !c.started.IsZero() && c.stopped.IsZero() {
		c.stopped = c.now()
	}
}

// Done closes when the content has played to the end.
func (c *ContentClock) Done() <-chan struct{} { return c.done }

// Elapsed is the playback position.
func (c *ContentClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started.IsZero() {
		return 0
	}
	end := c.now()
	if !c.stopped.IsZero() {
		end = c.stopped
	}
	return min(end.Sub(c.started), c.duration)
}

// Progress is Elapsed as a fraction of Duration.
func (c *ContentClock) Progress() float64 {
	if c.duration <= 0 {
		return 1
	}
	return float64(c.Elapsed()) / float64(c.duration)
}

func (c *ContentClock) finish() {
	c.once.Do(func() { close(c.done) })
}
