// Package inflight counts outstanding work so shutdown and session close can
// wait for it.
package inflight

import (
	"context"
	"sync"
)

// Counter tracks in-flight work. The zero value is ready to use.
type Counter struct {
	mu     sync.Mutex
	count  int64
	zeroCh chan struct{}
}

func (c *Counter) ensure() {
	if c.zeroCh == nil {
		c.zeroCh = make(chan struct{})
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
}

// Inc increments the counter.
func (c *Counter) Inc() {
	c.mu.Lock()
	c.ensure()
	if c.count == 0 {
		c.zeroCh = make(chan struct{})
	}
	c.count++
	c.mu.Unlock()
}

// Dec decrements the counter.
func (c *Counter) Dec() {
	c.mu.Lock()
	c.ensure()
	if c.count > 0 {
		c.count--
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
	c.mu.Unlock()
}

// Load returns the current count.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Zero returns a channel closed once the count is zero.
func (c *Counter) Zero() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensure()
	return c.zeroCh
}

// WaitForZero blocks until the count is zero or ctx is done.
func (c *Counter) WaitForZero(ctx context.Context) bool {
	select {
	case <-c.Zero():
		return true
	case <-ctx.Done():
		return false
	}
}
