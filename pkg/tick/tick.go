// Package tick provides the periodic scheduler that drives the acquisition
// loop.
package tick

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrRunning  = errors.New("tick: already started")
	ErrInterval = errors.New("tick: interval must be > 0")
)

// Source calls fn periodically until stopped. Calls never overlap.
type Source interface {
	Start(interval time.Duration, fn func()) error
	Stop()
}

var (
	_ Source = (*Ticker)(nil)
	_ Source = (*Manual)(nil)
)

// Ticker runs fn from a single goroutine on a wall-clock ticker. A slow
// callback delays the next one; missed ticks are dropped, not queued.
type Ticker struct {
	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewTicker creates a stopped Ticker.
func NewTicker() *Ticker {
	return &Ticker{}
}

// Start begins calling fn every interval.
func (t *Ticker) Start(interval time.Duration, fn func()) error {
	if interval <= 0 {
		return ErrInterval
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stop != nil {
		return ErrRunning
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})

	go t.run(interval, fn, t.stop, t.done)
	return nil
}

// Stop stops the ticker and waits for an in-flight callback to return.
// It must not be called from inside the callback.
func (t *Ticker) Stop() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (t *Ticker) run(interval time.Duration, fn func(), stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Manual is a Source driven explicitly by Fire, for tests and hosts that
// own their event loop.
type Manual struct {
	mu       sync.Mutex
	fn       func()
	interval time.Duration
}

// Start records fn; it is called only by Fire.
func (m *Manual) Start(interval time.Duration, fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fn != nil {
		return ErrRunning
	}
	m.fn = fn
	m.interval = interval
	return nil
}

// Stop detaches the callback.
func (m *Manual) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = nil
}

// Interval returns the interval passed to Start.
func (m *Manual) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// Fire runs the callback n times synchronously. It is a no-op when stopped.
func (m *Manual) Fire(n int) {
	for i := 0; i < n; i++ {
		m.mu.Lock()
		fn := m.fn
		m.mu.Unlock()

		if fn == nil {
			return
		}
		fn()
	}
}
