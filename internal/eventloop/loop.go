// Package eventloop provides the single logical execution context that edit
// events, transport completions and retry timers are dispatched on.
package eventloop

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call from running. It reports whether it did.
	Stop() bool
}

// Executor runs functions one at a time, in submission order.
type Executor interface {
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) Timer
}

// Loop is an Executor backed by one goroutine. Post never blocks, so it is
// safe to call from inside a task.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
}

func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Run processes tasks until ctx is done. Tasks still queued at that point
// are dropped.
func (l *Loop) Run(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
	}()
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return
			}
			l.run(fn)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("event loop task panicked: %v", r)
		}
	}()
	fn()
}

// Start runs the loop on a new goroutine and returns a function that stops
// it and waits for the goroutine to exit.
func (l *Loop) Start() (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

var _ Executor = (*Loop)(nil)
