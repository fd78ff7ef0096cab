package orchestrator

import (
	"context"
	"sync"
)

// lanes runs work for one key at a time, in the order callers arrived.
// Different keys run concurrently.
type lanes struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	tail chan struct{}
	refs int
}

func newLanes() *lanes {
	return &lanes{lanes: make(map[string]*lane)}
}

// run waits for earlier callers on key, then runs fn. If ctx ends first,
// fn is not run and the turn passes to the next caller once the earlier
// ones finish.
func (l *lanes) run(ctx context.Context, key string, fn func() error) error {
	l.mu.Lock()
	ln, ok := l.lanes[key]
	if !ok {
		ln = &lane{}
		l.lanes[key] = ln
	}
	prev := ln.tail
	done := make(chan struct{})
	ln.tail = done
	ln.refs++
	l.mu.Unlock()

	defer l.release(key, ln)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				close(done)
			}()
			return ctx.Err()
		}
	}
	defer close(done)
	return fn()
}

func (l *lanes) release(key string, ln *lane) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln.refs--
	if ln.refs == 0 {
		delete(l.lanes, key)
	}
}

// active returns the number of keys with queued or running work.
func (l *lanes) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}
