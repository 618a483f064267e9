package jobs

import (
	"context"
	"sync"
)

// Handle owns one background loop. Stop is idempotent and does not wait;
// Wait blocks until the loop goroutine has returned.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// startLoop runs fn in a goroutine with a context derived from parent.
func startLoop(parent context.Context, fn func(ctx context.Context)) *Handle {
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer cancel()
		fn(ctx)
	}()
	return h
}

// Stop cancels the loop. Safe on a nil handle.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.once.Do(h.cancel)
}

// Wait blocks until the loop has exited. Safe on a nil handle.
func (h *Handle) Wait() {
	if h == nil {
		return
	}
	<-h.done
}
