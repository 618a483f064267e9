package broadcast

import "sync"

// Latest fans out the most recent value of T. Each subscriber channel holds
// at most one value; publishing replaces an unread one, so a slow reader
// always sees the newest state and never a backlog.
//
// The zero value is ready to use.
type Latest[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	next   int
	closed bool
}

// Subscribe returns a channel primed with initial, and a cancel func.
// After Close the returned channel is already closed.
func (l *Latest[T]) Subscribe(initial T) (<-chan T, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan T, 1)
	if l.closed {
		close(ch)
		return ch, func() {}
	}
	if l.subs == nil {
		l.subs = make(map[int]chan T)
	}

	id := l.next
	l.next++
	l.subs[id] = ch
	ch <- initial

	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if c, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(c)
		}
	}
}

// Publish replaces the pending value of every subscriber.
func (l *Latest[T]) Publish(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ch := range l.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// Len returns the number of active subscribers.
func (l *Latest[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Close closes every subscriber channel. Later Subscribe calls get a closed channel.
func (l *Latest[T]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
}
