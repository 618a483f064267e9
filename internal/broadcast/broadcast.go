// Package broadcast fans out "something changed on the backend" events.
//
// Publish never blocks. Subscribers whose buffer is full miss the event;
// every consumer treats an event as a request to refresh full state, so a
// dropped duplicate loses nothing.
package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/enhance-go/internal/models"
)

// Reason says why an event was published.
type Reason string

const (
	JobSubmitted      Reason = "job_submitted"
	JobCompleted      Reason = "job_completed"
	JobFailed         Reason = "job_failed"
	DownloadConfirmed Reason = "download_confirmed"
	CacheCleared      Reason = "cache_cleared"
	ModelsUnloaded    Reason = "models_unloaded"
	StreamStarted     Reason = "stream_started"
	StreamStopped     Reason = "stream_stopped"
	ManualRefresh     Reason = "manual_refresh"
)

// Event is one state-change notification.
type Event struct {
	Reason Reason
	Kind   models.Kind // empty for events not tied to a job slot
	JobID  string
	At     time.Time
}

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("broadcaster is closed")

// Stats is a point-in-time view of delivery counters.
type Stats struct {
	Published   uint64
	Sent        uint64
	Dropped     uint64
	Subscribers int
}

// Subscription receives events until Cancel is called or the broadcaster closes.
type Subscription struct {
	ID string
	C  <-chan Event

	b  *Broadcaster
	ch chan Event
}

// Cancel removes the subscription and closes its channel. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.b.remove(s.ID)
}

// Broadcaster delivers events to every subscriber. Safe for concurrent use.
// A nil *Broadcaster accepts Publish calls and discards them.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	closed bool

	published atomic.Uint64
	sent      atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{subs: make(map[string]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer (minimum 1).
func (b *Broadcaster) Subscribe(buffer int) (*Subscription, error) {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, buffer)
	id := uuid.New().String()
	b.subs[id] = ch
	return &Subscription{ID: id, C: ch, b: b, ch: ch}, nil
}

func (b *Broadcaster) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers ev to every subscriber without blocking.
// A zero At is set to the current time.
func (b *Broadcaster) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, ch := range b.subs {
		select {
		case ch <- ev:
			b.sent.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
}

// Notify is shorthand for publishing an event with only a reason and kind.
func (b *Broadcaster) Notify(reason Reason, kind models.Kind, jobID string) {
	b.Publish(Event{Reason: reason, Kind: kind, JobID: jobID})
}

// Stats returns delivery counters.
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()

	return Stats{
		Published:   b.published.Load(),
		Sent:        b.sent.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
