package broadcast_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/enhance-go/internal/broadcast"
	"github.com/raphaelgruber/enhance-go/internal/models"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := broadcast.New()
	defer b.Close()

	s1, err := b.Subscribe(4)
	require.NoError(t, err)
	s2, err := b.Subscribe(4)
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID, s2.ID)

	b.Notify(broadcast.JobCompleted, models.KindImage, "task-1")

	for _, s := range []*broadcast.Subscription{s1, s2} {
		ev := <-s.C
		assert.Equal(t, broadcast.JobCompleted, ev.Reason)
		assert.Equal(t, models.KindImage, ev.Kind)
		assert.Equal(t, "task-1", ev.JobID)
		assert.False(t, ev.At.IsZero(), "publish should stamp the event")
	}

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Published)
	assert.Equal(t, uint64(2), stats.Sent)
	assert.Equal(t, 2, stats.Subscribers)
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := broadcast.New()
	defer b.Close()

	sub, err := b.Subscribe(1)
	require.NoError(t, err)

	b.Notify(broadcast.CacheCleared, "", "")
	b.Notify(broadcast.ModelsUnloaded, "", "")

	ev := <-sub.C
	assert.Equal(t, broadcast.CacheCleared, ev.Reason, "first event is kept")
	assert.Equal(t, uint64(1), b.Stats().Dropped)
}

func TestCancelClosesChannel(t *testing.T) {
	b := broadcast.New()
	defer b.Close()

	sub, err := b.Subscribe(1)
	require.NoError(t, err)

	sub.Cancel()
	sub.Cancel()

	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, 0, b.Stats().Subscribers)

	b.Notify(broadcast.ManualRefresh, "", "")
	assert.Equal(t, uint64(0), b.Stats().Sent)
}

func TestCloseRejectsSubscribers(t *testing.T) {
	b := broadcast.New()
	sub, err := b.Subscribe(1)
	require.NoError(t, err)

	b.Close()
	b.Close()

	_, ok := <-sub.C
	assert.False(t, ok)

	_, err = b.Subscribe(1)
	require.ErrorIs(t, err, broadcast.ErrClosed)

	b.Notify(broadcast.ManualRefresh, "", "")
	assert.Equal(t, uint64(0), b.Stats().Published)

	sub.Cancel()
}

func TestNilBroadcasterIgnoresPublish(t *testing.T) {
	var b *broadcast.Broadcaster
	assert.NotPanics(t, func() {
		b.Notify(broadcast.JobSubmitted, models.KindVideo, "x")
	})
}

func TestConcurrentPublish(t *testing.T) {
	b := broadcast.New()
	defer b.Close()

	sub, err := b.Subscribe(1000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				b.Notify(broadcast.ManualRefresh, "", "")
			}
		}()
	}
	wg.Wait()

	stats := b.Stats()
	assert.Equal(t, uint64(500), stats.Published)
	assert.Equal(t, uint64(500), stats.Sent+stats.Dropped)
	assert.Len(t, sub.C, int(stats.Sent))
}
