package metrics_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/enhance-go/internal/metrics"
)

func TestRecordTiming(t *testing.T) {
	c := metrics.NewCollector()

	c.RecordTiming(metrics.OpPoll, 10*time.Millisecond, nil)
	c.RecordTiming(metrics.OpPoll, 30*time.Millisecond, errors.New("boom"))
	c.RecordTransfer(metrics.OpUpload, 5*time.Millisecond, 2048, nil)

	snap := c.Snapshot()
	require.Len(t, snap.Operations, 2)
	assert.Equal(t, metrics.OpPoll, snap.Operations[0].Name, "operations are sorted by name")

	poll := snap.Get(metrics.OpPoll)
	require.NotNil(t, poll)
	assert.Equal(t, int64(2), poll.Count)
	assert.Equal(t, int64(1), poll.Failures)
	assert.Equal(t, int64(10), poll.MinTimeMs)
	assert.Equal(t, int64(30), poll.MaxTimeMs)
	assert.InDelta(t, 20.0, poll.AvgTimeMs, 0.001)

	upload := snap.Get(metrics.OpUpload)
	require.NotNil(t, upload)
	assert.Equal(t, int64(2048), upload.Bytes)

	assert.Nil(t, snap.Get(metrics.OpFrame))
}

func TestNilCollector(t *testing.T) {
	var c *metrics.Collector
	assert.NotPanics(t, func() {
		c.RecordTiming(metrics.OpFrame, time.Millisecond, nil)
		c.Since(metrics.OpFrame, time.Now(), nil)
	})
	assert.Empty(t, c.Snapshot().Operations)
}

func TestConcurrentRecording(t *testing.T) {
	c := metrics.NewCollector()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				c.RecordTiming(metrics.OpHeartbeat, time.Millisecond, nil)
			}
		}()
	}
	wg.Wait()

	hb := c.Snapshot().Get(metrics.OpHeartbeat)
	require.NotNil(t, hb)
	assert.Equal(t, int64(800), hb.Count)
}
