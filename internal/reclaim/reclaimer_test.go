package reclaim_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/enhance-go/internal/backendtest"
	"github.com/raphaelgruber/enhance-go/internal/broadcast"
	"github.com/raphaelgruber/enhance-go/internal/client"
	"github.com/raphaelgruber/enhance-go/internal/reclaim"
)

// fakeAPI serves a mutable model table and records requests.
type fakeAPI struct {
	mu sync.Mutex

	cache    client.CacheStatus
	cacheErr error
	clear    client.ClearCacheResult
	clearErr error
	clears   int

	models      []client.ModelStatus
	modelsErr   error
	modelsGate  chan struct{}
	unload      *client.UnloadResult
	unloadErr   error
	unloadCalls [][]string
}

func (f *fakeAPI) CacheStatus(ctx context.Context) (*client.CacheStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cacheErr != nil {
		return nil, f.cacheErr
	}
	c := f.cache
	return &c, nil
}

func (f *fakeAPI) ClearCache(ctx context.Context, images, videos bool) (*client.ClearCacheResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	if f.clearErr != nil {
		return nil, f.clearErr
	}
	r := f.clear
	return &r, nil
}

func (f *fakeAPI) LoadedModels(ctx context.Context) ([]client.ModelStatus, error) {
	f.mu.Lock()
	gate := f.modelsGate
	models := append([]client.ModelStatus(nil), f.models...)
	err := f.modelsErr
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return models, err
}

func (f *fakeAPI) UnloadModels(ctx context.Context, names []string) (*client.UnloadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloadCalls = append(f.unloadCalls, names)
	if f.unloadErr != nil {
		return nil, f.unloadErr
	}
	res := *f.unload
	for i, m := range f.models {
		for _, n := range res.UnloadedModels {
			if m.Name == n {
				f.models[i].Loaded = false
			}
		}
	}
	return &res, nil
}

func (f *fakeAPI) ModelLoadingStrategy(ctx context.Context) (*client.LoadingStrategy, error) {
	return &client.LoadingStrategy{LoadAllOnStartup: true}, nil
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func TestRefreshPopulatesInventory(t *testing.T) {
	api := &fakeAPI{
		cache: client.CacheStatus{ImageCacheMB: 1.5, VideoCacheMB: 20},
		models: []client.ModelStatus{
			{Name: "A", Loaded: true},
			{Name: "B"},
			{Name: "A", Loaded: false},
		},
	}
	r := reclaim.New(api, reclaim.Options{})

	inv := r.Snapshot()
	assert.False(t, inv.ImageCache.Known)
	assert.Equal(t, "... MB", inv.ImageCache.String())

	r.Refresh(context.Background())
	inv = r.Snapshot()
	assert.Equal(t, "1.50 MB", inv.ImageCache.String())
	assert.Equal(t, "20.00 MB", inv.VideoCache.String())
	assert.True(t, inv.ModelsKnown)
	assert.Equal(t, []reclaim.Model{{Name: "A", Loaded: true}, {Name: "B"}}, inv.Models, "names are unique, first wins")
	assert.Equal(t, []string{"A"}, inv.Loaded())
}

func TestRefreshFailureMarksUnknown(t *testing.T) {
	api := &fakeAPI{
		cache:  client.CacheStatus{ImageCacheMB: 3},
		models: []client.ModelStatus{{Name: "A", Loaded: true}},
	}
	r := reclaim.New(api, reclaim.Options{})
	r.Refresh(context.Background())
	require.NoError(t, r.Select("A"))

	api.set(func(f *fakeAPI) {
		f.cacheErr = errors.New("timeout")
		f.modelsErr = errors.New("timeout")
	})
	r.Refresh(context.Background())

	inv := r.Snapshot()
	assert.False(t, inv.ImageCache.Known)
	assert.False(t, inv.ModelsKnown)
	assert.Empty(t, inv.Selection, "unknown model state clears the selection")
}

func TestRefreshPartsDegradeIndependently(t *testing.T) {
	api := &fakeAPI{
		cacheErr: errors.New("boom"),
		models:   []client.ModelStatus{{Name: "A", Loaded: true}},
	}
	r := reclaim.New(api, reclaim.Options{})
	r.Refresh(context.Background())

	inv := r.Snapshot()
	assert.False(t, inv.ImageCache.Known)
	assert.True(t, inv.ModelsKnown)
}

func TestSelectOnlyLoadedModels(t *testing.T) {
	api := &fakeAPI{models: []client.ModelStatus{{Name: "A", Loaded: true}, {Name: "B"}}}
	r := reclaim.New(api, reclaim.Options{})
	r.Refresh(context.Background())

	require.NoError(t, r.Select("A"))
	require.ErrorIs(t, r.Select("B"), reclaim.ErrModelNotLoaded)
	require.ErrorIs(t, r.Select("missing"), reclaim.ErrModelNotLoaded)
	assert.Equal(t, []string{"A"}, r.Selection())

	r.Deselect("A")
	r.Deselect("A")
	assert.Empty(t, r.Selection())
}

func TestSelectionDropsModelsThatUnload(t *testing.T) {
	api := &fakeAPI{models: []client.ModelStatus{{Name: "A", Loaded: true}, {Name: "B", Loaded: true}}}
	r := reclaim.New(api, reclaim.Options{})
	r.Refresh(context.Background())
	require.NoError(t, r.Select("A"))
	require.NoError(t, r.Select("B"))

	api.set(func(f *fakeAPI) { f.models[1].Loaded = false })
	r.Refresh(context.Background())
	assert.Equal(t, []string{"A"}, r.Selection())
}

func TestUnloadAllReconcilesInventory(t *testing.T) {
	api := &fakeAPI{
		models: []client.ModelStatus{{Name: "A", Loaded: true}, {Name: "B", Loaded: false}},
		unload: &client.UnloadResult{UnloadedModels: []string{"A"}, SkippedModels: []string{}},
	}
	bus := broadcast.New()
	defer bus.Close()
	sub, err := bus.Subscribe(4)
	require.NoError(t, err)

	r := reclaim.New(api, reclaim.Options{Broadcaster: bus})
	r.Refresh(context.Background())
	require.NoError(t, r.Select("A"))

	out, err := r.UnloadModels(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, reclaim.OutcomeSuccess, out.Kind)
	assert.Equal(t, [][]string{nil}, api.unloadCalls, "empty list means all models")

	inv := r.Snapshot()
	assert.Equal(t, []reclaim.Model{{Name: "A"}, {Name: "B"}}, inv.Models)
	assert.Empty(t, inv.Selection)

	ev := <-sub.C
	assert.Equal(t, broadcast.ModelsUnloaded, ev.Reason)
}

func TestUnloadSelected(t *testing.T) {
	api := &fakeAPI{
		models: []client.ModelStatus{{Name: "A", Loaded: true}, {Name: "B", Loaded: true}},
		unload: &client.UnloadResult{UnloadedModels: []string{}, SkippedModels: []string{"B"}},
	}
	r := reclaim.New(api, reclaim.Options{})

	out, err := r.UnloadSelected(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reclaim.OutcomeNoop, out.Kind)
	assert.Empty(t, api.unloadCalls, "empty selection must not unload everything")

	r.Refresh(context.Background())
	require.NoError(t, r.Select("B"))
	out, err = r.UnloadSelected(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reclaim.OutcomeFailure, out.Kind)
	assert.Equal(t, "Model in Use", out.Title)
	assert.Equal(t, [][]string{{"B"}}, api.unloadCalls)
	assert.Equal(t, []string{"B"}, r.Selection(), "skipped models stay selected")
}

func TestUnloadFailureIsReclaimError(t *testing.T) {
	api := &fakeAPI{unloadErr: &client.APIError{StatusCode: 500, Status: "500 Internal Server Error", Detail: "Failed to unload models: boom"}}
	r := reclaim.New(api, reclaim.Options{})

	_, err := r.UnloadModels(context.Background(), []string{"A"})
	var rErr *reclaim.ReclaimError
	require.ErrorAs(t, err, &rErr)
	assert.Equal(t, "Failed to unload models: boom", rErr.Reason)
}

func TestClearCache(t *testing.T) {
	api := &fakeAPI{clear: client.ClearCacheResult{ClearedCount: 3, SkippedInProgressCount: 2}}
	bus := broadcast.New()
	defer bus.Close()
	sub, err := bus.Subscribe(4)
	require.NoError(t, err)

	r := reclaim.New(api, reclaim.Options{Broadcaster: bus})

	out, err := r.ClearCache(context.Background(), reclaim.CacheSelection{})
	require.NoError(t, err)
	assert.Equal(t, reclaim.OutcomeNoop, out.Kind)
	assert.Zero(t, api.clears, "empty selection sends nothing")

	out, err = r.ClearCache(context.Background(), reclaim.CacheSelection{Images: true})
	require.NoError(t, err)
	assert.Equal(t, reclaim.OutcomePartial, out.Kind)
	assert.Equal(t, 1, api.clears)
	assert.Equal(t, broadcast.CacheCleared, (<-sub.C).Reason)

	api.set(func(f *fakeAPI) { f.clearErr = errors.New("connection reset") })
	_, err = r.ClearCache(context.Background(), reclaim.CacheSelection{Videos: true})
	var rErr *reclaim.ReclaimError
	require.ErrorAs(t, err, &rErr)
	assert.Equal(t, "failed to clear cache", rErr.Reason)
}

func TestStaleRefreshIsDiscarded(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeAPI{models: []client.ModelStatus{{Name: "A", Loaded: true}}, modelsGate: gate}
	r := reclaim.New(api, reclaim.Options{})

	// First refresh blocks holding the old model table.
	done := make(chan struct{})
	go func() {
		r.Refresh(context.Background())
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	// Second refresh is issued later and sees A unloaded.
	api.set(func(f *fakeAPI) {
		f.models = []client.ModelStatus{{Name: "A", Loaded: false}}
		f.modelsGate = nil
	})
	r.Refresh(context.Background())
	assert.Equal(t, []reclaim.Model{{Name: "A"}}, r.Snapshot().Models)

	close(gate)
	<-done
	assert.Equal(t, []reclaim.Model{{Name: "A"}}, r.Snapshot().Models, "older response must not overwrite newer state")
}

func TestRunRefreshesOnEvents(t *testing.T) {
	api := &fakeAPI{cache: client.CacheStatus{ImageCacheMB: 1}}
	bus := broadcast.New()
	defer bus.Close()

	r := reclaim.New(api, reclaim.Options{RefreshInterval: time.Hour, Broadcaster: bus})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return r.Snapshot().ImageCache.Known }, time.Second, 5*time.Millisecond)
	assert.True(t, r.Snapshot().LoadAllOnStartup)

	api.set(func(f *fakeAPI) { f.cache.ImageCacheMB = 42 })
	require.Eventually(t, func() bool { return bus.Stats().Subscribers == 1 }, time.Second, 5*time.Millisecond)
	bus.Notify(broadcast.JobCompleted, "image", "t1")

	require.Eventually(t, func() bool { return r.Snapshot().ImageCache.MB == 42 }, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}

func TestSubscribeSeesUpdates(t *testing.T) {
	api := &fakeAPI{cache: client.CacheStatus{VideoCacheMB: 7}}
	r := reclaim.New(api, reclaim.Options{})
	defer r.Close()

	updates, cancel := r.Subscribe()
	defer cancel()
	assert.False(t, (<-updates).VideoCache.Known)

	r.Refresh(context.Background())
	require.Eventually(t, func() bool {
		select {
		case inv := <-updates:
			return inv.VideoCache.Known && inv.ModelsKnown
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestAgainstFakeBackend(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.SetCache(10, 250)
	srv.SetClearResult(0, 2, 1)
	srv.SetModels(
		backendtest.Model{Name: "denoise_b", Loaded: true},
		backendtest.Model{Name: "deblur_b", Loaded: true, InUse: true},
	)

	r := reclaim.New(client.New(client.Options{BaseURL: srv.URL}), reclaim.Options{})
	ctx := context.Background()
	r.Refresh(ctx)

	out, err := r.ClearCache(ctx, reclaim.CacheSelection{Images: true, Videos: true})
	require.NoError(t, err)
	assert.Equal(t, reclaim.OutcomeFailure, out.Kind)
	assert.Equal(t, "Cache Files in Use", out.Title)

	require.NoError(t, r.Select("denoise_b"))
	require.NoError(t, r.Select("deblur_b"))
	out, err = r.UnloadSelected(ctx)
	require.NoError(t, err)
	assert.Equal(t, reclaim.OutcomePartial, out.Kind)

	inv := r.Snapshot()
	assert.Equal(t, []string{"deblur_b"}, inv.Selection)
	assert.Equal(t, []string{"deblur_b"}, inv.Loaded())
}
