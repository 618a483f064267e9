// Package reclaim frees backend resources (cached results, loaded models)
// and keeps a client-side inventory of what is currently held.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/enhance-go/internal/broadcast"
	"github.com/raphaelgruber/enhance-go/internal/client"
	"github.com/raphaelgruber/enhance-go/internal/metrics"
)

// DefaultRefreshInterval matches the header status poll.
const DefaultRefreshInterval = 2 * time.Second

// ErrModelNotLoaded is returned when selecting a model that is not resident.
var ErrModelNotLoaded = errors.New("model is not loaded")

// ReclaimError means a clear or unload request itself failed, as opposed
// to the backend declining some items.
type ReclaimError struct {
	Op     string
	Reason string
	Err    error
}

func (e *ReclaimError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *ReclaimError) Unwrap() error { return e.Err }

// API is the subset of the backend client the reclaimer needs.
type API interface {
	CacheStatus(ctx context.Context) (*client.CacheStatus, error)
	ClearCache(ctx context.Context, images, videos bool) (*client.ClearCacheResult, error)
	LoadedModels(ctx context.Context) ([]client.ModelStatus, error)
	UnloadModels(ctx context.Context, names []string) (*client.UnloadResult, error)
	ModelLoadingStrategy(ctx context.Context) (*client.LoadingStrategy, error)
}

// CacheSelection picks which caches to clear.
type CacheSelection struct {
	Images bool
	Videos bool
}

// Empty reports whether nothing is selected.
func (s CacheSelection) Empty() bool { return !s.Images && !s.Videos }

// CacheSize is a cache size in MB, or unknown.
type CacheSize struct {
	MB    float64
	Known bool
}

func (c CacheSize) String() string {
	if !c.Known {
		return "... MB"
	}
	return fmt.Sprintf("%.2f MB", c.MB)
}

// Model is one known model and whether it is loaded.
type Model struct {
	Name   string
	Loaded bool
}

// Inventory is a snapshot of backend resources as last observed.
// Selection only ever names loaded models and follows model order.
type Inventory struct {
	ImageCache  CacheSize
	VideoCache  CacheSize
	Models      []Model
	ModelsKnown bool
	Selection   []string

	LoadAllOnStartup bool
	StrategyKnown    bool

	UpdatedAt time.Time
}

// Loaded returns the names of loaded models.
func (inv Inventory) Loaded() []string {
	var names []string
	for _, m := range inv.Models {
		if m.Loaded {
			names = append(names, m.Name)
		}
	}
	return names
}

// Options configures a Reclaimer.
type Options struct {
	RefreshInterval time.Duration
	Broadcaster     *broadcast.Broadcaster
	Metrics         *metrics.Collector
	Logger          *slog.Logger
}

// Reclaimer is the single writer of the resource inventory.
type Reclaimer struct {
	api      API
	interval time.Duration
	bus      *broadcast.Broadcaster
	metrics  *metrics.Collector
	logger   *slog.Logger

	mu       sync.Mutex
	inv      Inventory
	selected map[string]bool

	// Refresh responses are applied only if newer than the last applied one.
	cacheIssued, cacheApplied   uint64
	modelsIssued, modelsApplied uint64

	watchers broadcast.Latest[Inventory]
}

// New creates a reclaimer with an unknown inventory.
func New(api API, opts Options) *Reclaimer {
	interval := opts.RefreshInterval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reclaimer{
		api:      api,
		interval: interval,
		bus:      opts.Broadcaster,
		metrics:  opts.Metrics,
		logger:   logger,
		selected: make(map[string]bool),
	}
}

// Snapshot returns the current inventory.
func (r *Reclaimer) Snapshot() Inventory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reclaimer) snapshotLocked() Inventory {
	inv := r.inv
	inv.Models = slices.Clone(r.inv.Models)
	inv.Selection = nil
	for _, m := range r.inv.Models {
		if r.selected[m.Name] {
			inv.Selection = append(inv.Selection, m.Name)
		}
	}
	return inv
}

// Subscribe returns a channel holding the latest inventory.
func (r *Reclaimer) Subscribe() (<-chan Inventory, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watchers.Subscribe(r.snapshotLocked())
}

// Close closes all subscriptions.
func (r *Reclaimer) Close() {
	r.watchers.Close()
}

func (r *Reclaimer) notifyLocked() {
	r.inv.UpdatedAt = time.Now()
	r.watchers.Publish(r.snapshotLocked())
}

// Select marks a loaded model for unloading.
func (r *Reclaimer) Select(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.inv.Models {
		if m.Name == name && m.Loaded {
			r.selected[name] = true
			r.notifyLocked()
			return nil
		}
	}
	return fmt.Errorf("select %s: %w", name, ErrModelNotLoaded)
}

// Deselect removes a model from the selection. Unknown names are ignored.
func (r *Reclaimer) Deselect(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.selected[name] {
		delete(r.selected, name)
		r.notifyLocked()
	}
}

// Selection returns the selected model names in model order.
func (r *Reclaimer) Selection() []string {
	return r.Snapshot().Selection
}

// Refresh re-fetches cache sizes and model status. Each part is fetched
// independently; a failed fetch marks that part unknown and is not returned
// as an error.
func (r *Reclaimer) Refresh(ctx context.Context) {
	start := time.Now()

	r.mu.Lock()
	r.cacheIssued++
	cacheSeq := r.cacheIssued
	r.modelsIssued++
	modelsSeq := r.modelsIssued
	r.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		status, err := r.api.CacheStatus(ctx)
		if ctx.Err() == nil {
			r.applyCache(cacheSeq, status, err)
		}
	}()
	go func() {
		defer wg.Done()
		list, err := r.api.LoadedModels(ctx)
		if ctx.Err() == nil {
			r.applyModels(modelsSeq, list, err)
		}
	}()
	wg.Wait()

	r.metrics.Since(metrics.OpRefresh, start, nil)
}

func (r *Reclaimer) applyCache(seq uint64, status *client.CacheStatus, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seq <= r.cacheApplied {
		return
	}
	r.cacheApplied = seq

	if err != nil {
		r.logger.Debug("cache status unavailable", "error", err)
		r.inv.ImageCache = CacheSize{}
		r.inv.VideoCache = CacheSize{}
	} else {
		r.inv.ImageCache = CacheSize{MB: status.ImageCacheMB, Known: true}
		r.inv.VideoCache = CacheSize{MB: status.VideoCacheMB, Known: true}
	}
	r.notifyLocked()
}

func (r *Reclaimer) applyModels(seq uint64, list []client.ModelStatus, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seq <= r.modelsApplied {
		return
	}
	r.modelsApplied = seq

	if err != nil {
		r.logger.Debug("model status unavailable", "error", err)
		r.inv.Models = nil
		r.inv.ModelsKnown = false
		clear(r.selected)
		r.notifyLocked()
		return
	}

	seen := make(map[string]bool, len(list))
	models := make([]Model, 0, len(list))
	for _, m := range list {
		if seen[m.Name] {
			continue
		}
		seen[m.Name] = true
		models = append(models, Model{Name: m.Name, Loaded: m.Loaded})
		if !m.Loaded {
			delete(r.selected, m.Name)
		}
	}
	for name := range r.selected {
		if !seen[name] {
			delete(r.selected, name)
		}
	}

	r.inv.Models = models
	r.inv.ModelsKnown = true
	r.notifyLocked()
}

// LoadStrategy fetches whether the backend preloads every model.
func (r *Reclaimer) LoadStrategy(ctx context.Context) error {
	strategy, err := r.api.ModelLoadingStrategy(ctx)
	if err != nil {
		return fmt.Errorf("fetch loading strategy: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.inv.LoadAllOnStartup = strategy.LoadAllOnStartup
	r.inv.StrategyKnown = true
	r.notifyLocked()
	return nil
}

// ClearCache asks the backend to clear the selected caches. Files still
// being processed or awaiting download are kept and reported in the outcome.
func (r *Reclaimer) ClearCache(ctx context.Context, sel CacheSelection) (Outcome, error) {
	if sel.Empty() {
		return ClassifyClear(0, 0, 0), nil
	}

	start := time.Now()
	res, err := r.api.ClearCache(ctx, sel.Images, sel.Videos)
	r.metrics.Since(metrics.OpCacheClear, start, err)
	if err != nil {
		return Outcome{}, &ReclaimError{Op: "clear cache", Reason: reasonFor(err, "failed to clear cache"), Err: err}
	}

	out := ClassifyClear(res.ClearedCount, res.SkippedInProgressCount, res.SkippedAwaitingDownloadCount)
	r.logger.Info("cache cleared",
		"images", sel.Images, "videos", sel.Videos,
		"cleared", res.ClearedCount,
		"skipped_in_progress", res.SkippedInProgressCount,
		"skipped_awaiting_download", res.SkippedAwaitingDownloadCount,
		"outcome", string(out.Kind))

	r.Refresh(ctx)
	r.bus.Notify(broadcast.CacheCleared, "", "")
	return out, nil
}

// UnloadModels frees the named models; an empty list means every model.
// Unloaded models leave the selection immediately.
func (r *Reclaimer) UnloadModels(ctx context.Context, names []string) (Outcome, error) {
	start := time.Now()
	res, err := r.api.UnloadModels(ctx, names)
	r.metrics.Since(metrics.OpUnload, start, err)
	if err != nil {
		return Outcome{}, &ReclaimError{Op: "unload models", Reason: reasonFor(err, "failed to unload models"), Err: err}
	}

	r.mu.Lock()
	for _, name := range res.UnloadedModels {
		delete(r.selected, name)
		for i := range r.inv.Models {
			if r.inv.Models[i].Name == name {
				r.inv.Models[i].Loaded = false
			}
		}
	}
	r.notifyLocked()
	r.mu.Unlock()

	out := ClassifyUnload(res.UnloadedModels, res.SkippedModels)
	r.logger.Info("models unloaded",
		"requested", names,
		"unloaded", res.UnloadedModels,
		"skipped", res.SkippedModels,
		"outcome", string(out.Kind))

	r.Refresh(ctx)
	r.bus.Notify(broadcast.ModelsUnloaded, "", "")
	return out, nil
}

// UnloadSelected unloads the current selection. An empty selection is a
// no-op and sends nothing, since an empty list would unload every model.
func (r *Reclaimer) UnloadSelected(ctx context.Context) (Outcome, error) {
	names := r.Selection()
	if len(names) == 0 {
		return ClassifyUnload(nil, nil), nil
	}
	return r.UnloadModels(ctx, names)
}

// Run keeps the inventory fresh until ctx is done: it refreshes on every
// interval tick and on every broadcaster event.
func (r *Reclaimer) Run(ctx context.Context) error {
	if err := r.LoadStrategy(ctx); err != nil {
		r.logger.Debug("loading strategy unavailable", "error", err)
	}
	r.Refresh(ctx)

	var events <-chan broadcast.Event
	if r.bus != nil {
		sub, err := r.bus.Subscribe(4)
		if err == nil {
			defer sub.Cancel()
			events = sub.C
		}
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Refresh(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.logger.Debug("refresh on event", "reason", string(ev.Reason))
			r.Refresh(ctx)
		}
	}
}

func reasonFor(err error, fallback string) string {
	if detail := client.ErrorDetail(err); detail != "" {
		return detail
	}
	return fallback
}
