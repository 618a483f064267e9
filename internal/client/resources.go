package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// CacheStatus reports the size of the backend's temporary result caches.
type CacheStatus struct {
	ImageCacheMB float64 `json:"image_cache_mb"`
	VideoCacheMB float64 `json:"video_cache_mb"`
}

// ClearCacheResult counts what a cache clear removed and what it had to keep.
type ClearCacheResult struct {
	ClearedCount                 int `json:"cleared_count"`
	SkippedInProgressCount       int `json:"skipped_in_progress_count"`
	SkippedAwaitingDownloadCount int `json:"skipped_awaiting_download_count"`
}

// ModelStatus is one known model and whether it is resident in memory.
type ModelStatus struct {
	Name   string `json:"name"`
	Loaded bool   `json:"loaded"`
}

// UnloadResult lists which models were unloaded and which were kept because they are in use.
type UnloadResult struct {
	UnloadedModels []string `json:"unloaded_models"`
	SkippedModels  []string `json:"skipped_models"`
}

// LoadingStrategy reports how the backend loads models.
type LoadingStrategy struct {
	LoadAllOnStartup bool `json:"load_all_on_startup"`
}

// CacheStatus returns the current cache sizes.
func (c *Client) CacheStatus(ctx context.Context) (*CacheStatus, error) {
	var result CacheStatus
	if err := c.doJSON(ctx, http.MethodGet, "/api/cache_status", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ClearCache removes unprotected files from the selected caches.
func (c *Client) ClearCache(ctx context.Context, images, videos bool) (*ClearCacheResult, error) {
	query := url.Values{}
	query.Set("clear_images", strconv.FormatBool(images))
	query.Set("clear_videos", strconv.FormatBool(videos))

	var result ClearCacheResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/clear_cache", query, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// LoadedModels returns every known model with its loaded state.
func (c *Client) LoadedModels(ctx context.Context) ([]ModelStatus, error) {
	var result struct {
		Models []ModelStatus `json:"models"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/loaded_models_status", nil, nil, &result); err != nil {
		return nil, err
	}
	return result.Models, nil
}

// UnloadModels frees the named models. An empty list unloads every unloadable model.
func (c *Client) UnloadModels(ctx context.Context, names []string) (*UnloadResult, error) {
	if names == nil {
		names = []string{}
	}
	payload := map[string][]string{"model_names": names}

	var result UnloadResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/unload_models", nil, payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ModelLoadingStrategy reports whether the backend preloads all models.
func (c *Client) ModelLoadingStrategy(ctx context.Context) (*LoadingStrategy, error) {
	var result LoadingStrategy
	if err := c.doJSON(ctx, http.MethodGet, "/api/model_loading_strategy", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
