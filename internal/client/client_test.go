package client_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/enhance-go/internal/backendtest"
	"github.com/raphaelgruber/enhance-go/internal/client"
	"github.com/raphaelgruber/enhance-go/internal/models"
)

func newClient(t *testing.T) (*client.Client, *backendtest.Server) {
	t.Helper()
	srv := backendtest.New()
	t.Cleanup(srv.Close)
	return client.New(client.Options{BaseURL: srv.URL, Timeout: 5 * time.Second}), srv
}

func TestStreamURLFor(t *testing.T) {
	assert.Equal(t, "ws://localhost:8000/ws/process_video", client.StreamURLFor("http://localhost:8000/"))
	assert.Equal(t, "wss://example.com/ws/process_video", client.StreamURLFor("https://example.com"))
}

func TestSubmitImage(t *testing.T) {
	c, srv := newClient(t)
	ctx := context.Background()

	resp, err := c.Submit(ctx, client.SubmitRequest{
		Kind:   models.KindImage,
		Upload: models.BytesUpload("photo one.jpg", []byte("jpeg-bytes")),
		Params: models.Params{Task: models.TaskDenoise, Model: models.ModelDenoise16, UsePatchProcessing: true},
	})
	require.NoError(t, err, "submit should succeed")
	require.NotEmpty(t, resp.TaskID)

	subs := srv.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "image", subs[0].Kind)
	assert.Equal(t, resp.TaskID, subs[0].TaskID)
	assert.Equal(t, "photo one.jpg", subs[0].Filename)
	assert.Equal(t, []byte("jpeg-bytes"), subs[0].Content)
	assert.Equal(t, "denoise", subs[0].Fields["task_type"])
	assert.Equal(t, "denoise_16", subs[0].Fields["model_name"])
	assert.Equal(t, "true", subs[0].Fields["use_patch_processing"])
}

func TestSubmitVideoOmitsPatchField(t *testing.T) {
	c, srv := newClient(t)

	_, err := c.Submit(context.Background(), client.SubmitRequest{
		Kind:   models.KindVideo,
		Upload: models.BytesUpload("clip.mp4", []byte("mp4")),
		Params: models.Params{Task: models.TaskDeblur, Model: models.ModelDeblurB},
	})
	require.NoError(t, err)

	subs := srv.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "video", subs[0].Kind)
	_, ok := subs[0].Fields["use_patch_processing"]
	assert.False(t, ok, "video submissions carry no patch flag")
}

func TestSubmitRejectedCarriesDetail(t *testing.T) {
	c, srv := newClient(t)
	srv.FailSubmit("Invalid video file format.")

	_, err := c.Submit(context.Background(), client.SubmitRequest{
		Kind:   models.KindVideo,
		Upload: models.BytesUpload("clip.txt", []byte("x")),
		Params: models.Params{Task: models.TaskDenoise, Model: models.ModelDenoiseB},
	})
	require.Error(t, err)

	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "Invalid video file format.", client.ErrorDetail(err))
}

func TestSubmitEmptyUpload(t *testing.T) {
	c, srv := newClient(t)

	_, err := c.Submit(context.Background(), client.SubmitRequest{
		Kind:   models.KindImage,
		Upload: models.BytesUpload("empty.jpg", nil),
		Params: models.Params{Task: models.TaskDenoise, Model: models.ModelDenoise16},
	})
	require.ErrorIs(t, err, models.ErrEmptyUpload)
	assert.Empty(t, srv.Submissions(), "nothing should reach the backend")
}

func TestSubmitMissingTaskID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "ok"})
	}))
	defer ts.Close()

	c := client.New(client.Options{BaseURL: ts.URL})
	_, err := c.Submit(context.Background(), client.SubmitRequest{
		Kind:   models.KindImage,
		Upload: models.BytesUpload("a.jpg", []byte("a")),
		Params: models.Params{Task: models.TaskDenoise, Model: models.ModelDenoise16},
	})
	require.ErrorIs(t, err, client.ErrMissingTaskID)
}

func TestJobStatusAndResult(t *testing.T) {
	c, srv := newClient(t)
	ctx := context.Background()

	srv.SetStatus("t1", map[string]any{"status": "processing", "progress": 42.6, "message": "working"})
	st, err := c.JobStatus(ctx, models.KindVideo, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, st.Status)
	assert.Equal(t, 43, st.ProgressPercent())
	assert.Equal(t, 1, srv.StatusCalls("t1"))

	srv.Complete("t1", "/static_results/videos/out.mp4", []byte("video-data"))
	st, err = c.JobStatus(ctx, models.KindVideo, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, st.Status)
	assert.Equal(t, "/static_results/videos/out.mp4", st.ResultPath)

	rc, err := c.FetchResult(ctx, st.ResultPath)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, []byte("video-data"), data)
}

func TestJobStatusUnknownTask(t *testing.T) {
	c, _ := newClient(t)

	_, err := c.JobStatus(context.Background(), models.KindImage, "missing")
	require.Error(t, err)
	assert.Equal(t, "Task not found.", client.ErrorDetail(err))
}

func TestFetchResultEvicted(t *testing.T) {
	c, _ := newClient(t)

	_, err := c.FetchResult(context.Background(), "/static_results/images/gone.png")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestHeartbeatAndConfirm(t *testing.T) {
	c, srv := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.Heartbeat(ctx, "t9"))
	require.NoError(t, c.Heartbeat(ctx, "t9"))
	assert.Equal(t, 2, srv.Heartbeats("t9"))

	require.NoError(t, c.ConfirmDownload(ctx, srv.URL+"/static_results/images/a.png"))
	assert.Equal(t, []string{"/static_results/images/a.png"}, srv.Confirms(), "confirm sends the path only")

	srv.FailConfirm(true)
	err := c.ConfirmDownload(ctx, "/static_results/images/b.png")
	require.Error(t, err)
	assert.Equal(t, "Result path not found in tracker.", client.ErrorDetail(err))
}

func TestCacheEndpoints(t *testing.T) {
	c, srv := newClient(t)
	ctx := context.Background()

	srv.SetCache(12.5, 300)
	status, err := c.CacheStatus(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, status.ImageCacheMB, 0.001)
	assert.InDelta(t, 300, status.VideoCacheMB, 0.001)

	srv.SetClearResult(3, 2, 1)
	res, err := c.ClearCache(ctx, true, false)
	require.NoError(t, err)
	assert.Equal(t, client.ClearCacheResult{ClearedCount: 3, SkippedInProgressCount: 2, SkippedAwaitingDownloadCount: 1}, *res)
	assert.Equal(t, []string{"clear_images=true&clear_videos=false"}, srv.ClearCalls())

	_, err = c.ClearCache(ctx, false, false)
	require.Error(t, err)
	assert.Equal(t, "No action taken.", client.ErrorDetail(err))
}

func TestModelEndpoints(t *testing.T) {
	c, srv := newClient(t)
	ctx := context.Background()

	srv.SetModels(
		backendtest.Model{Name: "denoise_b", Loaded: true},
		backendtest.Model{Name: "deblur_b", Loaded: true, InUse: true},
		backendtest.Model{Name: "denoise_16"},
	)

	list, err := c.LoadedModels(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.True(t, list[0].Loaded)
	assert.False(t, list[2].Loaded)

	res, err := c.UnloadModels(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"denoise_b"}, res.UnloadedModels)
	assert.Equal(t, []string{"deblur_b"}, res.SkippedModels)

	srv.SetLoadAllOnStartup(true)
	strategy, err := c.ModelLoadingStrategy(ctx)
	require.NoError(t, err)
	assert.True(t, strategy.LoadAllOnStartup)
}

func TestPreview(t *testing.T) {
	c, _ := newClient(t)

	data, err := c.Preview(context.Background(), models.BytesUpload("raw.dng", []byte("raw")))
	require.NoError(t, err)
	assert.Equal(t, []byte("preview:raw"), data)
}

func TestStreamRoundTrip(t *testing.T) {
	c, srv := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := c.DialStream(ctx)
	require.NoError(t, err, "dial should succeed")
	defer conn.Close()

	frame := client.EncodeDataURL("image/jpeg", []byte("frame-1"))
	require.NoError(t, conn.Send(ctx, client.FrameRequest{
		ImageB64: frame, TaskType: "denoise", ModelName: "denoise_b", ShowFPS: true,
	}))

	reply, err := conn.Receive(ctx)
	require.NoError(t, err)
	assert.Empty(t, reply.Error)
	assert.Equal(t, "image/jpeg", reply.MIMEType)
	assert.Equal(t, []byte("frame-1"), reply.Image)

	frames := srv.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "denoise_b", frames[0]["model_name"])
	assert.Equal(t, true, frames[0]["show_fps"])
}

func TestStreamErrorFrame(t *testing.T) {
	c, srv := newClient(t)
	srv.FrameReply = func(map[string]any) string { return `{"error": "Invalid model name"}` }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := c.DialStream(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(ctx, client.FrameRequest{ImageB64: client.EncodeDataURL("image/jpeg", []byte("x"))}))
	reply, err := conn.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Invalid model name", reply.Error)
}

func TestStreamCloseUnblocksReceive(t *testing.T) {
	c, _ := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := c.DialStream(ctx)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Receive(ctx)
		errCh <- err
	}()

	require.NoError(t, conn.Close())
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, client.ErrStreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not return after close")
	}

	assert.ErrorIs(t, conn.Send(ctx, client.FrameRequest{}), client.ErrStreamClosed)
	assert.NoError(t, conn.Close(), "second close is a no-op")
}

func TestDecodeDataURL(t *testing.T) {
	mime, data, err := client.DecodeDataURL(client.EncodeDataURL("image/png", []byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, []byte{1, 2, 3}, data)

	_, _, err = client.DecodeDataURL("data:image/png,plain")
	assert.Error(t, err)
	_, _, err = client.DecodeDataURL("nope")
	assert.Error(t, err)
}
