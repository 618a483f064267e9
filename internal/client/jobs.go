package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"github.com/raphaelgruber/enhance-go/internal/models"
)

// ErrMissingTaskID is returned when a submit response carries no task ID.
var ErrMissingTaskID = errors.New("server did not return a task id")

// SubmitRequest is the input for starting an enhancement job.
type SubmitRequest struct {
	Kind   models.Kind
	Upload models.Upload
	Params models.Params
}

// SubmitResponse is returned when the backend accepts a job.
type SubmitResponse struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message,omitempty"`
}

// JobStatus is the polled state of a job.
type JobStatus struct {
	Status     models.JobStatus `json:"status"`
	Progress   *float64         `json:"progress,omitempty"`
	Message    string           `json:"message,omitempty"`
	ResultPath string           `json:"result_path,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// ProgressPercent returns the reported progress rounded to a whole percent.
func (s *JobStatus) ProgressPercent() int {
	if s.Progress == nil {
		return 0
	}
	return int(math.Round(*s.Progress))
}

func submitPath(kind models.Kind) (path, fileField string, err error) {
	switch kind {
	case models.KindImage:
		return "/api/process_image", "image_file", nil
	case models.KindVideo:
		return "/api/process_video", "video_file", nil
	}
	return "", "", fmt.Errorf("unknown job kind %q", kind)
}

// Submit uploads a file and starts a job.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	path, fileField, err := submitPath(req.Kind)
	if err != nil {
		return nil, err
	}

	fields := map[string]string{
		"task_type":  string(req.Params.Task),
		"model_name": req.Params.Model,
	}
	if req.Kind == models.KindImage {
		fields["use_patch_processing"] = strconv.FormatBool(req.Params.UsePatchProcessing)
	}

	body, err := c.doMultipart(ctx, path, fileField, req.Upload, fields)
	if err != nil {
		return nil, err
	}

	var result SubmitResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if result.TaskID == "" {
		return nil, ErrMissingTaskID
	}
	return &result, nil
}

// JobStatus fetches the current state of a job.
func (c *Client) JobStatus(ctx context.Context, kind models.Kind, taskID string) (*JobStatus, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	path := fmt.Sprintf("/api/%s_status/%s", kind, url.PathEscape(taskID))

	var result JobStatus
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &result); err != nil {
		return nil, err
	}
	if result.Status == "" {
		return nil, errors.New("status response has no status field")
	}
	return &result, nil
}

// Heartbeat renews the server-side cache lease for a completed job.
func (c *Client) Heartbeat(ctx context.Context, taskID string) error {
	payload := map[string]string{"task_id": taskID}
	return c.doJSON(ctx, http.MethodPost, "/api/task_heartbeat", nil, payload, nil)
}

// ConfirmDownload tells the backend a result has been saved so it may be evicted.
func (c *Client) ConfirmDownload(ctx context.Context, resultPath string) error {
	payload := map[string]string{"result_path": resultRelativePath(resultPath)}
	return c.doJSON(ctx, http.MethodPost, "/api/confirm_download", nil, payload, nil)
}

// FetchResult opens the artifact stored at resultPath.
// The caller must close the returned reader.
func (c *Client) FetchResult(ctx context.Context, resultPath string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(resultPath, nil), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, newAPIError(resp, body)
	}
	return resp.Body, nil
}

// Preview asks the backend to render a JPEG preview of an image (including RAW formats).
func (c *Client) Preview(ctx context.Context, up models.Upload) ([]byte, error) {
	return c.doMultipart(ctx, "/api/generate_preview", "image_file", up, nil)
}

// resultRelativePath strips scheme and host so the backend sees the path it issued.
func resultRelativePath(resultPath string) string {
	u, err := url.Parse(resultPath)
	if err != nil || u.Host == "" {
		return resultPath
	}
	return u.Path
}
