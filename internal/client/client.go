// Package client provides HTTP and WebSocket access to the enhancement backend.
//
// All request functions are stateless: they perform one round trip and
// return the decoded response. Job tracking lives in the jobs package.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/raphaelgruber/enhance-go/internal/models"
)

// DefaultBaseURL is used when no server URL is configured.
const DefaultBaseURL = "http://127.0.0.1:8000"

// streamPath is the live-processing WebSocket endpoint.
const streamPath = "/ws/process_video"

// Client talks to the enhancement backend.
type Client struct {
	baseURL    string
	streamURL  string
	httpClient *http.Client
}

// Options configures a Client. Zero values fall back to environment
// variables and then to defaults.
type Options struct {
	BaseURL    string
	StreamURL  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// New creates a new backend client.
// If BaseURL is empty, uses ENHANCE_SERVER_URL or defaults to 127.0.0.1:8000.
// Timeout can be set via ENHANCE_CLIENT_TIMEOUT (default 10m for large video uploads).
func New(opts Options) *Client {
	base := opts.BaseURL
	if base == "" {
		base = os.Getenv("ENHANCE_SERVER_URL")
	}
	if base == "" {
		base = DefaultBaseURL
	}
	base = strings.TrimRight(base, "/")

	stream := opts.StreamURL
	if stream == "" {
		stream = os.Getenv("ENHANCE_STREAM_URL")
	}
	if stream == "" {
		stream = StreamURLFor(base)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 10 * time.Minute
			if t := os.Getenv("ENHANCE_CLIENT_TIMEOUT"); t != "" {
				if d, err := time.ParseDuration(t); err == nil {
					timeout = d
				}
			}
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    base,
		streamURL:  stream,
		httpClient: httpClient,
	}
}

// StreamURLFor derives the live WebSocket endpoint from an HTTP base URL.
func StreamURLFor(baseURL string) string {
	ws := strings.TrimRight(baseURL, "/")
	ws = strings.Replace(ws, "http://", "ws://", 1)
	ws = strings.Replace(ws, "https://", "wss://", 1)
	return ws + streamPath
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Status     string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("server error: %s - %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("server error: %s", e.Status)
}

// ErrorDetail returns the server-provided message carried by err, if any.
func ErrorDetail(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Detail
	}
	return ""
}

// errorBody matches FastAPI error payloads ({"detail": ...}) and the
// backend's hand-written ones ({"message": ...}).
type errorBody struct {
	Detail  json.RawMessage `json:"detail"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Status: resp.Status}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		var detail string
		switch {
		case len(eb.Detail) > 0 && json.Unmarshal(eb.Detail, &detail) == nil:
			apiErr.Detail = detail
		case len(eb.Detail) > 0:
			apiErr.Detail = string(eb.Detail)
		case eb.Message != "":
			apiErr.Detail = eb.Message
		case eb.Error != "":
			apiErr.Detail = eb.Error
		}
		return apiErr
	}

	apiErr.Detail = strings.TrimSpace(string(body))
	return apiErr
}

// resolve builds an absolute URL for a backend path.
func (c *Client) resolve(path string, query url.Values) string {
	u := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		u = c.baseURL + path
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// send executes a request and returns the response body for 2xx statuses.
func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp, body)
	}
	return body, nil
}

// doJSON sends an optional JSON body and decodes a JSON response into result.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, payload, result any) error {
	var body io.Reader
	if payload != nil {
		reqBody, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path, query), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	respBody, err := c.send(req)
	if err != nil {
		return err
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// doMultipart streams an upload plus form fields and returns the raw response body.
func (c *Client) doMultipart(ctx context.Context, path, fileField string, up models.Upload, fields map[string]string) ([]byte, error) {
	if err := up.Validate(); err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeMultipart(mw, fileField, up, fields))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path, nil), pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return c.send(req)
}

func writeMultipart(mw *multipart.Writer, fileField string, up models.Upload, fields map[string]string) error {
	src, err := up.Open()
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	part, err := mw.CreateFormFile(fileField, up.Name)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("copy upload: %w", err)
	}

	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}
	return mw.Close()
}
