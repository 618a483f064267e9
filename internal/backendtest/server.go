// Package backendtest provides an in-process fake of the enhancement backend for tests.
package backendtest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Submission records one accepted upload.
type Submission struct {
	Kind     string
	TaskID   string
	Filename string
	Content  []byte
	Fields   map[string]string
}

// Model is a fake model entry.
type Model struct {
	Name   string `json:"name"`
	Loaded bool   `json:"loaded"`
	InUse  bool   `json:"-"`
}

// Server is a scriptable fake backend. All setters are safe for concurrent use.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	submissions []Submission
	statuses    map[string]map[string]any
	statusCalls map[string]int
	heartbeats  map[string]int
	confirms    []string
	results     map[string][]byte
	models      []Model
	cache       map[string]float64
	clearResult map[string]int
	clearCalls  []string
	frames      []map[string]any

	// Failure switches.
	failSubmit    string
	failHeartbeat bool
	failStatus    bool
	failConfirm   bool
	loadAll       bool

	// FrameReply builds the reply text for one live frame; defaults to echoing the image.
	FrameReply func(req map[string]any) string
}

// New starts a fake backend. Call Close when done.
func New() *Server {
	s := &Server{
		statuses:    make(map[string]map[string]any),
		statusCalls: make(map[string]int),
		heartbeats:  make(map[string]int),
		results:     make(map[string][]byte),
		cache:       map[string]float64{"image_cache_mb": 0, "video_cache_mb": 0},
		clearResult: map[string]int{},
	}

	r := chi.NewRouter()
	r.Post("/api/process_image", s.handleSubmit("image", "image_file"))
	r.Post("/api/process_video", s.handleSubmit("video", "video_file"))
	r.Get("/api/image_status/{id}", s.handleStatus)
	r.Get("/api/video_status/{id}", s.handleStatus)
	r.Post("/api/task_heartbeat", s.handleHeartbeat)
	r.Post("/api/confirm_download", s.handleConfirm)
	r.Get("/api/cache_status", s.handleCacheStatus)
	r.Post("/api/clear_cache", s.handleClearCache)
	r.Get("/api/loaded_models_status", s.handleModels)
	r.Post("/api/unload_models", s.handleUnload)
	r.Get("/api/model_loading_strategy", s.handleStrategy)
	r.Post("/api/generate_preview", s.handlePreview)
	r.Get("/static_results/*", s.handleResult)
	r.Get("/ws/process_video", s.handleStream)

	s.Server = httptest.NewServer(r)
	return s
}

// StreamURL returns the WebSocket URL of the live endpoint.
func (s *Server) StreamURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/process_video"
}

// --- scripting ---

// SetStatus sets the payload returned for a task's status endpoint.
func (s *Server) SetStatus(taskID string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[taskID] = payload
}

// Complete marks a task completed and serves data at resultPath.
func (s *Server) Complete(taskID, resultPath string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[taskID] = map[string]any{
		"status":      "completed",
		"result_path": resultPath,
		"message":     "Processing complete.",
	}
	s.results[resultPath] = data
}

// RemoveResult simulates the backend evicting a cached result.
func (s *Server) RemoveResult(resultPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.results, resultPath)
}

// FailSubmit makes submits fail with a 400 carrying detail.
func (s *Server) FailSubmit(detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSubmit = detail
}

// FailHeartbeat toggles heartbeat failures.
func (s *Server) FailHeartbeat(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failHeartbeat = fail
}

// FailStatus toggles 500 responses from every endpoint except submit.
func (s *Server) FailStatus(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = fail
}

// FailConfirm toggles confirm-download failures.
func (s *Server) FailConfirm(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failConfirm = fail
}

// SetCache sets the reported cache sizes.
func (s *Server) SetCache(imageMB, videoMB float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache["image_cache_mb"] = imageMB
	s.cache["video_cache_mb"] = videoMB
}

// SetClearResult sets the counts returned by clear_cache.
func (s *Server) SetClearResult(cleared, inProgress, awaiting int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearResult = map[string]int{
		"cleared_count":                   cleared,
		"skipped_in_progress_count":       inProgress,
		"skipped_awaiting_download_count": awaiting,
	}
}

// SetModels replaces the model list.
func (s *Server) SetModels(models ...Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models = append([]Model(nil), models...)
}

// SetLoadAllOnStartup sets the reported loading strategy.
func (s *Server) SetLoadAllOnStartup(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadAll = v
}

// --- inspection ---

// Submissions returns all accepted uploads.
func (s *Server) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}

// StatusCalls returns how often a task's status was polled.
func (s *Server) StatusCalls(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCalls[taskID]
}

// Heartbeats returns how many heartbeats a task received.
func (s *Server) Heartbeats(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats[taskID]
}

// Confirms returns the confirmed result paths.
func (s *Server) Confirms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.confirms...)
}

// ClearCalls returns the raw query strings of clear_cache calls.
func (s *Server) ClearCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.clearCalls...)
}

// Frames returns the live frame requests received.
func (s *Server) Frames() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.frames...)
}

// --- handlers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) failing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failStatus
}

func (s *Server) handleSubmit(kind, field string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		failDetail := s.failSubmit
		s.mu.Unlock()
		if failDetail != "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": failDetail})
			return
		}

		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
			return
		}
		file, header, err := r.FormFile(field)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": []string{"missing " + field}})
			return
		}
		defer file.Close()
		content, _ := io.ReadAll(file)

		fields := make(map[string]string)
		for k, v := range r.MultipartForm.Value {
			if len(v) > 0 {
				fields[k] = v[0]
			}
		}

		id := uuid.New().String()
		s.mu.Lock()
		s.submissions = append(s.submissions, Submission{
			Kind: kind, TaskID: id, Filename: header.Filename, Content: content, Fields: fields,
		})
		s.statuses[id] = map[string]any{"status": "pending", "message": "Task received and queued."}
		s.mu.Unlock()

		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "message": "task started"})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	s.statusCalls[id]++
	payload, ok := s.statuses[id]
	fail := s.failStatus
	s.mu.Unlock()

	if fail {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "status unavailable"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Task not found."})
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID string `json:"task_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	s.heartbeats[req.TaskID]++
	fail := s.failHeartbeat
	s.mu.Unlock()

	if fail {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "heartbeat rejected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "heartbeat_received"})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResultPath string `json:"result_path"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	fail := s.failConfirm
	if !fail {
		s.confirms = append(s.confirms, req.ResultPath)
	}
	s.mu.Unlock()

	if fail {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Result path not found in tracker."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Download confirmed."})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	data, ok := s.results[r.URL.Path]
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not Found"})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	if s.failing() {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Failed to calculate cache size."})
		return
	}
	s.mu.Lock()
	payload := map[string]float64{
		"image_cache_mb": s.cache["image_cache_mb"],
		"video_cache_mb": s.cache["video_cache_mb"],
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if s.failing() {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Failed to clear cache: disk error"})
		return
	}
	images, _ := strconv.ParseBool(r.URL.Query().Get("clear_images"))
	videos, _ := strconv.ParseBool(r.URL.Query().Get("clear_videos"))

	s.mu.Lock()
	s.clearCalls = append(s.clearCalls, r.URL.RawQuery)
	result := s.clearResult
	s.mu.Unlock()

	if !images && !videos {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "No action taken."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"cleared_count":                   result["cleared_count"],
		"skipped_in_progress_count":       result["skipped_in_progress_count"],
		"skipped_awaiting_download_count": result["skipped_awaiting_download_count"],
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.failing() {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "unavailable"})
		return
	}
	s.mu.Lock()
	models := append([]Model(nil), s.models...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	if s.failing() {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Failed to unload models: boom"})
		return
	}
	var req struct {
		ModelNames []string `json:"model_names"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	want := make(map[string]bool, len(req.ModelNames))
	for _, n := range req.ModelNames {
		want[n] = true
	}

	unloaded := []string{}
	skipped := []string{}

	s.mu.Lock()
	for i, m := range s.models {
		if !m.Loaded || (len(want) > 0 && !want[m.Name]) {
			continue
		}
		if m.InUse {
			skipped = append(skipped, m.Name)
			continue
		}
		s.models[i].Loaded = false
		unloaded = append(unloaded, m.Name)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string][]string{"unloaded_models": unloaded, "skipped_models": skipped})
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	loadAll := s.loadAll
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"load_all_on_startup": loadAll})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("image_file")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Could not generate preview from file."})
		return
	}
	defer file.Close()
	content, _ := io.ReadAll(file)

	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(append([]byte("preview:"), content...))
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		s.mu.Lock()
		s.frames = append(s.frames, req)
		reply := s.FrameReply
		s.mu.Unlock()

		text, _ := req["image_b64"].(string)
		if reply != nil {
			text = reply(req)
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
			return
		}
	}
}
