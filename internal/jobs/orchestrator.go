// Package jobs drives one enhancement job per slot from upload to confirmed download.
//
// An Orchestrator owns a single slot (image or video). Submitting uploads the
// file and starts a poll loop; a completed job starts a heartbeat loop that
// keeps the server-side result alive until Download confirms it was saved.
// Every loop is owned by a Handle and tagged with the slot generation, so
// results from a loop that was superseded by Reset or a newer Submit are dropped.
package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/enhance-go/internal/broadcast"
	"github.com/raphaelgruber/enhance-go/internal/client"
	"github.com/raphaelgruber/enhance-go/internal/metrics"
	"github.com/raphaelgruber/enhance-go/internal/models"
)

// Default loop intervals.
const (
	DefaultImagePollInterval = 2 * time.Second
	DefaultVideoPollInterval = 3 * time.Second
	DefaultHeartbeatInterval = 5 * time.Minute
)

// API is the subset of the backend client the orchestrator needs.
type API interface {
	Submit(ctx context.Context, req client.SubmitRequest) (*client.SubmitResponse, error)
	JobStatus(ctx context.Context, kind models.Kind, taskID string) (*client.JobStatus, error)
	Heartbeat(ctx context.Context, taskID string) error
	FetchResult(ctx context.Context, resultPath string) (io.ReadCloser, error)
	ConfirmDownload(ctx context.Context, resultPath string) error
}

// SaveFunc stores a downloaded result under the suggested filename.
type SaveFunc func(name string, r io.Reader) error

// Options configures an Orchestrator.
type Options struct {
	Kind              models.Kind
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Broadcaster       *broadcast.Broadcaster
	Metrics           *metrics.Collector
	Logger            *slog.Logger
}

// State is the client-side view of the slot.
type State string

const (
	StateIdle       State = "idle"
	StatePending    State = State(models.JobStatusPending)
	StateProcessing State = State(models.JobStatusProcessing)
	StateCompleted  State = State(models.JobStatusCompleted)
	StateFailed     State = State(models.JobStatusFailed)
)

// Failure classifies why a job ended in the failed state.
type Failure string

const (
	FailureNone   Failure = ""
	FailureServer Failure = "server"
	FailurePoll   Failure = "poll"
)

// Snapshot is an immutable copy of the slot state.
type Snapshot struct {
	Kind    models.Kind
	State   State
	Job     *models.Job // nil when idle
	Failure Failure

	// Heartbeat lease
	LeaseActive   bool
	LeaseLost     bool
	LeaseError    string
	Heartbeats    int
	LastHeartbeat time.Time

	Downloading bool
}

// Orchestrator manages the job lifecycle for one slot.
type Orchestrator struct {
	api               API
	kind              models.Kind
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	bus               *broadcast.Broadcaster
	metrics           *metrics.Collector
	logger            *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	gen           uint64
	job           *models.Job
	failure       Failure
	poll          *Handle
	heartbeat     *Handle
	leaseLost     bool
	leaseErr      string
	heartbeats    int
	lastHeartbeat time.Time
	downloading   bool
	closed        bool

	watchers broadcast.Latest[Snapshot]
}

// New creates an orchestrator for opts.Kind (image when unset).
func New(api API, opts Options) *Orchestrator {
	kind := opts.Kind
	if kind == "" {
		kind = models.KindImage
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultImagePollInterval
		if kind == models.KindVideo {
			poll = DefaultVideoPollInterval
		}
	}
	hb := opts.HeartbeatInterval
	if hb <= 0 {
		hb = DefaultHeartbeatInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		api:               api,
		kind:              kind,
		pollInterval:      poll,
		heartbeatInterval: hb,
		bus:               opts.Broadcaster,
		metrics:           opts.Metrics,
		logger:            logger.With("kind", string(kind)),
		ctx:               ctx,
		cancel:            cancel,
	}
}

// Kind returns the slot this orchestrator serves.
func (o *Orchestrator) Kind() models.Kind {
	return o.kind
}

// Submit uploads a file and starts tracking the resulting job.
// Any loop belonging to a previous job in this slot is cancelled first.
func (o *Orchestrator) Submit(ctx context.Context, upload models.Upload, params models.Params) error {
	if err := upload.Validate(); err != nil {
		return &SubmissionError{Reason: "please select a non-empty file", Err: err}
	}
	if err := params.Validate(); err != nil {
		return &SubmissionError{Reason: "invalid processing options", Err: err}
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.resetLocked()
	gen := o.gen
	o.notifyLocked()
	o.mu.Unlock()

	start := time.Now()
	resp, err := o.api.Submit(ctx, client.SubmitRequest{Kind: o.kind, Upload: upload, Params: params})
	o.metrics.RecordTransfer(metrics.OpUpload, time.Since(start), upload.Size, err)
	if err != nil {
		reason := client.ErrorDetail(err)
		if reason == "" {
			reason = "failed to start task"
		}
		o.logger.Warn("submit failed", "file", upload.Name, "error", err)
		return &SubmissionError{Reason: reason, Err: err}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if gen != o.gen || o.closed {
		o.logger.Info("submission superseded", "job_id", resp.TaskID)
		return ErrSuperseded
	}

	job := models.NewJob(resp.TaskID, o.kind, params, upload.Name)
	job.Message = resp.Message
	if job.Message == "" {
		job.Message = "Task received and queued."
	}
	o.job = job
	o.poll = startLoop(o.ctx, func(ctx context.Context) { o.pollLoop(ctx, gen, job.ID) })

	o.logger.Info("job submitted", "job_id", job.ID, "task", string(params.Task), "model", params.Model)
	o.bus.Notify(broadcast.JobSubmitted, o.kind, job.ID)
	o.notifyLocked()
	return nil
}

// Reset cancels any loops and discards the current job.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.resetLocked()
	o.notifyLocked()
}

// Close resets the slot, waits for background loops to exit and closes
// every subscription channel.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	poll, hb := o.poll, o.heartbeat
	o.resetLocked()
	o.closed = true
	o.watchers.Close()
	o.mu.Unlock()

	o.cancel()
	poll.Wait()
	hb.Wait()
}

// resetLocked bumps the generation so in-flight loop results are ignored.
func (o *Orchestrator) resetLocked() {
	o.gen++
	o.poll.Stop()
	o.heartbeat.Stop()
	o.poll = nil
	o.heartbeat = nil
	o.job = nil
	o.failure = FailureNone
	o.leaseLost = false
	o.leaseErr = ""
	o.heartbeats = 0
	o.lastHeartbeat = time.Time{}
	o.downloading = false
}

// Snapshot returns the current slot state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	snap := Snapshot{
		Kind:          o.kind,
		State:         StateIdle,
		Failure:       o.failure,
		LeaseActive:   o.heartbeat != nil,
		LeaseLost:     o.leaseLost,
		LeaseError:    o.leaseErr,
		Heartbeats:    o.heartbeats,
		LastHeartbeat: o.lastHeartbeat,
		Downloading:   o.downloading,
	}
	if o.job != nil {
		job := *o.job
		snap.Job = &job
		snap.State = State(job.Status)
	}
	return snap
}

// Subscribe returns a channel that always holds the latest snapshot.
// Intermediate states may be skipped by a slow reader. The returned func
// cancels the subscription.
func (o *Orchestrator) Subscribe() (<-chan Snapshot, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.watchers.Subscribe(o.snapshotLocked())
}

func (o *Orchestrator) notifyLocked() {
	o.watchers.Publish(o.snapshotLocked())
}

// DownloadName returns the local filename for the current result, or "" when idle.
func (o *Orchestrator) DownloadName() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.job == nil {
		return ""
	}
	return o.job.DownloadName()
}

func (o *Orchestrator) pollLoop(ctx context.Context, gen uint64, id string) {
	timer := time.NewTimer(o.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		start := time.Now()
		status, err := o.api.JobStatus(ctx, o.kind, id)
		o.metrics.Since(metrics.OpPoll, start, err)
		if ctx.Err() != nil {
			return
		}
		if !o.applyStatus(gen, status, err) {
			return
		}
		timer.Reset(o.pollInterval)
	}
}

// applyStatus folds one poll result into the job and reports whether polling continues.
func (o *Orchestrator) applyStatus(gen uint64, status *client.JobStatus, err error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if gen != o.gen || o.job == nil {
		return false
	}
	job := o.job
	defer o.notifyLocked()

	if err != nil {
		cause := client.ErrorDetail(err)
		if cause == "" {
			cause = err.Error()
		}
		job.Fail("could not get task status: " + cause)
		o.failure = FailurePoll
		o.poll = nil
		o.logger.Error("status poll failed", "job_id", job.ID, "error", err)
		o.bus.Notify(broadcast.JobFailed, o.kind, job.ID)
		return false
	}

	switch status.Status {
	case models.JobStatusCompleted:
		o.poll = nil
		if status.ResultPath == "" {
			job.Fail("completed without a result path")
			o.failure = FailureServer
			o.logger.Error("completed job has no result path", "job_id", job.ID)
			o.bus.Notify(broadcast.JobFailed, o.kind, job.ID)
			return false
		}
		msg := status.Message
		if msg == "" {
			msg = "Processing complete!"
		}
		job.Complete(status.ResultPath, msg)
		o.heartbeat = startLoop(o.ctx, func(ctx context.Context) { o.heartbeatLoop(ctx, gen, job.ID) })
		o.logger.Info("job completed", "job_id", job.ID, "result_path", status.ResultPath)
		o.bus.Notify(broadcast.JobCompleted, o.kind, job.ID)
		return false

	case models.JobStatusFailed:
		o.poll = nil
		job.Fail(status.Error)
		o.failure = FailureServer
		o.logger.Warn("job failed", "job_id", job.ID, "error", job.ErrorMessage)
		o.bus.Notify(broadcast.JobFailed, o.kind, job.ID)
		return false

	case models.JobStatusProcessing:
		pct := status.ProgressPercent()
		job.Advance(models.JobStatusProcessing, pct, fmt.Sprintf("Processing... %d%%", pct))

	case models.JobStatusPending:
		msg := status.Message
		if msg == "" {
			msg = "Task is pending..."
		}
		job.Advance(models.JobStatusPending, 0, msg)

	default:
		o.logger.Warn("unknown job status", "job_id", job.ID, "status", string(status.Status))
	}
	return true
}

func (o *Orchestrator) heartbeatLoop(ctx context.Context, gen uint64, id string) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		start := time.Now()
		err := o.api.Heartbeat(ctx, id)
		o.metrics.Since(metrics.OpHeartbeat, start, err)
		if ctx.Err() != nil {
			return
		}
		if !o.applyHeartbeat(gen, err) {
			return
		}
		timer.Reset(o.heartbeatInterval)
	}
}

func (o *Orchestrator) applyHeartbeat(gen uint64, err error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if gen != o.gen || o.job == nil || o.job.Downloaded {
		return false
	}
	defer o.notifyLocked()

	if err != nil {
		reason := client.ErrorDetail(err)
		if reason == "" {
			reason = err.Error()
		}
		o.leaseLost = true
		o.leaseErr = reason
		o.heartbeat = nil
		o.logger.Warn("heartbeat failed, result may be evicted", "job_id", o.job.ID, "error", err)
		return false
	}

	o.heartbeats++
	o.lastHeartbeat = time.Now()
	o.logger.Debug("heartbeat sent", "job_id", o.job.ID)
	return true
}

// Download fetches the completed result, hands it to save and confirms the
// download with the backend. The job is marked downloaded, and its heartbeat
// stopped, only after the confirmation succeeds.
func (o *Orchestrator) Download(ctx context.Context, save SaveFunc) error {
	o.mu.Lock()
	switch {
	case o.job == nil || o.job.Status != models.JobStatusCompleted:
		o.mu.Unlock()
		return ErrNoResult
	case o.job.Downloaded:
		o.mu.Unlock()
		return ErrAlreadyDownloaded
	case o.downloading:
		o.mu.Unlock()
		return ErrDownloadInProgress
	}
	o.downloading = true
	gen := o.gen
	id := o.job.ID
	ref := o.job.ResultRef
	name := o.job.DownloadName()
	o.notifyLocked()
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		if gen == o.gen {
			o.downloading = false
			o.notifyLocked()
		}
		o.mu.Unlock()
	}()

	if err := o.fetch(ctx, ref, name, save); err != nil {
		o.logger.Warn("download failed", "job_id", id, "error", err)
		return err
	}

	start := time.Now()
	err := o.api.ConfirmDownload(ctx, ref)
	o.metrics.Since(metrics.OpConfirm, start, err)
	if err != nil {
		o.logger.Warn("confirm download failed", "job_id", id, "error", err)
		return &DownloadError{Stage: StageConfirm, Reason: "could not confirm download with the server", Err: err}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if gen == o.gen && o.job != nil {
		o.job.Downloaded = true
		o.heartbeat.Stop()
		o.heartbeat = nil
		o.logger.Info("download confirmed", "job_id", id, "file", name)
		o.bus.Notify(broadcast.DownloadConfirmed, o.kind, id)
	}
	return nil
}

func (o *Orchestrator) fetch(ctx context.Context, ref, name string, save SaveFunc) (err error) {
	start := time.Now()
	var n int64
	defer func() { o.metrics.RecordTransfer(metrics.OpDownload, time.Since(start), n, err) }()

	body, err := o.api.FetchResult(ctx, ref)
	if err != nil {
		return &DownloadError{Stage: StageFetch, Reason: "the file may have been cleared from server cache", Err: err}
	}
	defer body.Close()

	cr := &countingReader{r: body}
	err = save(name, cr)
	n = cr.n
	if err != nil {
		return &DownloadError{Stage: StageSave, Reason: "could not save " + name, Err: err}
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
