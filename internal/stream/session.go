// Package stream runs a paced live-processing session: capture a frame,
// send it, wait for the processed frame, repeat. At most one frame is in
// flight at any time, so the capture rate adapts to backend throughput.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/enhance-go/internal/broadcast"
	"github.com/raphaelgruber/enhance-go/internal/client"
	"github.com/raphaelgruber/enhance-go/internal/metrics"
	"github.com/raphaelgruber/enhance-go/internal/models"
)

// ErrAlreadyStarted is returned by Start while a session is connecting or open.
var ErrAlreadyStarted = errors.New("stream already started")

// Transport is one live connection. *client.StreamConn implements it.
type Transport interface {
	Send(ctx context.Context, req client.FrameRequest) error
	Receive(ctx context.Context) (*client.FrameReply, error)
	Close() error
}

// Dialer opens a Transport. It returns once the connection is ready.
type Dialer func(ctx context.Context) (Transport, error)

// ClientDialer adapts a backend client to a Dialer.
func ClientDialer(c *client.Client) Dialer {
	return func(ctx context.Context) (Transport, error) {
		return c.DialStream(ctx)
	}
}

// FrameSource yields encoded JPEG frames.
type FrameSource interface {
	Next(ctx context.Context) ([]byte, error)
}

// State is the session lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// Frame is one processed frame returned by the backend.
type Frame struct {
	Seq      int
	Image    []byte
	MIMEType string
	Latency  time.Duration
}

// Snapshot is a copy of the session state.
type Snapshot struct {
	ID             string
	State          State
	InFlight       int
	Params         models.Params
	Frames         int
	FrameErrors    int
	LastFrameError string
	Err            string // why the session closed
	StartedAt      time.Time
}

// Options configures a Session.
type Options struct {
	Params      models.Params
	OnFrame     func(Frame)
	Broadcaster *broadcast.Broadcaster
	Metrics     *metrics.Collector
	Logger      *slog.Logger
}

// Session is a restartable live-processing session.
type Session struct {
	dial    Dialer
	source  FrameSource
	onFrame func(Frame)
	bus     *broadcast.Broadcaster
	metrics *metrics.Collector
	logger  *slog.Logger

	mu        sync.Mutex
	gen       uint64
	state     State
	params    models.Params
	id        string
	transport Transport
	cancel    context.CancelFunc
	done      chan struct{}
	inFlight  int
	frames    int
	frameErrs int
	frameErr  string
	err       string
	startedAt time.Time

	watchers broadcast.Latest[Snapshot]
}

// New creates an idle session. Params are defaulted when empty.
func New(dial Dialer, source FrameSource, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		dial:    dial,
		source:  source,
		onFrame: opts.OnFrame,
		bus:     opts.Broadcaster,
		metrics: opts.Metrics,
		logger:  logger,
		state:   StateIdle,
		params:  opts.Params.WithDefaults(),
	}
}

// Snapshot returns the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:             s.id,
		State:          s.state,
		InFlight:       s.inFlight,
		Params:         s.params,
		Frames:         s.frames,
		FrameErrors:    s.frameErrs,
		LastFrameError: s.frameErr,
		Err:            s.err,
		StartedAt:      s.startedAt,
	}
}

// Subscribe returns a channel holding the latest snapshot.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchers.Subscribe(s.snapshotLocked())
}

func (s *Session) notifyLocked() {
	s.watchers.Publish(s.snapshotLocked())
}

// SetParams changes the options used for subsequent frames.
func (s *Session) SetParams(p models.Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p
	s.notifyLocked()
	return nil
}

// Start connects and begins the frame loop in the background.
// It is allowed from idle and closed. Cancelling ctx stops the session.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateConnecting || s.state == StateOpen {
		return ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.id = uuid.New().String()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.inFlight = 0
	s.frames = 0
	s.frameErrs = 0
	s.frameErr = ""
	s.err = ""
	s.startedAt = time.Now()
	s.notifyLocked()

	s.logger.Info("stream connecting", "session_id", s.id)
	go s.run(loopCtx, gen, s.done)
	return nil
}

// Stop tears the session down and returns it to idle. Safe from any state.
func (s *Session) Stop() {
	s.stop(0, false)
}

// stop implements Stop; with onlyGen set it is a no-op unless gen is current.
func (s *Session) stop(gen uint64, onlyGen bool) {
	s.mu.Lock()
	if s.state == StateIdle || (onlyGen && gen != s.gen) {
		s.mu.Unlock()
		return
	}
	wasLive := s.state == StateConnecting || s.state == StateOpen
	s.gen++
	tr := s.teardownLocked()
	s.state = StateIdle
	s.notifyLocked()
	id := s.id
	s.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	if wasLive {
		s.logger.Info("stream stopped", "session_id", id)
		s.bus.Notify(broadcast.StreamStopped, "", id)
	}
}

// Wait blocks until the current frame loop has exited.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// teardownLocked cancels the loop and detaches the transport for closing.
func (s *Session) teardownLocked() Transport {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	tr := s.transport
	s.transport = nil
	s.inFlight = 0
	return tr
}

// fail moves an active session to closed, recording why.
func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	tr := s.teardownLocked()
	s.state = StateClosed
	s.err = err.Error()
	s.notifyLocked()
	id := s.id
	s.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	s.logger.Error("stream closed", "session_id", id, "error", err)
	s.bus.Notify(broadcast.StreamStopped, "", id)
}

func (s *Session) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	// The caller's context ending is a Stop.
	defer s.stop(gen, true)

	tr, err := s.dial(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.fail(gen, fmt.Errorf("connect: %w", err))
		}
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		// Stopped while connecting.
		s.mu.Unlock()
		_ = tr.Close()
		return
	}
	s.transport = tr
	s.state = StateOpen
	s.notifyLocked()
	id := s.id
	s.mu.Unlock()

	s.logger.Info("stream open", "session_id", id)
	s.bus.Notify(broadcast.StreamStarted, "", id)

	for seq := 1; ; seq++ {
		img, err := s.source.Next(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.fail(gen, fmt.Errorf("capture frame: %w", err))
			return
		}

		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		p := s.params
		s.inFlight = 1
		s.mu.Unlock()

		start := time.Now()
		reply, err := s.roundTrip(ctx, tr, client.FrameRequest{
			ImageB64:           client.EncodeDataURL("image/jpeg", img),
			TaskType:           string(p.Task),
			ModelName:          p.Model,
			ShowFPS:            p.ShowFPS,
			UsePatchProcessing: p.UsePatchProcessing,
		})
		latency := time.Since(start)
		s.metrics.RecordTransfer(metrics.OpFrame, latency, int64(len(img)), err)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.fail(gen, err)
			return
		}

		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.inFlight = 0
		s.frames++
		if reply.Error != "" {
			s.frameErrs++
			s.frameErr = reply.Error
		} else {
			s.frameErr = ""
		}
		s.notifyLocked()
		s.mu.Unlock()

		if reply.Error != "" {
			s.logger.Warn("frame rejected", "session_id", id, "error", reply.Error)
			continue
		}
		if s.onFrame != nil {
			s.onFrame(Frame{Seq: seq, Image: reply.Image, MIMEType: reply.MIMEType, Latency: latency})
		}
	}
}

func (s *Session) roundTrip(ctx context.Context, tr Transport, req client.FrameRequest) (*client.FrameReply, error) {
	if err := tr.Send(ctx, req); err != nil {
		return nil, err
	}
	reply, err := tr.Receive(ctx)
	if err != nil {
		return nil, err
	}
	return reply, nil
}
