package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FrameRequest is one captured frame plus the processing options current at send time.
type FrameRequest struct {
	ImageB64           string `json:"image_b64"`
	TaskType           string `json:"task_type"`
	ModelName          string `json:"model_name"`
	ShowFPS            bool   `json:"show_fps"`
	UsePatchProcessing bool   `json:"use_patch_processing"`
}

// FrameReply is the backend's answer to one FrameRequest.
// Either Image is set or Error carries a server-side processing error.
type FrameReply struct {
	Image    []byte
	MIMEType string
	Error    string
}

// ErrStreamClosed is returned by operations on a closed stream.
var ErrStreamClosed = errors.New("stream closed")

// StreamConn is a persistent live-processing connection.
// Send and Receive may be called from different goroutines; each must have a single caller.
type StreamConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// DialStream opens the live-processing WebSocket. It returns once the
// handshake has completed, which is the connection's "ready" signal.
func (c *Client) DialStream(ctx context.Context) (*StreamConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	conn.SetReadLimit(64 << 20)

	return &StreamConn{
		conn:   conn,
		closed: make(chan struct{}),
	}, nil
}

// Send writes one frame request.
func (s *StreamConn) Send(ctx context.Context, req FrameRequest) error {
	select {
	case <-s.closed:
		return ErrStreamClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	if err := s.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

// Receive blocks until the next reply arrives, the connection closes, or ctx is done.
func (s *StreamConn) Receive(ctx context.Context) (*FrameReply, error) {
	// Unblock the read on context cancellation by closing the connection.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-done:
		}
	}()

	msgType, data, err := s.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case <-s.closed:
			return nil, ErrStreamClosed
		default:
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}

	if msgType == websocket.BinaryMessage {
		return &FrameReply{Image: data, MIMEType: "image/jpeg"}, nil
	}
	return parseFrameReply(data)
}

// Close tears down the connection. Safe to call more than once.
func (s *StreamConn) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		// WriteControl is safe to call concurrently with Send.
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

func parseFrameReply(data []byte) (*FrameReply, error) {
	text := strings.TrimSpace(string(data))

	if strings.HasPrefix(text, "data:") {
		mime, img, err := DecodeDataURL(text)
		if err != nil {
			return nil, err
		}
		return &FrameReply{Image: img, MIMEType: mime}, nil
	}

	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		return &FrameReply{Error: payload.Error}, nil
	}
	return nil, fmt.Errorf("unexpected frame payload: %.40q", text)
}

// EncodeDataURL wraps image bytes in a base64 data URL.
func EncodeDataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURL extracts the MIME type and bytes from a base64 data URL.
func DecodeDataURL(s string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, errors.New("not a data url")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errors.New("malformed data url")
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", nil, errors.New("data url is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data url: %w", err)
	}
	return mime, data, nil
}
