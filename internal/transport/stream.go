package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Stream is one bidirectional connection to the sync endpoint for a room.
// Send may be called concurrently with Receive.
type Stream interface {
	Send(ctx context.Context, f Frame) error
	Receive() (Frame, error)
	Close() error
}

// Dialer opens a Stream for a room.
type Dialer interface {
	Dial(ctx context.Context, roomID, token string) (Stream, error)
}

const defaultWriteWait = 10 * time.Second

// WebSocketDialer dials the relay's websocket endpoint
// <BaseURL>/rooms/<room>/ws. http and https base URLs are mapped to ws and wss.
type WebSocketDialer struct {
	BaseURL   string
	Heartbeat time.Duration
	WriteWait time.Duration
	Dialer    *websocket.Dialer
}

// Dial implements Dialer. The token is sent both as a query parameter and
// as a bearer Authorization header.
func (d *WebSocketDialer) Dial(ctx context.Context, roomID, token string) (Stream, error) {
	target, err := roomURL(d.BaseURL, roomID, token)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial room %s: %w (status %d)", roomID, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial room %s: %w", roomID, err)
	}
	return NewWebSocketStream(conn, d.Heartbeat, d.WriteWait), nil
}

func roomURL(base, roomID, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse sync endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported sync endpoint scheme %q", u.Scheme)
	}
	u.Path = path.Join("/", u.Path, "rooms", url.PathEscape(roomID), "ws")
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// WebSocketStream adapts a gorilla connection to Stream. It pings every
// heartbeat and fails Receive when nothing, pongs included, arrives within
// two heartbeats. A zero heartbeat disables both.
type WebSocketStream struct {
	conn      *websocket.Conn
	heartbeat time.Duration
	writeWait time.Duration

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocketStream wraps conn and starts its heartbeat.
func NewWebSocketStream(conn *websocket.Conn, heartbeat, writeWait time.Duration) *WebSocketStream {
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	s := &WebSocketStream{
		conn:      conn,
		heartbeat: heartbeat,
		writeWait: writeWait,
		done:      make(chan struct{}),
	}

	if heartbeat > 0 {
		s.extendDeadline()
		conn.SetPongHandler(func(string) error {
			s.extendDeadline()
			return nil
		})
		conn.SetPingHandler(func(data string) error {
			s.extendDeadline()
			err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.writeWait))
			if err == websocket.ErrCloseSent {
				return nil
			}
			return err
		})
		go s.pingLoop()
	}
	return s
}

func (s *WebSocketStream) extendDeadline() {
	_ = s.conn.SetReadDeadline(time.Now().Add(2 * s.heartbeat))
}

func (s *WebSocketStream) pingLoop() {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait)); err != nil {
				return
			}
		}
	}
}

// Send implements Stream.
func (s *WebSocketStream) Send(ctx context.Context, f Frame) error {
	deadline := time.Now().Add(s.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.BinaryMessage, f.Encode()); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

// Receive implements Stream. Non-binary messages and unparseable frames
// are skipped.
func (s *WebSocketStream) Receive() (Frame, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if s.heartbeat > 0 {
			s.extendDeadline()
		}
		f, err := DecodeFrame(data)
		if err != nil {
			slog.Warn("dropping frame",
				"component", "transport",
				"action", "bad_frame",
				"error", err,
			)
			continue
		}
		return f, nil
	}
}

// Close implements Stream.
func (s *WebSocketStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

// IsNormalClose reports whether err is a clean close from the peer.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		strings.Contains(fmt.Sprint(err), "use of closed network connection")
}
