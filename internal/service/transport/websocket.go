package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/livechat/internal/model/chat"
)

// OutboundVisitorMessage is the envelope type used for visitor sends.
const OutboundVisitorMessage = "visitor_message"

// Options tunes websocket connections.
type Options struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

// DefaultOptions returns the connection settings used by the operator relay.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     54 * time.Second,
	}
}

// Envelope is the JSON frame exchanged with the relay.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type outboundBody struct {
	Body string `json:"body"`
}

// WebSocket is a Transport over a gorilla websocket connection.
type WebSocket struct {
	registry

	conn    *websocket.Conn
	opts    Options
	logger  zerolog.Logger
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
}

// NewWebSocket wraps conn and starts its ping loop. Inbound frames stay
// unread until Start, which Subscribe calls once its handlers are registered.
func NewWebSocket(conn *websocket.Conn, opts Options, logger zerolog.Logger) *WebSocket {
	w := &WebSocket{
		conn:   conn,
		opts:   opts,
		logger: logger.With().Str("component", "ws_transport").Logger(),
		done:   make(chan struct{}),
	}

	if opts.PingInterval > 0 {
		go w.pingLoop()
	}
	return w
}

// Start begins reading frames from the relay. Later calls do nothing.
func (w *WebSocket) Start() {
	w.startOnce.Do(func() {
		if w.opts.ReadTimeout > 0 {
			w.conn.SetReadDeadline(time.Now().Add(w.opts.ReadTimeout))
			w.conn.SetPongHandler(func(string) error {
				w.conn.SetReadDeadline(time.Now().Add(w.opts.ReadTimeout))
				return nil
			})
		}
		go w.readLoop()
	})
}

// On subscribes h to event.
func (w *WebSocket) On(event chat.EventName, h Handler) func() {
	return w.add(event, h)
}

// Send writes a visitor message frame.
func (w *WebSocket) Send(body string) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(outboundBody{Body: body})
	if err != nil {
		return err
	}
	return w.writeJSON(Envelope{
		Type:      OutboundVisitorMessage,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// Done is closed once the connection is gone.
func (w *WebSocket) Done() <-chan struct{} {
	return w.done
}

// Close sends a close frame and releases the connection.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.writeMu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}

func (w *WebSocket) writeJSON(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.opts.WriteTimeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.opts.WriteTimeout))
	}
	return w.conn.WriteJSON(v)
}

func (w *WebSocket) readLoop() {
	defer w.Close()

	for {
		var env Envelope
		if err := w.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.logger.Warn().Err(err).Msg("read failed")
			}
			return
		}
		if w.opts.ReadTimeout > 0 {
			w.conn.SetReadDeadline(time.Now().Add(w.opts.ReadTimeout))
		}
		w.handleEnvelope(env)
	}
}

func (w *WebSocket) handleEnvelope(env Envelope) {
	event := chat.EventName(env.Type)
	switch event {
	case chat.EventChatInitiated, chat.EventChatEnded:
		w.dispatch(event, chat.Payload{})
	case chat.EventChatMessage:
		var payload chat.Payload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			w.logger.Warn().Err(err).Msg("invalid chat_message payload")
			return
		}
		w.dispatch(event, payload)
	default:
		w.logger.Debug().Str("type", env.Type).Msg("ignoring unknown frame")
	}
}

func (w *WebSocket) writeDeadline() time.Time {
	if w.opts.WriteTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(w.opts.WriteTimeout)
}

func (w *WebSocket) pingLoop() {
	ticker := time.NewTicker(w.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.writeMu.Lock()
			err := w.conn.WriteControl(websocket.PingMessage, nil, w.writeDeadline())
			w.writeMu.Unlock()
			if err != nil {
				w.Close()
				return
			}
		}
	}
}

// DialLocator locates the transport by dialing the relay. A failed dial means
// the relay is not there yet.
type DialLocator struct {
	url    string
	header http.Header
	opts   Options
	logger zerolog.Logger
}

// NewDialLocator builds a locator for rawURL with the session id added as the
// "session" query parameter.
func NewDialLocator(rawURL, sessionID string, opts Options, logger zerolog.Logger) (*DialLocator, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid transport url %q: %w", rawURL, err)
	}
	if sessionID != "" {
		q := u.Query()
		q.Set("session", sessionID)
		u.RawQuery = q.Encode()
	}
	return &DialLocator{
		url:    u.String(),
		header: http.Header{},
		opts:   opts,
		logger: logger,
	}, nil
}

// URL returns the endpoint dialed by Locate.
func (l *DialLocator) URL() string {
	return l.url
}

// Locate dials the relay once.
func (l *DialLocator) Locate(ctx context.Context) (Transport, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: l.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, l.url, l.header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return NewWebSocket(conn, l.opts, l.logger), nil
}
