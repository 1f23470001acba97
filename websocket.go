package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketClient is a ClientTransport that carries one JSON-RPC message per WebSocket text
// frame, using the "mcp" subprotocol.
type WebSocketClient struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
	logger *slog.Logger

	maxPayloadSize int64
	pingInterval   time.Duration
}

// WebSocketClientOption configures a WebSocketClient.
type WebSocketClientOption func(*WebSocketClient)

type webSocketSession struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu  sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

const webSocketSubprotocol = "mcp"

var defaultWebSocketPingInterval = 30 * time.Second

// WithWebSocketDialer replaces the default dialer.
func WithWebSocketDialer(dialer *websocket.Dialer) WebSocketClientOption {
	return func(w *WebSocketClient) {
		w.dialer = dialer
	}
}

// WithWebSocketHeader adds a header sent with the opening handshake.
func WithWebSocketHeader(key, value string) WebSocketClientOption {
	return func(w *WebSocketClient) {
		w.header.Add(key, value)
	}
}

// WithWebSocketMaxPayloadSize limits the size of a single received message.
func WithWebSocketMaxPayloadSize(size int64) WebSocketClientOption {
	return func(w *WebSocketClient) {
		w.maxPayloadSize = size
	}
}

// WithWebSocketPingInterval sets the interval of WebSocket control pings. The read deadline is
// derived from it, so a peer that stops answering ends the session.
func WithWebSocketPingInterval(d time.Duration) WebSocketClientOption {
	return func(w *WebSocketClient) {
		w.pingInterval = d
	}
}

// WithWebSocketLogger sets the logger of the transport and its sessions.
func WithWebSocketLogger(logger *slog.Logger) WebSocketClientOption {
	return func(w *WebSocketClient) {
		w.logger = logger
	}
}

// NewWebSocketClient creates a transport for the ws:// or wss:// url.
func NewWebSocketClient(url string, options ...WebSocketClientOption) *WebSocketClient {
	w := &WebSocketClient{
		url:    url,
		header: make(http.Header),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(w)
	}

	if w.dialer == nil {
		d := *websocket.DefaultDialer
		w.dialer = &d
	}
	if len(w.dialer.Subprotocols) == 0 {
		w.dialer.Subprotocols = []string{webSocketSubprotocol}
	}
	if w.pingInterval == 0 {
		w.pingInterval = defaultWebSocketPingInterval
	}

	return w
}

// StartSession dials the server and completes the WebSocket handshake.
func (w *WebSocketClient) StartSession(ctx context.Context) (Session, error) {
	conn, resp, err := w.dialer.DialContext(ctx, w.url, w.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial websocket (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}

	if w.maxPayloadSize > 0 {
		conn.SetReadLimit(w.maxPayloadSize)
	}

	pongWait := w.pingInterval * 10 / 9 * 2
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s := &webSocketSession{
		id:     uuid.New().String(),
		conn:   conn,
		logger: w.logger,
		done:   make(chan struct{}),
	}
	go s.keepAlive(w.pingInterval)

	return s, nil
}

func (s *webSocketSession) ID() string { return s.id }

func (s *webSocketSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case <-s.done:
		return errSessionStopped
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// A zero deadline means no timeout.
	deadline, _ := ctx.Deadline()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, msgBs); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (s *webSocketSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			msgType, data, err := s.conn.ReadMessage()
			if err != nil {
				select {
				case <-s.done:
				default:
					if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
						!errors.Is(err, websocket.ErrCloseSent) {
						s.logger.Error("failed to read websocket message", "err", err)
					}
				}
				return
			}
			if msgType != websocket.TextMessage {
				s.logger.Warn("ignoring non-text websocket message", "type", msgType)
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}

func (s *webSocketSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)

		// WriteControl may run concurrently with a pending WriteMessage.
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))

		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close websocket", "err", err)
		}
	})
}

func (s *webSocketSession) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval/2))
			if err != nil {
				s.logger.Debug("failed to send websocket ping", "err", err)
			}
		}
	}
}
