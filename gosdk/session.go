// Package gosdk runs connection sessions on the official MCP Go SDK client instead of the native
// mcp.Client. Session implements connection.ProtocolSession; Endpoint carries the SDK transport a
// Session dials.
package gosdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/connection"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Option configures a Session.
type Option func(*Session)

// Session is a connection.ProtocolSession backed by an sdk.ClientSession.
type Session struct {
	impl      *sdk.Implementation
	keepAlive time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	cs       *sdk.ClientSession
	listener mcp.SessionListener
	mode     mcp.ResourceMode
	closed   bool
}

const defaultKeepAlive = 30 * time.Second

var errNotEndpoint = errors.New("transport is not a gosdk.Endpoint")

var _ connection.ProtocolSession = (*Session)(nil)

// WithKeepAlive sets the ping interval in ResourceModeNormal. Reduced mode doubles it and
// minimal mode quadruples it. Zero disables keepalive pings. Default: 30s.
func WithKeepAlive(interval time.Duration) Option {
	return func(s *Session) {
		s.keepAlive = interval
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// New creates a Session that identifies itself to servers as info.
func New(info mcp.Info, options ...Option) *Session {
	s := &Session{
		impl:      &sdk.Implementation{Name: info.Name, Version: info.Version},
		keepAlive: defaultKeepAlive,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Connect dials transport, which must be an Endpoint, and completes the initialize handshake.
// The resource mode in effect at this point decides the keepalive interval of the session.
func (s *Session) Connect(ctx context.Context, transport mcp.ClientTransport) error {
	ep, ok := transport.(Endpoint)
	if !ok {
		return errNotEndpoint
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return mcp.ErrClientClosed
	}
	if s.cs != nil {
		s.mu.Unlock()
		return mcp.ErrClientConnected
	}
	mode := s.mode
	s.mu.Unlock()

	client := sdk.NewClient(s.impl, s.clientOptions(mode))
	cs, err := client.Connect(ctx, ep.New(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", ep, err)
	}

	s.mu.Lock()
	if s.closed || s.cs != nil {
		s.mu.Unlock()
		_ = cs.Close()
		if s.closed {
			return mcp.ErrClientClosed
		}
		return mcp.ErrClientConnected
	}
	s.cs = cs
	s.mu.Unlock()

	go s.watch(cs)
	return nil
}

// Disconnect closes the current SDK session. The listener is not told about it.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	cs := s.cs
	s.cs = nil
	s.mu.Unlock()

	if cs == nil {
		return nil
	}
	if err := cs.Close(); err != nil && !errors.Is(err, sdk.ErrConnectionClosed) {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// Close disconnects and makes every later Connect fail with mcp.ErrClientClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return s.Disconnect()
}

// IsConnected reports whether an SDK session is open.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cs != nil
}

// SetListener installs the receiver of notifications and session loss.
func (s *Session) SetListener(l mcp.SessionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// ApplyResourceMode records mode for the next connection. The SDK fixes the keepalive interval
// of a session when it starts.
func (s *Session) ApplyResourceMode(mode mcp.ResourceMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// ServerInfo describes the connected server, or is empty when not connected.
func (s *Session) ServerInfo() mcp.Info {
	s.mu.Lock()
	cs := s.cs
	s.mu.Unlock()

	if cs == nil {
		return mcp.Info{}
	}
	res := cs.InitializeResult()
	if res == nil || res.ServerInfo == nil {
		return mcp.Info{}
	}
	return mcp.Info{Name: res.ServerInfo.Name, Version: res.ServerInfo.Version}
}

func (s *Session) clientOptions(mode mcp.ResourceMode) *sdk.ClientOptions {
	keepAlive := s.keepAlive
	switch mode {
	case mcp.ResourceModeReduced:
		keepAlive *= 2
	case mcp.ResourceModeMinimal:
		keepAlive *= 4
	case mcp.ResourceModeNormal:
	}

	return &sdk.ClientOptions{
		KeepAlive: keepAlive,
		ToolListChangedHandler: func(_ context.Context, req *sdk.ToolListChangedRequest) {
			if l := s.listenerFor(req.Session); l != nil {
				l.OnToolListChanged()
			}
		},
		PromptListChangedHandler: func(_ context.Context, req *sdk.PromptListChangedRequest) {
			if l := s.listenerFor(req.Session); l != nil {
				l.OnPromptListChanged()
			}
		},
		ResourceListChangedHandler: func(_ context.Context, req *sdk.ResourceListChangedRequest) {
			if l := s.listenerFor(req.Session); l != nil {
				l.OnResourceListChanged()
			}
		},
		ResourceUpdatedHandler: func(_ context.Context, req *sdk.ResourceUpdatedNotificationRequest) {
			if l := s.listenerFor(req.Session); l != nil && req.Params != nil {
				l.OnResourceSubscribedChanged(req.Params.URI)
			}
		},
		LoggingMessageHandler: func(_ context.Context, req *sdk.LoggingMessageRequest) {
			l := s.listenerFor(req.Session)
			if l == nil || req.Params == nil {
				return
			}
			var params mcp.LogParams
			if err := remarshal(req.Params, &params); err != nil {
				s.logger.Warn("failed to decode log notification", "err", err)
				return
			}
			l.OnLog(params)
		},
		ProgressNotificationHandler: func(_ context.Context, req *sdk.ProgressNotificationClientRequest) {
			l := s.listenerFor(req.Session)
			if l == nil || req.Params == nil {
				return
			}
			var params mcp.ProgressParams
			if err := remarshal(req.Params, &params); err != nil {
				s.logger.Warn("failed to decode progress notification", "err", err)
				return
			}
			l.OnProgress(params)
		},
	}
}

// listenerFor returns the listener when cs is the current session. Notifications from a session
// that was already replaced are dropped.
func (s *Session) listenerFor(cs *sdk.ClientSession) mcp.SessionListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs == nil || cs != s.cs {
		return nil
	}
	return s.listener
}

// watch reports the end of cs as a loss unless Disconnect already let go of it.
func (s *Session) watch(cs *sdk.ClientSession) {
	err := cs.Wait()

	s.mu.Lock()
	current := s.cs == cs
	if current {
		s.cs = nil
	}
	l := s.listener
	s.mu.Unlock()

	if !current {
		return
	}
	if err == nil {
		err = sdk.ErrConnectionClosed
	}
	s.logger.Warn("sdk session lost", "err", err)
	if l != nil {
		l.OnSessionLost(err)
	}
}

func (s *Session) session() (*sdk.ClientSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cs == nil {
		return nil, mcp.ErrClientNotConnected
	}
	return s.cs, nil
}

// remarshal copies src into dst through their JSON encoding. SDK and native types describe the
// same wire format.
func remarshal(src, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("failed to marshal %T: %w", src, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to unmarshal into %T: %w", dst, err)
	}
	return nil
}

func sdkMeta(meta mcp.ParamsMeta) sdk.Meta {
	if meta.ProgressToken == "" {
		return nil
	}
	return sdk.Meta{"progressToken": string(meta.ProgressToken)}
}
