package gosdk_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/connection"
	"github.com/MegaGrindStone/go-mcp-client/connection/connectiontest"
	"github.com/MegaGrindStone/go-mcp-client/gosdk"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inMemoryServer struct {
	server *sdk.Server

	mu       sync.Mutex
	sessions []*sdk.ServerSession
}

func newServer(t *testing.T) *inMemoryServer {
	t.Helper()
	server := sdk.NewServer(&sdk.Implementation{Name: "test-server", Version: "1.2.3"}, nil)
	server.AddTool(&sdk.Tool{
		Name:        "greet",
		Description: "Says hello",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(_ context.Context, req *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
		var args struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, err
		}
		return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: "hello " + args.Name}}}, nil
	})
	return &inMemoryServer{server: server}
}

func (s *inMemoryServer) endpoint(t *testing.T) gosdk.Endpoint {
	t.Helper()
	return gosdk.Endpoint{
		Name: "in-memory",
		New: func() sdk.Transport {
			ct, st := sdk.NewInMemoryTransports()
			ss, err := s.server.Connect(context.Background(), st, nil)
			require.NoError(t, err)
			s.mu.Lock()
			s.sessions = append(s.sessions, ss)
			s.mu.Unlock()
			return ct
		},
	}
}

func (s *inMemoryServer) last() *sdk.ServerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[len(s.sessions)-1]
}

type listener struct {
	lost  chan error
	tools chan struct{}
	logs  chan mcp.LogParams
}

func newListener() *listener {
	return &listener{
		lost:  make(chan error, 1),
		tools: make(chan struct{}, 8),
		logs:  make(chan mcp.LogParams, 8),
	}
}

func (l *listener) OnPromptListChanged()               {}
func (l *listener) OnResourceListChanged()             {}
func (l *listener) OnResourceSubscribedChanged(string) {}
func (l *listener) OnProgress(mcp.ProgressParams)      {}
func (l *listener) OnToolListChanged()                 { l.tools <- struct{}{} }
func (l *listener) OnLog(params mcp.LogParams)         { l.logs <- params }
func (l *listener) OnSessionLost(err error)            { l.lost <- err }

func TestSessionOperations(t *testing.T) {
	srv := newServer(t)
	s := gosdk.New(mcp.Info{Name: "test-client", Version: "0.0.1"}, gosdk.WithKeepAlive(0))
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, srv.endpoint(t)))
	assert.True(t, s.IsConnected())
	assert.Equal(t, mcp.Info{Name: "test-server", Version: "1.2.3"}, s.ServerInfo())

	require.NoError(t, s.Ping(ctx))

	tools, err := s.ListTools(ctx, mcp.ListToolsParams{})
	require.NoError(t, err)
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "greet", tools.Tools[0].Name)
	assert.Equal(t, "Says hello", tools.Tools[0].Description)

	res, err := s.CallTool(ctx, mcp.CallToolParams{Name: "greet", Arguments: json.RawMessage(`{"name":"gopher"}`)})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "hello gopher", res.Content[0].Text)
	assert.False(t, res.IsError)

	_, err = s.CallTool(ctx, mcp.CallToolParams{Name: "greet", Arguments: json.RawMessage(`[1]`)})
	assert.Error(t, err)

	err = s.Connect(ctx, srv.endpoint(t))
	assert.ErrorIs(t, err, mcp.ErrClientConnected)
}

func TestSessionRequiresEndpoint(t *testing.T) {
	s := gosdk.New(mcp.Info{Name: "test-client"})
	err := s.Connect(context.Background(), connectiontest.Transport{})
	assert.Error(t, err)
	assert.False(t, s.IsConnected())
}

func TestSessionNotConnected(t *testing.T) {
	s := gosdk.New(mcp.Info{Name: "test-client"})
	ctx := context.Background()

	assert.ErrorIs(t, s.Ping(ctx), mcp.ErrClientNotConnected)
	_, err := s.ListTools(ctx, mcp.ListToolsParams{})
	assert.ErrorIs(t, err, mcp.ErrClientNotConnected)
	assert.ErrorIs(t, s.SetLogLevel(ctx, mcp.LogLevelInfo), mcp.ErrClientNotConnected)
	assert.NoError(t, s.Disconnect())
	assert.Equal(t, mcp.Info{}, s.ServerInfo())
}

func TestSessionClosed(t *testing.T) {
	srv := newServer(t)
	s := gosdk.New(mcp.Info{Name: "test-client"})
	require.NoError(t, s.Close())

	err := s.Connect(context.Background(), srv.endpoint(t))
	assert.ErrorIs(t, err, mcp.ErrClientClosed)
}

func TestSessionLost(t *testing.T) {
	srv := newServer(t)
	s := gosdk.New(mcp.Info{Name: "test-client"}, gosdk.WithKeepAlive(0))
	defer s.Close()
	l := newListener()
	s.SetListener(l)

	require.NoError(t, s.Connect(context.Background(), srv.endpoint(t)))
	require.NoError(t, srv.last().Close())

	select {
	case err := <-l.lost:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session loss not reported")
	}
	assert.False(t, s.IsConnected())

	// A requested disconnect is not a loss.
	require.NoError(t, s.Connect(context.Background(), srv.endpoint(t)))
	require.NoError(t, s.Disconnect())
	select {
	case err := <-l.lost:
		t.Fatalf("unexpected session loss: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionNotifications(t *testing.T) {
	srv := newServer(t)
	s := gosdk.New(mcp.Info{Name: "test-client"}, gosdk.WithKeepAlive(0))
	defer s.Close()
	l := newListener()
	s.SetListener(l)

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, srv.endpoint(t)))

	srv.server.AddTool(&sdk.Tool{Name: "later", InputSchema: json.RawMessage(`{"type":"object"}`)},
		func(context.Context, *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
			return &sdk.CallToolResult{}, nil
		})
	select {
	case <-l.tools:
	case <-time.After(2 * time.Second):
		t.Fatal("tool list change not delivered")
	}

	require.NoError(t, s.SetLogLevel(ctx, mcp.LogLevelDebug))
	require.NoError(t, srv.last().Log(ctx, &sdk.LoggingMessageParams{
		Level:  "warning",
		Logger: "disk",
		Data:   "almost full",
	}))
	select {
	case params := <-l.logs:
		assert.Equal(t, mcp.LogLevelWarning, params.Level)
		assert.Equal(t, "disk", params.Logger)
		assert.JSONEq(t, `"almost full"`, string(params.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("log not delivered")
	}
}

func TestSessionDrivesConnection(t *testing.T) {
	srv := newServer(t)
	sess := connection.NewSession(
		gosdk.New(mcp.Info{Name: "test-client"}, gosdk.WithKeepAlive(0)),
		connection.WithID("sdk"),
		connection.WithTransport(srv.endpoint(t)),
	)
	defer func() { _ = sess.Dispose() }()

	lost := make(chan connection.StateEvent, 4)
	sub := sess.SubscribeStates(func(ev connection.StateEvent) {
		if ev.To == connection.StateError {
			lost <- ev
		}
	})
	defer sub.Cancel()

	ctx := context.Background()
	require.NoError(t, sess.Connect(ctx, nil))
	assert.Equal(t, connection.StateConnected, sess.State())

	info, err := sess.ServerInfo()
	require.NoError(t, err)
	assert.Equal(t, "test-server", info.Name)

	tools, err := sess.ListTools(ctx, mcp.ListToolsParams{})
	require.NoError(t, err)
	assert.Len(t, tools.Tools, 1)

	require.NoError(t, srv.last().Close())
	select {
	case ev := <-lost:
		assert.True(t, errors.Is(ev.Err, connection.ErrConnectionLost))
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss not observed")
	}

	// The endpoint is reusable.
	require.NoError(t, sess.Connect(ctx, nil))
	assert.Equal(t, connection.StateConnected, sess.State())
}

func TestNewEndpoint(t *testing.T) {
	type testCase struct {
		name    string
		cfg     mcp.TransportConfig
		wantErr bool
	}

	testCases := []testCase{
		{name: "stdio", cfg: mcp.TransportConfig{Kind: mcp.TransportStdio, Command: "mcp-files"}},
		{name: "sse", cfg: mcp.TransportConfig{Kind: mcp.TransportSSE, URL: "http://localhost/sse"}},
		{
			name: "streamable with headers",
			cfg: mcp.TransportConfig{
				Kind:    mcp.TransportStreamable,
				URL:     "http://localhost/mcp",
				Headers: map[string]string{"Authorization": "Bearer x"},
			},
		},
		{name: "websocket", cfg: mcp.TransportConfig{Kind: mcp.TransportWebSocket, URL: "ws://localhost"}, wantErr: true},
		{name: "invalid", cfg: mcp.TransportConfig{Kind: mcp.TransportSSE}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ep, err := gosdk.NewEndpoint(tc.cfg, nil)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.cfg.String(), ep.String())
			assert.NotNil(t, ep.New())

			_, err = ep.StartSession(context.Background())
			assert.ErrorIs(t, err, gosdk.ErrNativeSession)
		})
	}
}
