package config_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/config"
	"github.com/MegaGrindStone/go-mcp-client/reconnect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk on fire")
}

func (brokenStore) Set(context.Context, string, []byte) error {
	return errors.New("disk on fire")
}

func TestDefaults(t *testing.T) {
	cfg := config.Defaults()

	assert.True(t, cfg.AutoReconnect)
	assert.Equal(t, "exponential", cfg.ReconnectPolicy)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
	assert.Equal(t, 5*time.Second, cfg.ReconnectInterval.Std())
	assert.False(t, cfg.BackgroundKeepAlive)
	assert.Equal(t, 30*time.Second, cfg.OperationTimeout.Std())
	assert.True(t, cfg.Events.Logging)
	assert.Empty(t, cfg.Servers)
}

func TestDefaultsFromEnvironment(t *testing.T) {
	t.Setenv("MCP_RECONNECT_POLICY", "linear")
	t.Setenv("MCP_MAX_RECONNECT_ATTEMPTS", "9")
	t.Setenv("MCP_RECONNECT_INTERVAL", "250ms")
	t.Setenv("MCP_BACKGROUND_KEEP_ALIVE", "true")
	t.Setenv("MCP_EVENTS_LOGGING", "false")

	cfg := config.Defaults()
	assert.Equal(t, "linear", cfg.ReconnectPolicy)
	assert.Equal(t, 9, cfg.MaxReconnectAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectInterval.Std())
	assert.True(t, cfg.BackgroundKeepAlive)
	assert.False(t, cfg.Events.Logging)
	assert.True(t, cfg.Events.Progress)
}

func TestDefaultsIgnoreInvalidEnvironment(t *testing.T) {
	t.Setenv("MCP_MAX_RECONNECT_ATTEMPTS", "lots")

	cfg := config.Defaults()
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
}

func TestLoad(t *testing.T) {
	type testCase struct {
		name  string
		blob  []byte
		check func(t *testing.T, cfg config.Config)
	}

	testCases := []testCase{
		{
			name: "absent",
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, config.Defaults(), cfg)
			},
		},
		{
			name: "corrupt",
			blob: []byte(`{"autoReconnect": tru`),
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, config.Defaults(), cfg)
			},
		},
		{
			name: "wrong shape",
			blob: []byte(`["not", "an", "object"]`),
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, config.Defaults(), cfg)
			},
		},
		{
			name: "partial",
			blob: []byte(`{"maxReconnectAttempts": 2, "events": {"logging": false}}`),
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, 2, cfg.MaxReconnectAttempts)
				assert.True(t, cfg.AutoReconnect)
				assert.False(t, cfg.Events.Logging)
				assert.True(t, cfg.Events.ToolListChanged)
			},
		},
		{
			name: "milliseconds",
			blob: []byte(`{"reconnectInterval": 1500, "operationTimeout": "2s"}`),
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, 1500*time.Millisecond, cfg.ReconnectInterval.Std())
				assert.Equal(t, 2*time.Second, cfg.OperationTimeout.Std())
			},
		},
		{
			name: "out of range",
			blob: []byte(`{"reconnectPolicy": "random", "maxReconnectAttempts": -1, "reconnectInterval": "0s"}`),
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, "exponential", cfg.ReconnectPolicy)
				assert.Equal(t, 5, cfg.MaxReconnectAttempts)
				assert.Equal(t, 5*time.Second, cfg.ReconnectInterval.Std())
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := config.NewMemoryStore()
			if tc.blob != nil {
				require.NoError(t, store.Set(context.Background(), config.DefaultKey, tc.blob))
			}
			tc.check(t, config.Load(context.Background(), store, config.DefaultKey))
		})
	}
}

func TestLoadStoreFailure(t *testing.T) {
	cfg := config.Load(context.Background(), brokenStore{}, config.DefaultKey)
	assert.Equal(t, config.Defaults(), cfg)

	err := config.Save(context.Background(), brokenStore{}, config.DefaultKey, cfg)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	store := config.NewMemoryStore()
	want := config.Defaults()
	want.ReconnectPolicy = "linear"
	want.ReconnectInterval = config.Duration(750 * time.Millisecond)
	want.Servers = []config.ServerConfig{{
		ID:       "files",
		Priority: 3,
		Transport: mcp.TransportConfig{
			Kind:    mcp.TransportStdio,
			Command: "mcp-files",
			Args:    []string{"--root", "/tmp"},
		},
	}}

	require.NoError(t, config.Save(context.Background(), store, "k", want))

	raw, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, "750ms", generic["reconnectInterval"])

	got := config.Load(context.Background(), store, "k")
	assert.Equal(t, want, got)

	srv, ok := got.Server("files")
	require.True(t, ok)
	assert.Equal(t, 3, srv.Priority)
}

func TestReconnectConversion(t *testing.T) {
	cfg := config.Defaults()
	cfg.ReconnectPolicy = "linear"
	cfg.MaxReconnectAttempts = 7
	cfg.ReconnectInterval = config.Duration(time.Second)

	assert.Equal(t, reconnect.Config{
		Policy:      reconnect.PolicyLinear,
		MaxAttempts: 7,
		Interval:    time.Second,
	}, cfg.Reconnect())

	cfg.AutoReconnect = false
	assert.Equal(t, reconnect.PolicyNone, cfg.Reconnect().Policy)
	assert.Len(t, cfg.SessionOptions(), 3)
}

func TestValidate(t *testing.T) {
	cfg := config.Defaults()
	cfg.Servers = []config.ServerConfig{
		{ID: "a", Transport: mcp.TransportConfig{Kind: mcp.TransportSSE, URL: "http://localhost/sse"}},
		{ID: "a", Transport: mcp.TransportConfig{Kind: mcp.TransportWebSocket, URL: "ws://localhost/ws"}},
		{ID: "", Transport: mcp.TransportConfig{Kind: mcp.TransportStdio, Command: "x"}},
		{ID: "b", Protocol: "grpc", Transport: mcp.TransportConfig{Kind: mcp.TransportStdio}},
		{ID: "c", Transport: mcp.TransportConfig{Kind: mcp.TransportStreamable, URL: "http://localhost/mcp"}},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate id")
	assert.Contains(t, err.Error(), "id is required")
	assert.Contains(t, err.Error(), "unknown protocol")
	assert.Contains(t, err.Error(), "requires a command")
	assert.Contains(t, err.Error(), "requires the sdk protocol")

	cfg.Servers = cfg.Servers[:1]
	assert.NoError(t, cfg.Validate())
}
