package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/config"
	"github.com/MegaGrindStone/go-mcp-client/connection"
	"github.com/MegaGrindStone/go-mcp-client/gosdk"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := rootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--log_level", "none"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestSetConfigValue(t *testing.T) {
	type testCase struct {
		name    string
		key     string
		value   string
		check   func(t *testing.T, cfg config.Config)
		wantErr bool
	}

	testCases := []testCase{
		{
			name: "number", key: "maxReconnectAttempts", value: "3",
			check: func(t *testing.T, cfg config.Config) { assert.Equal(t, 3, cfg.MaxReconnectAttempts) },
		},
		{
			name: "bare string", key: "reconnectPolicy", value: "linear",
			check: func(t *testing.T, cfg config.Config) { assert.Equal(t, "linear", cfg.ReconnectPolicy) },
		},
		{
			name: "duration", key: "reconnectInterval", value: "1500",
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, 1500*time.Millisecond, cfg.ReconnectInterval.Std())
			},
		},
		{
			name: "nested", key: "events.logging", value: "false",
			check: func(t *testing.T, cfg config.Config) {
				assert.False(t, cfg.Events.Logging)
				assert.True(t, cfg.Events.Progress)
			},
		},
		{name: "unknown key", key: "colour", value: "blue", wantErr: true},
		{name: "unknown nested key", key: "events.nope", value: "true", wantErr: true},
		{name: "not an object", key: "autoReconnect.x", value: "true", wantErr: true},
		{name: "invalid policy", key: "reconnectPolicy", value: "random", wantErr: true},
		{name: "negative attempts", key: "maxReconnectAttempts", value: "-1", wantErr: true},
		{name: "wrong type", key: "autoReconnect", value: "maybe", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := setConfigValue(config.Defaults(), tc.key, tc.value)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.check(t, cfg)
		})
	}
}

func TestConfigCommands(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, "--store_dir", dir, "config", "set", "maxReconnectAttempts", "3")
	require.NoError(t, err)

	doc := `{"reconnectPolicy":"linear","servers":[` +
		`{"id":"files","priority":2,"transport":{"kind":"stdio","command":"mcp-files"}},` +
		`{"id":"remote","protocol":"sdk","transport":{"kind":"streamable","url":"https://example.com/mcp"}}]}`
	file := filepath.Join(dir, "import.json")
	require.NoError(t, os.WriteFile(file, []byte(doc), 0o600))
	_, err = execute(t, "--store_dir", dir, "config", "import", file)
	require.NoError(t, err)

	out, err := execute(t, "--store_dir", dir, "config", "show")
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "linear", cfg.ReconnectPolicy)
	// import replaces the whole document.
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, "remote", cfg.Servers[1].ID)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"servers":[{"id":"x","transport":{"kind":"stdio"}}]}`), 0o600))
	_, err = execute(t, "--store_dir", dir, "config", "import", bad)
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "mcpfleet v"+version)
}

func TestGetSettings(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		s, err := getSettings(nil, "")
		require.NoError(t, err)
		assert.Equal(t, storeFile, s.Store)
		assert.Equal(t, config.DefaultKey, s.ConfigKey)
		assert.Equal(t, 10*time.Second, s.ProbeInterval)
		assert.Equal(t, 30*time.Second, s.ConnectTimeout)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := getSettings(nil, filepath.Join(t.TempDir(), "absent.yaml"))
		assert.NoError(t, err)
	})

	t.Run("file and environment", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "settings.yaml")
		require.NoError(t, os.WriteFile(file, []byte(
			"store: redis\nredis_addr: cache:6379\nprobe_targets:\n  - example.com:443\nprobe_interval: 1m\n"), 0o600))
		t.Setenv("MCPFLEET_CONFIG_KEY", "edge")

		s, err := getSettings(nil, file)
		require.NoError(t, err)
		assert.Equal(t, storeRedis, s.Store)
		assert.Equal(t, "cache:6379", s.RedisAddr)
		assert.Equal(t, []string{"example.com:443"}, s.ProbeTargets)
		assert.Equal(t, time.Minute, s.ProbeInterval)
		assert.Equal(t, "edge", s.ConfigKey)
	})

	t.Run("unknown store", func(t *testing.T) {
		t.Setenv("MCPFLEET_STORE", "etcd")
		_, err := getSettings(nil, "")
		assert.Error(t, err)
	})
}

func TestBuildFleet(t *testing.T) {
	cfg := config.Defaults()
	cfg.Servers = []config.ServerConfig{
		{ID: "low", Priority: 1, Transport: mcp.TransportConfig{Kind: mcp.TransportStdio, Command: "mcp-low"}},
		{
			ID: "high", Priority: 5, Protocol: config.ProtocolSDK,
			Transport: mcp.TransportConfig{Kind: mcp.TransportStreamable, URL: "https://example.com/mcp"},
		},
		{ID: "ws", Priority: 3, Transport: mcp.TransportConfig{Kind: mcp.TransportWebSocket, URL: "ws://localhost:9000/ws"}},
	}

	fleet, err := buildFleet(cfg, nil, slog.Default())
	require.NoError(t, err)
	defer fleet.DisposeAll()

	var ids []string
	for _, s := range fleet.ListByPriority() {
		ids = append(ids, s.ID())
		assert.Equal(t, connection.StateDisconnected, s.State())
	}
	assert.Equal(t, []string{"high", "ws", "low"}, ids)

	high, ok := fleet.Get("high")
	require.True(t, ok)
	assert.IsType(t, gosdk.Endpoint{}, high.Transport())

	_, ok = fleet.Reconnector("low")
	assert.True(t, ok)

	cfg.Servers = append(cfg.Servers, config.ServerConfig{ID: "low", Transport: cfg.Servers[0].Transport})
	_, err = buildFleet(cfg, nil, slog.Default())
	assert.Error(t, err)
}

func TestProbeTargets(t *testing.T) {
	cfg := config.Defaults()
	cfg.Servers = []config.ServerConfig{
		{ID: "a", Transport: mcp.TransportConfig{Kind: mcp.TransportSSE, URL: "https://api.example.com/sse"}},
		{ID: "b", Transport: mcp.TransportConfig{Kind: mcp.TransportWebSocket, URL: "ws://10.0.0.1:9000/ws"}},
		{ID: "c", Transport: mcp.TransportConfig{Kind: mcp.TransportStreamable, URL: "https://api.example.com/mcp"}},
		{ID: "d", Transport: mcp.TransportConfig{Kind: mcp.TransportStdio, Command: "local"}},
	}

	assert.Equal(t, []string{"api.example.com:443", "10.0.0.1:9000"}, probeTargets(cfg))
}

func TestZerologHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := newSlogLogger(zerolog.New(&buf).Level(zerolog.InfoLevel))

	logger.Debug("hidden")
	assert.Zero(t, buf.Len())

	logger.With("server", "files").WithGroup("req").Warn("slow call",
		"method", "tools/list",
		"took", 1500*time.Millisecond,
		"err", os.ErrDeadlineExceeded,
		slog.Group("peer", "attempt", 2),
	)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "slow call", line["message"])
	assert.Equal(t, "files", line["server"])
	assert.Equal(t, "tools/list", line["req.method"])
	assert.Equal(t, float64(1500), line["req.took"])
	assert.Equal(t, os.ErrDeadlineExceeded.Error(), line["req.err"])
	assert.Equal(t, float64(2), line["req.peer.attempt"])
}
