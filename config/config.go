// Package config persists the connectivity settings of a client fleet as a JSON blob in a
// key-value Store. Loading never fails: an absent, unreadable or corrupt blob yields Defaults.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/connection"
	"github.com/MegaGrindStone/go-mcp-client/reconnect"
	"github.com/joeshaw/envdecode"
)

// DefaultKey is the key the fleet configuration is stored under.
const DefaultKey = "mcp_client_config"

// Config is the persisted configuration.
type Config struct {
	AutoReconnect        bool     `json:"autoReconnect" env:"MCP_AUTO_RECONNECT,default=true"`
	ReconnectPolicy      string   `json:"reconnectPolicy" env:"MCP_RECONNECT_POLICY,default=exponential"`
	MaxReconnectAttempts int      `json:"maxReconnectAttempts" env:"MCP_MAX_RECONNECT_ATTEMPTS,default=5"`
	ReconnectInterval    Duration `json:"reconnectInterval" env:"MCP_RECONNECT_INTERVAL,default=5s"`
	BackgroundKeepAlive  bool     `json:"backgroundKeepAlive" env:"MCP_BACKGROUND_KEEP_ALIVE,default=false"`
	OperationTimeout     Duration `json:"operationTimeout" env:"MCP_OPERATION_TIMEOUT,default=30s"`
	ConnectTimeout       Duration `json:"connectTimeout" env:"MCP_CONNECT_TIMEOUT,default=30s"`

	Events EventConfig `json:"events"`

	Servers []ServerConfig `json:"servers,omitempty"`
}

// EventConfig selects which server notifications sessions re-publish.
type EventConfig struct {
	ToolListChanged     bool `json:"toolListChanged" env:"MCP_EVENTS_TOOL_LIST_CHANGED,default=true"`
	ResourceListChanged bool `json:"resourceListChanged" env:"MCP_EVENTS_RESOURCE_LIST_CHANGED,default=true"`
	ResourceUpdated     bool `json:"resourceUpdated" env:"MCP_EVENTS_RESOURCE_UPDATED,default=true"`
	PromptListChanged   bool `json:"promptListChanged" env:"MCP_EVENTS_PROMPT_LIST_CHANGED,default=true"`
	Logging             bool `json:"logging" env:"MCP_EVENTS_LOGGING,default=true"`
	Progress            bool `json:"progress" env:"MCP_EVENTS_PROGRESS,default=true"`
}

// ServerConfig declares one server of the fleet.
type ServerConfig struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Priority int    `json:"priority,omitempty"`
	// Protocol selects the protocol client: "native" (default) or "sdk".
	Protocol  string              `json:"protocol,omitempty"`
	Transport mcp.TransportConfig `json:"transport"`
}

// Duration is a time.Duration persisted as a Go duration string. Numbers are read as
// milliseconds.
type Duration time.Duration

// Protocol client variants.
const (
	ProtocolNative = "native"
	ProtocolSDK    = "sdk"
)

// Defaults returns the built-in configuration, overridden by MCP_* environment variables.
// Unparsable environment values are ignored.
func Defaults() Config {
	cfg := builtin()
	decoded := cfg
	if err := envdecode.Decode(&decoded); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		slog.Default().Warn("ignoring invalid MCP_* environment", "err", err)
		return cfg
	}
	return decoded.normalize(cfg)
}

func builtin() Config {
	return Config{
		AutoReconnect:        true,
		ReconnectPolicy:      reconnect.PolicyExponential.String(),
		MaxReconnectAttempts: 5,
		ReconnectInterval:    Duration(5 * time.Second),
		BackgroundKeepAlive:  false,
		OperationTimeout:     Duration(30 * time.Second),
		ConnectTimeout:       Duration(30 * time.Second),
		Events: EventConfig{
			ToolListChanged:     true,
			ResourceListChanged: true,
			ResourceUpdated:     true,
			PromptListChanged:   true,
			Logging:             true,
			Progress:            true,
		},
	}
}

// Load reads the configuration stored under key. It never fails: when the blob is absent, the
// store errors or the blob is not valid JSON, Defaults are returned. Fields missing from the blob
// keep their defaults, and out-of-range values are replaced by them.
func Load(ctx context.Context, store Store, key string) Config {
	return load(ctx, store, key, slog.Default())
}

// LoadWithLogger is Load reporting fallbacks to logger.
func LoadWithLogger(ctx context.Context, store Store, key string, logger *slog.Logger) Config {
	return load(ctx, store, key, logger)
}

func load(ctx context.Context, store Store, key string, logger *slog.Logger) Config {
	defaults := Defaults()

	raw, err := store.Get(ctx, key)
	if err != nil {
		logger.Warn("failed to read config, using defaults", "key", key, "err", err)
		return defaults
	}
	if raw == nil {
		return defaults
	}

	cfg := defaults
	if err := json.Unmarshal(raw, &cfg); err != nil {
		logger.Warn("corrupt config, using defaults", "key", key, "err", err)
		return Defaults()
	}
	return cfg.normalize(defaults)
}

// Save stores cfg under key.
func Save(ctx context.Context, store Store, key string, cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := store.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// Reconnect returns the reconnection policy. AutoReconnect off yields PolicyNone.
func (c Config) Reconnect() reconnect.Config {
	policy, err := reconnect.ParsePolicy(c.ReconnectPolicy)
	if err != nil {
		policy = reconnect.PolicyExponential
	}
	if !c.AutoReconnect {
		policy = reconnect.PolicyNone
	}
	return reconnect.Config{
		Policy:      policy,
		MaxAttempts: c.MaxReconnectAttempts,
		Interval:    time.Duration(c.ReconnectInterval),
	}
}

// SessionOptions returns the connection options derived from c.
func (c Config) SessionOptions() []connection.Option {
	return []connection.Option{
		connection.WithConnectTimeout(time.Duration(c.ConnectTimeout)),
		connection.WithOperationTimeout(time.Duration(c.OperationTimeout)),
		connection.WithNotificationFilter(c.Events.Filter()),
	}
}

// Server returns the server declared with id.
func (c Config) Server(id string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// Validate reports duplicate or incomplete server declarations.
func (c Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Servers))
	var errs []error
	for i, s := range c.Servers {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("server %d: id is required", i))
			continue
		}
		if _, ok := seen[s.ID]; ok {
			errs = append(errs, fmt.Errorf("server %s: duplicate id", s.ID))
		}
		seen[s.ID] = struct{}{}
		switch s.Protocol {
		case "", ProtocolNative:
			if s.Transport.Kind == mcp.TransportStreamable {
				errs = append(errs, fmt.Errorf("server %s: streamable transport requires the sdk protocol", s.ID))
			}
		case ProtocolSDK:
			if s.Transport.Kind == mcp.TransportWebSocket {
				errs = append(errs, fmt.Errorf("server %s: websocket transport requires the native protocol", s.ID))
			}
		default:
			errs = append(errs, fmt.Errorf("server %s: unknown protocol %q", s.ID, s.Protocol))
		}
		if err := s.Transport.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Filter converts the flags to a connection.NotificationFilter.
func (e EventConfig) Filter() connection.NotificationFilter {
	return connection.NotificationFilter{
		ToolListChanged:     e.ToolListChanged,
		ResourceListChanged: e.ResourceListChanged,
		ResourceUpdated:     e.ResourceUpdated,
		PromptListChanged:   e.PromptListChanged,
		Logging:             e.Logging,
		Progress:            e.Progress,
	}
}

func (c Config) normalize(defaults Config) Config {
	if _, err := reconnect.ParsePolicy(c.ReconnectPolicy); err != nil {
		c.ReconnectPolicy = defaults.ReconnectPolicy
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = defaults.ReconnectInterval
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaults.OperationTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	return c
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.Decode(s)
	}
	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(time.Duration(ms * float64(time.Millisecond)))
	return nil
}

// Decode implements envdecode.Decoder.
func (d *Duration) Decode(s string) error {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}
