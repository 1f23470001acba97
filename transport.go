package mcp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
)

// TransportKind names a transport variant.
type TransportKind string

// Supported transport variants.
const (
	TransportStdio     TransportKind = "stdio"
	TransportSSE       TransportKind = "sse"
	TransportWebSocket TransportKind = "websocket"
	// TransportStreamable is the streamable HTTP transport. Only the gosdk protocol speaks it.
	TransportStreamable TransportKind = "streamable"
)

// TransportConfig describes a transport declaratively, so it can live in persisted
// configuration. Command, Args, Env and Dir apply to TransportStdio; URL and Headers apply to
// the HTTP based kinds.
type TransportConfig struct {
	Kind TransportKind `json:"kind" mapstructure:"kind"`

	Command string            `json:"command,omitempty" mapstructure:"command"`
	Args    []string          `json:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `json:"env,omitempty" mapstructure:"env"`
	Dir     string            `json:"dir,omitempty" mapstructure:"dir"`

	URL            string            `json:"url,omitempty" mapstructure:"url"`
	Headers        map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	MaxPayloadSize int               `json:"maxPayloadSize,omitempty" mapstructure:"max_payload_size"`
}

// Validate reports whether the fields required by Kind are present.
func (c TransportConfig) Validate() error {
	switch c.Kind {
	case TransportStdio:
		if c.Command == "" {
			return errors.New("stdio transport requires a command")
		}
	case TransportSSE, TransportWebSocket, TransportStreamable:
		if c.URL == "" {
			return fmt.Errorf("%s transport requires a url", c.Kind)
		}
	case "":
		return errors.New("transport kind is required")
	default:
		return fmt.Errorf("unknown transport kind %q", c.Kind)
	}
	return nil
}

// String describes the endpoint, for logs.
func (c TransportConfig) String() string {
	if c.Kind == TransportStdio {
		return fmt.Sprintf("%s:%s", c.Kind, strings.Join(append([]string{c.Command}, c.Args...), " "))
	}
	return fmt.Sprintf("%s:%s", c.Kind, c.URL)
}

// NewTransport builds the transport variant selected by cfg.Kind.
func NewTransport(cfg TransportConfig, httpClient *http.Client, logger *slog.Logger) (ClientTransport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Kind {
	case TransportStdio:
		opts := []CommandOption{WithCommandLogger(logger), WithCommandDir(cfg.Dir)}
		if len(cfg.Env) > 0 {
			opts = append(opts, WithCommandEnv(envList(cfg.Env)...))
		}
		return NewCommandTransport(cfg.Command, cfg.Args, opts...), nil
	case TransportSSE:
		opts := []SSEClientOption{WithSSEClientLogger(logger), WithSSEClientMaxPayloadSize(cfg.MaxPayloadSize)}
		for k, v := range cfg.Headers {
			opts = append(opts, WithSSEClientHeader(k, v))
		}
		return NewSSEClient(cfg.URL, httpClient, opts...), nil
	case TransportStreamable:
		return nil, fmt.Errorf("%s transport is not supported by the native client", cfg.Kind)
	default:
		opts := []WebSocketClientOption{WithWebSocketLogger(logger), WithWebSocketMaxPayloadSize(int64(cfg.MaxPayloadSize))}
		for k, v := range cfg.Headers {
			opts = append(opts, WithWebSocketHeader(k, v))
		}
		return NewWebSocketClient(cfg.URL, opts...), nil
	}
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	slices.Sort(list)
	return list
}
