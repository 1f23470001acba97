package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/config"
	"github.com/MegaGrindStone/go-mcp-client/connection"
	"github.com/MegaGrindStone/go-mcp-client/gosdk"
	"github.com/MegaGrindStone/go-mcp-client/registry"
	"github.com/MegaGrindStone/go-mcp-client/signal"
	"github.com/redis/go-redis/v9"
)

var clientInfo = mcp.Info{Name: "mcpfleet", Version: version}

// openStore returns the configured Store with its Watcher, and a func releasing them.
func openStore(s settings, logger *slog.Logger) (*storeHandle, error) {
	switch s.Store {
	case storeRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{s.RedisAddr},
			DB:    s.RedisDB,
		})
		store, err := config.NewRedisStore(client, config.WithRedisStoreLogger(logger))
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &storeHandle{Store: store, Watcher: store, close: func() { _ = client.Close() }}, nil
	default:
		store := config.NewFileStore(s.StoreDir, config.WithFileStoreLogger(logger))
		return &storeHandle{Store: store, Watcher: store, close: func() {}}, nil
	}
}

type storeHandle struct {
	config.Store
	config.Watcher
	close func()
}

func (h *storeHandle) Close() {
	h.close()
}

// newSession builds the Session serving srv with the protocol client it selects.
func newSession(srv config.ServerConfig, cfg config.Config, logger *slog.Logger) (*connection.Session, error) {
	logger = logger.With("server", srv.ID)

	var (
		protocol  connection.ProtocolSession
		transport mcp.ClientTransport
		err       error
	)
	switch srv.Protocol {
	case config.ProtocolSDK:
		transport, err = gosdk.NewEndpoint(srv.Transport, nil)
		protocol = gosdk.New(clientInfo, gosdk.WithLogger(logger))
	default:
		transport, err = mcp.NewTransport(srv.Transport, nil, logger)
		protocol = mcp.NewClient(clientInfo, mcp.WithClientLogger(logger))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build transport for %s: %w", srv.ID, err)
	}

	name := srv.Name
	if name == "" {
		name = srv.ID
	}
	opts := append([]connection.Option{
		connection.WithID(srv.ID),
		connection.WithInfo(mcp.Info{Name: name}),
		connection.WithTransport(transport),
		connection.WithLogger(logger),
	}, cfg.SessionOptions()...)
	return connection.NewSession(protocol, opts...), nil
}

// buildFleet registers a Session for every server in cfg. With network nil, reconnection only
// reacts to session failures.
func buildFleet(cfg config.Config, network signal.NetworkSource, logger *slog.Logger) (*registry.Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fleet config: %w", err)
	}

	fleet := registry.New(
		registry.WithReconnect(cfg.Reconnect(), network),
		registry.WithLogger(logger),
	)
	for _, srv := range cfg.Servers {
		s, err := newSession(srv, cfg, logger)
		if err != nil {
			fleet.DisposeAll()
			return nil, err
		}
		if err := fleet.Register(srv.ID, s, srv.Priority); err != nil {
			_ = s.Dispose()
			fleet.DisposeAll()
			return nil, fmt.Errorf("failed to register %s: %w", srv.ID, err)
		}
	}
	return fleet, nil
}

// probeTargets lists the host:port of every network server in cfg.
func probeTargets(cfg config.Config) []string {
	seen := make(map[string]struct{})
	var targets []string
	for _, srv := range cfg.Servers {
		if srv.Transport.URL == "" {
			continue
		}
		u, err := url.Parse(srv.Transport.URL)
		if err != nil || u.Hostname() == "" {
			continue
		}
		port := u.Port()
		if port == "" {
			switch u.Scheme {
			case "https", "wss":
				port = "443"
			default:
				port = "80"
			}
		}
		target := net.JoinHostPort(u.Hostname(), port)
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		targets = append(targets, target)
	}
	return targets
}

// connectAll connects every registered session and logs the ones that failed.
func connectAll(ctx context.Context, fleet *registry.Registry, logger *slog.Logger) int {
	failures := fleet.ConnectAll(ctx)
	for id, err := range failures {
		logger.Warn("failed to connect", "server", id, "err", err)
	}
	return len(failures)
}
