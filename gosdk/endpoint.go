package gosdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"slices"

	"github.com/MegaGrindStone/go-mcp-client"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Endpoint is the transport handle a Session dials. It satisfies mcp.ClientTransport so it can be
// bound to a connection.Session, but only a gosdk Session can start sessions on it.
type Endpoint struct {
	// Name describes the endpoint in logs and errors.
	Name string
	// New returns a fresh SDK transport for every connection attempt.
	New func() sdk.Transport
}

// ErrNativeSession is returned when a native client tries to start a session on an Endpoint.
var ErrNativeSession = errors.New("gosdk endpoint can only be dialed by a gosdk session")

// StartSession implements mcp.ClientTransport and always fails.
func (e Endpoint) StartSession(context.Context) (mcp.Session, error) {
	return nil, ErrNativeSession
}

func (e Endpoint) String() string {
	return e.Name
}

// NewEndpoint builds the Endpoint for cfg. The websocket kind has no SDK transport.
func NewEndpoint(cfg mcp.TransportConfig, httpClient *http.Client) (Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return Endpoint{}, fmt.Errorf("invalid transport config: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if len(cfg.Headers) > 0 {
		httpClient = withHeaders(httpClient, cfg.Headers)
	}

	ep := Endpoint{Name: cfg.String()}
	switch cfg.Kind {
	case mcp.TransportStdio:
		ep.New = func() sdk.Transport {
			cmd := exec.Command(cfg.Command, cfg.Args...)
			cmd.Dir = cfg.Dir
			if len(cfg.Env) > 0 {
				cmd.Env = append(os.Environ(), envList(cfg.Env)...)
			}
			return &sdk.CommandTransport{Command: cmd}
		}
	case mcp.TransportSSE:
		ep.New = func() sdk.Transport {
			return &sdk.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient}
		}
	case mcp.TransportStreamable:
		ep.New = func() sdk.Transport {
			return &sdk.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient}
		}
	default:
		return Endpoint{}, fmt.Errorf("%s transport is not supported by the sdk client", cfg.Kind)
	}
	return ep, nil
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

func withHeaders(client *http.Client, headers map[string]string) *http.Client {
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	c := *client
	c.Transport = headerTransport{base: base, headers: headers}
	return &c
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	slices.Sort(list)
	return list
}
