package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEClient is a ClientTransport for servers speaking the HTTP+SSE transport: server messages
// arrive on a long-lived Server-Sent Events stream, and client messages are POSTed to the
// endpoint URL announced by the server in an "endpoint" event.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	header     http.Header
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseClientSession struct {
	id         string
	httpClient *http.Client
	header     http.Header
	baseURL    *url.URL
	messageURL string
	logger     *slog.Logger

	messages chan JSONRPCMessage
	cancel   context.CancelFunc
	done     chan struct{}
	closed   chan struct{}
	stopOnce sync.Once
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		header:     make(http.Header),
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the session ends.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientHeader adds a header sent with both the stream request and every POST.
func WithSSEClientHeader(key, value string) SSEClientOption {
	return func(s *SSEClient) {
		s.header.Add(key, value)
	}
}

// WithSSEClientLogger sets the logger of the transport and its sessions.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger
	}
}

// StartSession opens the event stream and waits until the server announces its message
// endpoint. The stream stays open until the session is stopped or the server closes it; ctx
// only bounds the wait for the endpoint.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	baseURL, err := url.Parse(s.connectURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connect URL: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stopAbort := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	setHeaders(req, s.header)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sess := &sseClientSession{
		id:         uuid.New().String(),
		httpClient: s.httpClient,
		header:     s.header,
		baseURL:    baseURL,
		logger:     s.logger,
		messages:   make(chan JSONRPCMessage),
		cancel:     cancel,
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}

	endpoints := make(chan error, 1)
	go sess.listenSSEMessages(resp.Body, s.maxPayloadSize, endpoints)

	select {
	case err := <-endpoints:
		if err != nil {
			sess.Stop()
			return nil, err
		}
	case <-ctx.Done():
		sess.Stop()
		return nil, fmt.Errorf("failed to receive endpoint: %w", ctx.Err())
	}

	if !stopAbort() {
		sess.Stop()
		return nil, fmt.Errorf("failed to receive endpoint: %w", ctx.Err())
	}

	return sess, nil
}

func (s *sseClientSession) listenSSEMessages(body io.ReadCloser, maxPayloadSize int, endpoints chan<- error) {
	defer func() {
		body.Close()
		close(s.closed)
	}()

	var config *sse.ReadConfig
	if maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxPayloadSize,
		}
	}

	announced := false
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", "err", err)
			}
			if !announced {
				reportEndpoint(endpoints, fmt.Errorf("failed to read SSE stream: %w", err))
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			u, err := url.Parse(ev.Data)
			if err != nil {
				reportEndpoint(endpoints, fmt.Errorf("parse endpoint URL: %w", err))
				return
			}
			if u.String() == "" {
				reportEndpoint(endpoints, errors.New("empty endpoint URL"))
				return
			}
			if announced {
				s.logger.Warn("ignoring repeated endpoint event", "url", u.String())
				continue
			}
			// Servers may announce the endpoint relative to the stream URL.
			s.messageURL = s.baseURL.ResolveReference(u).String()
			announced = true
			reportEndpoint(endpoints, nil)
		case "message":
			if !announced {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			select {
			case s.messages <- msg:
			case <-s.done:
				return
			}
		default:
			s.logger.Error("unhandled event type", "type", ev.Type)
		}
	}

	if !announced {
		reportEndpoint(endpoints, errors.New("stream closed before endpoint event"))
	}
}

func (s *sseClientSession) ID() string { return s.id }

// Send transmits a JSON-encoded message to the server through an HTTP POST request.
func (s *sseClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	setHeaders(req, s.header)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func (s *sseClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case <-s.closed:
				return
			case msg := <-s.messages:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
		<-s.closed
	})
}

func reportEndpoint(endpoints chan<- error, err error) {
	select {
	case endpoints <- err:
	default:
	}
}

func setHeaders(req *http.Request, header http.Header) {
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}
