package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements the client side of the Model Context Protocol (MCP) over any
// ClientTransport. A Client can be connected, disconnected and connected again any number of
// times; every Connect starts a fresh transport session and protocol handshake, and all
// per-connection state is discarded on Disconnect.
//
// Server notifications and the loss of the transport session are reported to the
// SessionListener installed with SetListener. The Client monitors connection health through
// periodic pings and reports the session as lost once too many consecutive pings fail.
//
// A Client must be created using NewClient. Close releases it permanently.
type Client struct {
	capabilities ClientCapabilities
	info         Info

	rootsListHandler RootsListHandler
	rootsListUpdater RootsListUpdater

	samplingHandler SamplingHandler

	writeTimeout         time.Duration
	readTimeout          time.Duration
	pingInterval         time.Duration
	pingTimeoutThreshold int

	logger *slog.Logger

	mu       sync.Mutex
	conn     *clientConn
	listener SessionListener
	mode     ResourceMode
	closed   bool
}

type clientConn struct {
	client  *Client
	session Session

	ctx    context.Context
	cancel context.CancelFunc

	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string
	initialized        atomic.Bool

	mu             sync.Mutex
	pending        map[string]chan JSONRPCMessage
	cancels        map[string]context.CancelFunc
	stopping       bool
	sessionStopped bool

	modeChanged chan struct{}
	readDone    chan struct{}
	lostOnce    sync.Once
}

var (
	// ErrClientNotConnected is returned by operations that need an initialized connection.
	ErrClientNotConnected = errors.New("client not connected")
	// ErrClientConnected is returned by Connect while a connection is open or being opened.
	ErrClientConnected = errors.New("client already connected")
	// ErrClientClosed is returned once Close has been called.
	ErrClientClosed = errors.New("client closed")

	errPromptsNotSupported   = errors.New("prompts not supported by server")
	errResourcesNotSupported = errors.New("resources not supported by server")
	errToolsNotSupported     = errors.New("tools not supported by server")
	errLoggingNotSupported   = errors.New("logging not supported by server")
	errRequestTimeout        = errors.New("request timeout")
	errTransportEnded        = errors.New("transport session ended")

	defaultClientWriteTimeout = 30 * time.Second
	defaultClientReadTimeout  = 30 * time.Second
	defaultClientPingInterval = 30 * time.Second

	defaultClientPingTimeoutThreshold = 3
)

// WithRootsListHandler sets the roots list handler for the client.
func WithRootsListHandler(handler RootsListHandler) ClientOption {
	return func(c *Client) {
		c.rootsListHandler = handler
	}
}

// WithRootsListUpdater sets the roots list updater for the client.
func WithRootsListUpdater(updater RootsListUpdater) ClientOption {
	return func(c *Client) {
		c.rootsListUpdater = updater
	}
}

// WithSamplingHandler sets the sampling handler for the client.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
	}
}

// WithClientWriteTimeout sets the write timeout for the client.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientReadTimeout sets how long a request waits for its response.
func WithClientReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithClientPingInterval sets the ping interval used in ResourceModeNormal. Reduced and minimal
// modes stretch it by two and four times.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClientPingTimeoutThreshold sets the ping timeout threshold for the client.
// If the number of consecutive ping failures exceeds the threshold, the session is reported lost.
func WithClientPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingTimeoutThreshold = threshold
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new MCP client identified by info. The client is not connected until
// Connect is called.
func NewClient(info Info, options ...ClientOption) *Client {
	c := &Client{
		info:   info,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.readTimeout == 0 {
		c.readTimeout = defaultClientReadTimeout
	}
	if c.pingInterval == 0 {
		c.pingInterval = defaultClientPingInterval
	}
	if c.pingTimeoutThreshold == 0 {
		c.pingTimeoutThreshold = defaultClientPingTimeoutThreshold
	}

	c.capabilities = ClientCapabilities{}

	if c.rootsListHandler != nil {
		c.capabilities.Roots = &RootsCapability{}
		if c.rootsListUpdater != nil {
			c.capabilities.Roots.ListChanged = true
		}
	}
	if c.samplingHandler != nil {
		c.capabilities.Sampling = &SamplingCapability{}
	}

	return c
}

// Connect starts a session on transport and performs the initialize handshake. It returns once
// the server's initialize result has been accepted, or with an error if the session cannot be
// started, the handshake fails, or ctx is done first. On error nothing is left running.
func (c *Client) Connect(ctx context.Context, transport ClientTransport) error {
	if transport == nil {
		return errors.New("nil transport")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return ErrClientConnected
	}
	cc := &clientConn{
		client:      c,
		pending:     make(map[string]chan JSONRPCMessage),
		cancels:     make(map[string]context.CancelFunc),
		modeChanged: make(chan struct{}, 1),
		readDone:    make(chan struct{}),
	}
	cc.ctx, cc.cancel = context.WithCancel(context.Background())
	c.conn = cc
	c.mu.Unlock()

	if err := cc.open(ctx, transport); err != nil {
		c.mu.Lock()
		if c.conn == cc {
			c.conn = nil
		}
		c.mu.Unlock()
		return err
	}

	return nil
}

// Disconnect ends the current connection. It is a no-op when not connected. The SessionListener
// is not told about a disconnect requested through this method.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	cc := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cc == nil {
		return nil
	}
	cc.shutdown()
	return nil
}

// Close disconnects and makes every later Connect fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	return c.Disconnect()
}

// IsConnected reports whether the handshake has completed on a connection that is still open.
func (c *Client) IsConnected() bool {
	_, err := c.activeConn()
	return err == nil
}

// SetListener installs the receiver of server notifications and session loss. A nil listener
// stops delivery.
func (c *Client) SetListener(l SessionListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// ApplyResourceMode adjusts the background ping cadence of the current and future connections.
func (c *Client) ApplyResourceMode(mode ResourceMode) {
	c.mu.Lock()
	c.mode = mode
	cc := c.conn
	c.mu.Unlock()

	if cc == nil {
		return
	}
	select {
	case cc.modeChanged <- struct{}{}:
	default:
	}
}

// Ping sends a ping request and waits for the server's reply.
func (c *Client) Ping(ctx context.Context) error {
	cc, err := c.activeConn()
	if err != nil {
		return err
	}
	_, err = cc.request(ctx, methodPing, nil)
	return err
}

// ListPrompts retrieves a paginated list of available prompts from the server.
//
// The request can be cancelled via the context. When cancelled, a cancellation
// notification is sent to the server to stop processing.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptResult, error) {
	return clientCall[ListPromptResult](ctx, c, MethodPromptsList, params, supportsPrompts)
}

// GetPrompt retrieves a specific prompt by name with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	return clientCall[GetPromptResult](ctx, c, MethodPromptsGet, params, supportsPrompts)
}

// CompletesPrompt requests completion suggestions for a prompt argument.
func (c *Client) CompletesPrompt(ctx context.Context, params CompletesCompletionParams) (CompletionResult, error) {
	return clientCall[CompletionResult](ctx, c, MethodCompletionComplete, params, supportsPrompts)
}

// ListResources retrieves a paginated list of available resources from the server.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	return clientCall[ListResourcesResult](ctx, c, MethodResourcesList, params, supportsResources)
}

// ReadResource retrieves the content and metadata of a specific resource.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	return clientCall[ReadResourceResult](ctx, c, MethodResourcesRead, params, supportsResources)
}

// ListResourceTemplates retrieves a list of available resource templates from the server.
func (c *Client) ListResourceTemplates(
	ctx context.Context,
	params ListResourceTemplatesParams,
) (ListResourceTemplatesResult, error) {
	return clientCall[ListResourceTemplatesResult](ctx, c, MethodResourcesTemplatesList, params, supportsResources)
}

// CompletesResourceTemplate requests completion suggestions for a resource template argument.
func (c *Client) CompletesResourceTemplate(
	ctx context.Context,
	params CompletesCompletionParams,
) (CompletionResult, error) {
	return clientCall[CompletionResult](ctx, c, MethodCompletionComplete, params, supportsResources)
}

// SubscribeResource registers the client for notifications about changes to a specific resource.
// Updates are delivered to the SessionListener's OnResourceSubscribedChanged.
func (c *Client) SubscribeResource(ctx context.Context, params SubscribeResourceParams) error {
	_, err := clientCall[json.RawMessage](ctx, c, MethodResourcesSubscribe, params, supportsResources)
	return err
}

// UnsubscribeResource unregisters the client for notifications about changes to a specific resource.
func (c *Client) UnsubscribeResource(ctx context.Context, params UnsubscribeResourceParams) error {
	_, err := clientCall[json.RawMessage](ctx, c, MethodResourcesUnsubscribe, params, supportsResources)
	return err
}

// ListTools retrieves a paginated list of available tools from the server.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	return clientCall[ListToolsResult](ctx, c, MethodToolsList, params, supportsTools)
}

// CallTool executes a specific tool and returns its result.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	return clientCall[CallToolResult](ctx, c, MethodToolsCall, params, supportsTools)
}

// SetLogLevel configures the minimum level of log messages the server sends to this client.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	_, err := clientCall[json.RawMessage](ctx, c, MethodLoggingSetLevel, setLogLevelParams{Level: level},
		supportsLogging)
	return err
}

// ServerInfo returns the server's info of the current connection.
func (c *Client) ServerInfo() Info {
	cc, err := c.activeConn()
	if err != nil {
		return Info{}
	}
	return cc.serverInfo
}

// Instructions returns the usage instructions the server sent during initialization.
func (c *Client) Instructions() string {
	cc, err := c.activeConn()
	if err != nil {
		return ""
	}
	return cc.instructions
}

// ServerCapabilities returns the capabilities the server announced on the current connection.
func (c *Client) ServerCapabilities() ServerCapabilities {
	cc, err := c.activeConn()
	if err != nil {
		return ServerCapabilities{}
	}
	return cc.serverCapabilities
}

func (c *Client) activeConn() (*clientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.initialized.Load() {
		return nil, ErrClientNotConnected
	}
	return c.conn, nil
}

func (c *Client) currentListener() SessionListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

func (c *Client) currentPingInterval() time.Duration {
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()

	switch mode {
	case ResourceModeReduced:
		return 2 * c.pingInterval
	case ResourceModeMinimal:
		return 4 * c.pingInterval
	default:
		return c.pingInterval
	}
}

func supportsPrompts(caps ServerCapabilities) error {
	if caps.Prompts == nil {
		return errPromptsNotSupported
	}
	return nil
}

func supportsResources(caps ServerCapabilities) error {
	if caps.Resources == nil {
		return errResourcesNotSupported
	}
	return nil
}

func supportsTools(caps ServerCapabilities) error {
	if caps.Tools == nil {
		return errToolsNotSupported
	}
	return nil
}

func supportsLogging(caps ServerCapabilities) error {
	if caps.Logging == nil {
		return errLoggingNotSupported
	}
	return nil
}

func clientCall[T any](
	ctx context.Context,
	c *Client,
	method string,
	params any,
	supported func(ServerCapabilities) error,
) (T, error) {
	var result T

	cc, err := c.activeConn()
	if err != nil {
		return result, err
	}
	if err := supported(cc.serverCapabilities); err != nil {
		return result, err
	}

	raw, err := cc.request(ctx, method, params)
	if err != nil {
		return result, err
	}
	if len(raw) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal result: %w", err)
	}

	return result, nil
}

func (cc *clientConn) open(ctx context.Context, transport ClientTransport) error {
	c := cc.client

	// Disconnect during StartSession must abort it.
	sCtx, sCancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cc.ctx, sCancel)
	sess, err := transport.StartSession(sCtx)
	stop()
	sCancel()
	if err != nil {
		cc.cancel()
		close(cc.readDone)
		return fmt.Errorf("failed to start session: %w", err)
	}

	cc.mu.Lock()
	if cc.stopping {
		cc.mu.Unlock()
		sess.Stop()
		close(cc.readDone)
		return ErrClientNotConnected
	}
	cc.session = sess
	cc.mu.Unlock()

	go cc.readMessages()

	res, err := cc.request(ctx, methodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	})
	if err != nil {
		cc.shutdown()
		return fmt.Errorf("failed to send initialize request: %w", err)
	}

	if err := cc.handleInitialize(ctx, res); err != nil {
		cc.shutdown()
		return err
	}

	cc.initialized.Store(true)

	go cc.keepAlive()
	if c.rootsListUpdater != nil {
		go cc.listenRootsListUpdates()
	}

	return nil
}

func (cc *clientConn) handleInitialize(ctx context.Context, raw json.RawMessage) error {
	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}

	if result.ProtocolVersion != protocolVersion {
		return fmt.Errorf("%s: %s != %s", errMsgUnsupportedProtocolVersion, result.ProtocolVersion, protocolVersion)
	}

	cc.serverInfo = result.ServerInfo
	cc.serverCapabilities = result.Capabilities
	cc.instructions = result.Instructions

	if err := cc.sendNotification(ctx, methodNotificationsInitialized, nil); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}
	return nil
}

// shutdown stops the connection on request. The listener is not notified.
func (cc *clientConn) shutdown() {
	cc.mu.Lock()
	cc.stopping = true
	cc.mu.Unlock()

	cc.cancel()
	cc.stopSession()
	<-cc.readDone
}

// sessionLost tears the connection down after the transport failed underneath it.
func (cc *clientConn) sessionLost(err error) {
	cc.lostOnce.Do(func() {
		cc.mu.Lock()
		stopping := cc.stopping
		cc.stopping = true
		cc.mu.Unlock()

		if stopping {
			return
		}

		c := cc.client
		c.mu.Lock()
		if c.conn == cc {
			c.conn = nil
		}
		l := c.listener
		c.mu.Unlock()

		cc.cancel()
		go cc.stopSession()

		if !cc.initialized.Load() {
			return
		}
		c.logger.Warn("session lost", "err", err)
		if l != nil {
			l.OnSessionLost(err)
		}
	})
}

func (cc *clientConn) stopSession() {
	cc.mu.Lock()
	sess := cc.session
	if sess == nil || cc.sessionStopped {
		cc.mu.Unlock()
		return
	}
	cc.sessionStopped = true
	cc.mu.Unlock()

	sess.Stop()
}

func (cc *clientConn) readMessages() {
	defer close(cc.readDone)

	for msg := range cc.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			cc.client.logger.Error("invalid jsonrpc version", "version", msg.JSONRPC)
			continue
		}

		switch {
		case msg.Method == "":
			cc.resolve(msg)
		case msg.ID != "":
			go cc.handleRequest(msg)
		default:
			cc.handleNotification(msg)
		}
	}

	cc.sessionLost(errTransportEnded)
}

func (cc *clientConn) resolve(msg JSONRPCMessage) {
	cc.mu.Lock()
	resCh, ok := cc.pending[string(msg.ID)]
	delete(cc.pending, string(msg.ID))
	cc.mu.Unlock()

	if !ok {
		cc.client.logger.Warn("received result for unknown request", "id", msg.ID)
		return
	}
	resCh <- msg
}

func (cc *clientConn) handleRequest(msg JSONRPCMessage) {
	c := cc.client

	ctx, cancel := context.WithCancel(cc.ctx)
	cc.mu.Lock()
	cc.cancels[string(msg.ID)] = cancel
	cc.mu.Unlock()

	defer func() {
		cc.mu.Lock()
		delete(cc.cancels, string(msg.ID))
		cc.mu.Unlock()
		cancel()
	}()

	var (
		result any
		err    error
	)
	switch msg.Method {
	case methodPing:
		result = struct{}{}
	case MethodRootsList:
		if c.rootsListHandler == nil {
			cc.replyMethodNotFound(ctx, msg)
			return
		}
		result, err = c.rootsListHandler.RootsList(ctx)
	case MethodSamplingCreateMessage:
		if c.samplingHandler == nil {
			cc.replyMethodNotFound(ctx, msg)
			return
		}
		var params SamplingParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal sampling params", "err", err)
			if sErr := cc.sendError(ctx, msg.ID, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: err.Error(),
			}); sErr != nil {
				c.logger.Error("failed to send error", "err", sErr)
			}
			return
		}
		result, err = c.samplingHandler.CreateSampleMessage(ctx, params)
	default:
		cc.replyMethodNotFound(ctx, msg)
		return
	}

	if err != nil {
		c.logger.Error("failed to handle request", "method", msg.Method, "err", err)
		if sErr := cc.sendError(ctx, msg.ID, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: errMsgInternalError,
			Data:    map[string]any{"error": err.Error()},
		}); sErr != nil {
			c.logger.Error("failed to send error", "err", sErr)
		}
		return
	}

	if err := cc.sendResult(ctx, msg.ID, result); err != nil {
		c.logger.Error("failed to send result", "method", msg.Method, "err", err)
	}
}

func (cc *clientConn) replyMethodNotFound(ctx context.Context, msg JSONRPCMessage) {
	err := cc.sendError(ctx, msg.ID, JSONRPCError{
		Code:    jsonRPCMethodNotFoundCode,
		Message: errMsgMethodNotFound,
		Data:    map[string]any{"method": msg.Method},
	})
	if err != nil {
		cc.client.logger.Error("failed to send error", "err", err)
	}
}

func (cc *clientConn) handleNotification(msg JSONRPCMessage) {
	c := cc.client

	if msg.Method == methodNotificationsCancelled {
		var params notificationsCancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal cancelled params", "err", err)
			return
		}
		cc.mu.Lock()
		cancel, ok := cc.cancels[params.RequestID]
		cc.mu.Unlock()
		if ok {
			cancel()
		}
		return
	}

	l := c.currentListener()
	if l == nil {
		return
	}

	switch msg.Method {
	case methodNotificationsPromptsListChanged:
		l.OnPromptListChanged()
	case methodNotificationsResourcesListChanged:
		l.OnResourceListChanged()
	case methodNotificationsResourcesUpdated:
		var params notificationsResourcesUpdatedParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal resources updated params", "err", err)
			return
		}
		l.OnResourceSubscribedChanged(params.URI)
	case methodNotificationsToolsListChanged:
		l.OnToolListChanged()
	case methodNotificationsProgress:
		var params ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal progress params", "err", err)
			return
		}
		l.OnProgress(params)
	case methodNotificationsMessage:
		var params LogParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal log params", "err", err)
			return
		}
		l.OnLog(params)
	default:
		c.logger.Debug("unhandled notification", "method", msg.Method)
	}
}

func (cc *clientConn) keepAlive() {
	c := cc.client

	ticker := time.NewTicker(c.currentPingInterval())
	defer ticker.Stop()

	failedPings := 0
	for {
		select {
		case <-cc.ctx.Done():
			return
		case <-cc.modeChanged:
			ticker.Reset(c.currentPingInterval())
		case <-ticker.C:
			pCtx, pCancel := context.WithTimeout(cc.ctx, c.readTimeout)
			_, err := cc.request(pCtx, methodPing, nil)
			pCancel()
			if err == nil {
				failedPings = 0
				continue
			}
			if cc.ctx.Err() != nil {
				return
			}
			failedPings++
			c.logger.Error("failed to send ping", "err", err, "failures", failedPings)
			if failedPings > c.pingTimeoutThreshold {
				cc.sessionLost(fmt.Errorf("too many ping failures: %d", failedPings))
				return
			}
		}
	}
}

func (cc *clientConn) listenRootsListUpdates() {
	for range cc.client.rootsListUpdater.RootsListUpdates() {
		if cc.ctx.Err() != nil {
			return
		}
		if err := cc.sendNotification(cc.ctx, methodNotificationsRootsListChanged, nil); err != nil {
			cc.client.logger.Error("failed to send notification on roots list change", "err", err)
		}
	}
}

func (cc *clientConn) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c := cc.client

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(uuid.New().String()),
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	resCh := make(chan JSONRPCMessage, 1)
	cc.mu.Lock()
	if cc.stopping {
		cc.mu.Unlock()
		return nil, ErrClientNotConnected
	}
	cc.pending[string(msg.ID)] = resCh
	cc.mu.Unlock()

	defer func() {
		cc.mu.Lock()
		delete(cc.pending, string(msg.ID))
		cc.mu.Unlock()
	}()

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	err := cc.session.Send(sCtx, msg)
	sCancel()
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	timer := time.NewTimer(c.readTimeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		if res.Error != nil {
			return nil, fmt.Errorf("result error: %w", res.Error)
		}
		return res.Result, nil
	case <-timer.C:
		return nil, errRequestTimeout
	case <-cc.ctx.Done():
		return nil, ErrClientNotConnected
	case <-ctx.Done():
		err := ctx.Err()
		if !errors.Is(err, context.Canceled) {
			return nil, err
		}
		nErr := cc.sendNotification(cc.ctx, methodNotificationsCancelled, notificationsCancelledParams{
			RequestID: string(msg.ID),
			Reason:    userCancelledReason,
		})
		if nErr != nil {
			err = fmt.Errorf("%w: failed to send notification: %w", err, nErr)
		}
		return nil, err
	}
}

func (cc *clientConn) sendNotification(ctx context.Context, method string, params any) error {
	notif := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		notif.Params = paramsBs
	}

	sCtx, sCancel := context.WithTimeout(ctx, cc.client.writeTimeout)
	defer sCancel()

	if err := cc.session.Send(sCtx, notif); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}

	return nil
}

func (cc *clientConn) sendResult(ctx context.Context, id MustString, result any) error {
	resBs, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}

	sCtx, sCancel := context.WithTimeout(ctx, cc.client.writeTimeout)
	defer sCancel()

	if err := cc.session.Send(sCtx, msg); err != nil {
		return fmt.Errorf("failed to send result: %w", err)
	}

	return nil
}

func (cc *clientConn) sendError(ctx context.Context, id MustString, err JSONRPCError) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &err,
	}

	sCtx, sCancel := context.WithTimeout(ctx, cc.client.writeTimeout)
	defer sCancel()

	if err := cc.session.Send(sCtx, msg); err != nil {
		return fmt.Errorf("failed to send error: %w", err)
	}

	return nil
}
