// Package connectiontest provides in-memory fakes for exercising connection.Session and the
// packages built on it.
package connectiontest

import (
	"context"
	"errors"
	"sync"

	"github.com/MegaGrindStone/go-mcp-client"
)

// Protocol is a scriptable connection.ProtocolSession.
type Protocol struct {
	mu          sync.Mutex
	connectErr  error
	discErr     error
	gate        chan struct{}
	opErr       error
	connected   bool
	closed      bool
	listener    mcp.SessionListener
	mode        mcp.ResourceMode
	connects    int
	disconnects int
	transports  []mcp.ClientTransport

	info  mcp.Info
	tools []mcp.Tool
}

// Transport is a placeholder transport. Protocol never starts sessions on it.
type Transport struct {
	Name string
}

var errFakeTransport = errors.New("connectiontest: transport is not dialable")

// NewProtocol returns a Protocol whose server identifies as info and serves tools.
func NewProtocol(info mcp.Info, tools ...mcp.Tool) *Protocol {
	return &Protocol{info: info, tools: tools}
}

// StartSession always fails; Transport exists to be bound to sessions.
func (Transport) StartSession(context.Context) (mcp.Session, error) {
	return nil, errFakeTransport
}

// FailConnect makes subsequent Connect calls return err. A nil err restores success.
func (p *Protocol) FailConnect(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

// FailDisconnect makes subsequent Disconnect calls return err after dropping the connection.
func (p *Protocol) FailDisconnect(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discErr = err
}

// FailOperations makes subsequent protocol operations return err.
func (p *Protocol) FailOperations(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opErr = err
}

// Hold makes subsequent Connect calls block until Release or until their context ends.
func (p *Protocol) Hold() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = make(chan struct{})
}

// Release unblocks held Connect calls.
func (p *Protocol) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gate != nil {
		close(p.gate)
		p.gate = nil
	}
}

// Lose drops the connection underneath and reports it to the listener, like a crashed server.
func (p *Protocol) Lose(err error) {
	p.mu.Lock()
	p.connected = false
	l := p.listener
	p.mu.Unlock()
	if l != nil {
		l.OnSessionLost(err)
	}
}

// Listener returns the installed listener, for emitting notifications.
func (p *Protocol) Listener() mcp.SessionListener {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listener
}

// Connects returns how many Connect calls were made.
func (p *Protocol) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// Disconnects returns how many Disconnect calls were made.
func (p *Protocol) Disconnects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnects
}

// Closed reports whether Close was called.
func (p *Protocol) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Mode returns the last applied resource mode.
func (p *Protocol) Mode() mcp.ResourceMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// LastTransport returns the transport of the latest Connect call.
func (p *Protocol) LastTransport() mcp.ClientTransport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.transports) == 0 {
		return nil
	}
	return p.transports[len(p.transports)-1]
}

// Connect implements connection.ProtocolSession.
func (p *Protocol) Connect(ctx context.Context, transport mcp.ClientTransport) error {
	p.mu.Lock()
	p.connects++
	p.transports = append(p.transports, transport)
	gate := p.gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		return p.connectErr
	}
	if p.connected {
		return mcp.ErrClientConnected
	}
	p.connected = true
	return nil
}

// Disconnect implements connection.ProtocolSession.
func (p *Protocol) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	p.connected = false
	return p.discErr
}

// Close implements connection.ProtocolSession.
func (p *Protocol) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	p.closed = true
	return nil
}

// IsConnected implements connection.ProtocolSession.
func (p *Protocol) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// SetListener implements connection.ProtocolSession.
func (p *Protocol) SetListener(l mcp.SessionListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
}

// ApplyResourceMode implements connection.ProtocolSession.
func (p *Protocol) ApplyResourceMode(mode mcp.ResourceMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
}

// ServerInfo implements connection.ProtocolSession.
func (p *Protocol) ServerInfo() mcp.Info {
	return p.info
}

// Ping implements connection.ProtocolSession.
func (p *Protocol) Ping(ctx context.Context) error {
	return p.check(ctx)
}

// ListTools implements connection.ProtocolSession.
func (p *Protocol) ListTools(ctx context.Context, _ mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	if err := p.check(ctx); err != nil {
		return mcp.ListToolsResult{}, err
	}
	return mcp.ListToolsResult{Tools: p.tools}, nil
}

// CallTool implements connection.ProtocolSession. It answers with the tool name as text.
func (p *Protocol) CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	if err := p.check(ctx); err != nil {
		return mcp.CallToolResult{}, err
	}
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: params.Name}},
	}, nil
}

// ListResources implements connection.ProtocolSession.
func (p *Protocol) ListResources(ctx context.Context, _ mcp.ListResourcesParams) (mcp.ListResourcesResult, error) {
	return mcp.ListResourcesResult{}, p.check(ctx)
}

// ReadResource implements connection.ProtocolSession.
func (p *Protocol) ReadResource(ctx context.Context, _ mcp.ReadResourceParams) (mcp.ReadResourceResult, error) {
	return mcp.ReadResourceResult{}, p.check(ctx)
}

// ListResourceTemplates implements connection.ProtocolSession.
func (p *Protocol) ListResourceTemplates(
	ctx context.Context,
	_ mcp.ListResourceTemplatesParams,
) (mcp.ListResourceTemplatesResult, error) {
	return mcp.ListResourceTemplatesResult{}, p.check(ctx)
}

// SubscribeResource implements connection.ProtocolSession.
func (p *Protocol) SubscribeResource(ctx context.Context, _ mcp.SubscribeResourceParams) error {
	return p.check(ctx)
}

// UnsubscribeResource implements connection.ProtocolSession.
func (p *Protocol) UnsubscribeResource(ctx context.Context, _ mcp.UnsubscribeResourceParams) error {
	return p.check(ctx)
}

// ListPrompts implements connection.ProtocolSession.
func (p *Protocol) ListPrompts(ctx context.Context, _ mcp.ListPromptsParams) (mcp.ListPromptResult, error) {
	return mcp.ListPromptResult{}, p.check(ctx)
}

// GetPrompt implements connection.ProtocolSession.
func (p *Protocol) GetPrompt(ctx context.Context, _ mcp.GetPromptParams) (mcp.GetPromptResult, error) {
	return mcp.GetPromptResult{}, p.check(ctx)
}

// SetLogLevel implements connection.ProtocolSession.
func (p *Protocol) SetLogLevel(ctx context.Context, _ mcp.LogLevel) error {
	return p.check(ctx)
}

func (p *Protocol) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return mcp.ErrClientNotConnected
	}
	return p.opErr
}
