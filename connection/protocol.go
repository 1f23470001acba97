package connection

import (
	"context"

	"github.com/MegaGrindStone/go-mcp-client"
)

// ProtocolSession is the protocol client a Session drives. *mcp.Client implements it; the gosdk
// package provides an implementation backed by the official SDK.
type ProtocolSession interface {
	// Connect opens a protocol session over transport and completes the handshake.
	Connect(ctx context.Context, transport mcp.ClientTransport) error
	// Disconnect closes the current protocol session. It must be a no-op when not connected.
	Disconnect() error
	// Close releases the protocol client for good.
	Close() error
	// IsConnected reports whether a handshake-complete session is open.
	IsConnected() bool
	// SetListener installs the receiver of notifications and session loss; nil removes it.
	SetListener(l mcp.SessionListener)
	// ApplyResourceMode passes on the advisory resource-usage hint.
	ApplyResourceMode(mode mcp.ResourceMode)
	// ServerInfo describes the connected server.
	ServerInfo() mcp.Info

	Ping(ctx context.Context) error
	ListTools(ctx context.Context, params mcp.ListToolsParams) (mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error)
	ListResources(ctx context.Context, params mcp.ListResourcesParams) (mcp.ListResourcesResult, error)
	ReadResource(ctx context.Context, params mcp.ReadResourceParams) (mcp.ReadResourceResult, error)
	ListResourceTemplates(ctx context.Context, params mcp.ListResourceTemplatesParams) (
		mcp.ListResourceTemplatesResult, error)
	SubscribeResource(ctx context.Context, params mcp.SubscribeResourceParams) error
	UnsubscribeResource(ctx context.Context, params mcp.UnsubscribeResourceParams) error
	ListPrompts(ctx context.Context, params mcp.ListPromptsParams) (mcp.ListPromptResult, error)
	GetPrompt(ctx context.Context, params mcp.GetPromptParams) (mcp.GetPromptResult, error)
	SetLogLevel(ctx context.Context, level mcp.LogLevel) error
}

var _ ProtocolSession = (*mcp.Client)(nil)
