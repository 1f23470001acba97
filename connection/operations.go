package connection

import (
	"context"
	"fmt"

	"github.com/MegaGrindStone/go-mcp-client"
)

// Protocol operations are gated on StateConnected: a disposed Session fails with ErrDisposed,
// any other state with ErrNotConnected. Each call is bounded by the operation timeout, and a
// failure is also published on the error stream.

// Ping checks the server is alive.
func (s *Session) Ping(ctx context.Context) error {
	_, err := sessionCall(ctx, s, "ping", func(ctx context.Context, p ProtocolSession) (struct{}, error) {
		return struct{}{}, p.Ping(ctx)
	})
	return err
}

// ListTools lists the server's tools.
func (s *Session) ListTools(ctx context.Context, params mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	return sessionCall(ctx, s, "list tools", func(ctx context.Context, p ProtocolSession) (mcp.ListToolsResult, error) {
		return p.ListTools(ctx, params)
	})
}

// CallTool invokes a tool.
func (s *Session) CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	return sessionCall(ctx, s, "call tool", func(ctx context.Context, p ProtocolSession) (mcp.CallToolResult, error) {
		return p.CallTool(ctx, params)
	})
}

// ListResources lists the server's resources.
func (s *Session) ListResources(
	ctx context.Context,
	params mcp.ListResourcesParams,
) (mcp.ListResourcesResult, error) {
	return sessionCall(ctx, s, "list resources",
		func(ctx context.Context, p ProtocolSession) (mcp.ListResourcesResult, error) {
			return p.ListResources(ctx, params)
		})
}

// ReadResource reads one resource.
func (s *Session) ReadResource(
	ctx context.Context,
	params mcp.ReadResourceParams,
) (mcp.ReadResourceResult, error) {
	return sessionCall(ctx, s, "read resource",
		func(ctx context.Context, p ProtocolSession) (mcp.ReadResourceResult, error) {
			return p.ReadResource(ctx, params)
		})
}

// ListResourceTemplates lists the server's resource templates.
func (s *Session) ListResourceTemplates(
	ctx context.Context,
	params mcp.ListResourceTemplatesParams,
) (mcp.ListResourceTemplatesResult, error) {
	return sessionCall(ctx, s, "list resource templates",
		func(ctx context.Context, p ProtocolSession) (mcp.ListResourceTemplatesResult, error) {
			return p.ListResourceTemplates(ctx, params)
		})
}

// SubscribeResource asks the server for updates of one resource.
func (s *Session) SubscribeResource(ctx context.Context, params mcp.SubscribeResourceParams) error {
	_, err := sessionCall(ctx, s, "subscribe resource", func(ctx context.Context, p ProtocolSession) (struct{}, error) {
		return struct{}{}, p.SubscribeResource(ctx, params)
	})
	return err
}

// UnsubscribeResource cancels a resource subscription.
func (s *Session) UnsubscribeResource(ctx context.Context, params mcp.UnsubscribeResourceParams) error {
	_, err := sessionCall(ctx, s, "unsubscribe resource",
		func(ctx context.Context, p ProtocolSession) (struct{}, error) {
			return struct{}{}, p.UnsubscribeResource(ctx, params)
		})
	return err
}

// ListPrompts lists the server's prompts.
func (s *Session) ListPrompts(ctx context.Context, params mcp.ListPromptsParams) (mcp.ListPromptResult, error) {
	return sessionCall(ctx, s, "list prompts", func(ctx context.Context, p ProtocolSession) (mcp.ListPromptResult, error) {
		return p.ListPrompts(ctx, params)
	})
}

// GetPrompt renders one prompt.
func (s *Session) GetPrompt(ctx context.Context, params mcp.GetPromptParams) (mcp.GetPromptResult, error) {
	return sessionCall(ctx, s, "get prompt", func(ctx context.Context, p ProtocolSession) (mcp.GetPromptResult, error) {
		return p.GetPrompt(ctx, params)
	})
}

// SetLogLevel sets the minimum level of log notifications the server sends.
func (s *Session) SetLogLevel(ctx context.Context, level mcp.LogLevel) error {
	_, err := sessionCall(ctx, s, "set log level", func(ctx context.Context, p ProtocolSession) (struct{}, error) {
		return struct{}{}, p.SetLogLevel(ctx, level)
	})
	return err
}

func sessionCall[T any](
	ctx context.Context,
	s *Session,
	op string,
	fn func(context.Context, ProtocolSession) (T, error),
) (T, error) {
	var zero T
	p, err := s.ready()
	if err != nil {
		return zero, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	res, err := fn(ctx, p)
	if err != nil {
		s.ReportError(op, err)
		return zero, fmt.Errorf("failed to %s: %w", op, err)
	}
	return res, nil
}
