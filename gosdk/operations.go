package gosdk

import (
	"context"
	"fmt"

	"github.com/MegaGrindStone/go-mcp-client"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// call runs fn on the current SDK session and converts its result into T.
func call[T any, R any](s *Session, fn func(cs *sdk.ClientSession) (R, error)) (T, error) {
	var result T
	cs, err := s.session()
	if err != nil {
		return result, err
	}
	res, err := fn(cs)
	if err != nil {
		return result, err
	}
	if err := remarshal(res, &result); err != nil {
		return result, fmt.Errorf("failed to convert result: %w", err)
	}
	return result, nil
}

// Ping sends a ping request and waits for the server's reply.
func (s *Session) Ping(ctx context.Context) error {
	cs, err := s.session()
	if err != nil {
		return err
	}
	return cs.Ping(ctx, &sdk.PingParams{})
}

// ListTools retrieves a page of tools.
func (s *Session) ListTools(ctx context.Context, params mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	return call[mcp.ListToolsResult](s, func(cs *sdk.ClientSession) (*sdk.ListToolsResult, error) {
		return cs.ListTools(ctx, &sdk.ListToolsParams{Meta: sdkMeta(params.Meta), Cursor: params.Cursor})
	})
}

// CallTool invokes a tool. Arguments must be a JSON object or empty.
func (s *Session) CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	var args map[string]any
	if len(params.Arguments) > 0 {
		if err := remarshal(params.Arguments, &args); err != nil {
			return mcp.CallToolResult{}, fmt.Errorf("invalid tool arguments: %w", err)
		}
	}
	return call[mcp.CallToolResult](s, func(cs *sdk.ClientSession) (*sdk.CallToolResult, error) {
		return cs.CallTool(ctx, &sdk.CallToolParams{
			Meta:      sdkMeta(params.Meta),
			Name:      params.Name,
			Arguments: args,
		})
	})
}

// ListResources retrieves a page of resources.
func (s *Session) ListResources(ctx context.Context, params mcp.ListResourcesParams) (
	mcp.ListResourcesResult, error,
) {
	return call[mcp.ListResourcesResult](s, func(cs *sdk.ClientSession) (*sdk.ListResourcesResult, error) {
		return cs.ListResources(ctx, &sdk.ListResourcesParams{Meta: sdkMeta(params.Meta), Cursor: params.Cursor})
	})
}

// ReadResource reads the contents of a resource.
func (s *Session) ReadResource(ctx context.Context, params mcp.ReadResourceParams) (mcp.ReadResourceResult, error) {
	return call[mcp.ReadResourceResult](s, func(cs *sdk.ClientSession) (*sdk.ReadResourceResult, error) {
		return cs.ReadResource(ctx, &sdk.ReadResourceParams{Meta: sdkMeta(params.Meta), URI: params.URI})
	})
}

// ListResourceTemplates retrieves a page of resource templates.
func (s *Session) ListResourceTemplates(ctx context.Context, params mcp.ListResourceTemplatesParams) (
	mcp.ListResourceTemplatesResult, error,
) {
	return call[mcp.ListResourceTemplatesResult](s,
		func(cs *sdk.ClientSession) (*sdk.ListResourceTemplatesResult, error) {
			return cs.ListResourceTemplates(ctx, &sdk.ListResourceTemplatesParams{
				Meta:   sdkMeta(params.Meta),
				Cursor: params.Cursor,
			})
		})
}

// SubscribeResource asks the server for updates of a resource.
func (s *Session) SubscribeResource(ctx context.Context, params mcp.SubscribeResourceParams) error {
	cs, err := s.session()
	if err != nil {
		return err
	}
	return cs.Subscribe(ctx, &sdk.SubscribeParams{URI: params.URI})
}

// UnsubscribeResource cancels a subscription made with SubscribeResource.
func (s *Session) UnsubscribeResource(ctx context.Context, params mcp.UnsubscribeResourceParams) error {
	cs, err := s.session()
	if err != nil {
		return err
	}
	return cs.Unsubscribe(ctx, &sdk.UnsubscribeParams{URI: params.URI})
}

// ListPrompts retrieves a page of prompts.
func (s *Session) ListPrompts(ctx context.Context, params mcp.ListPromptsParams) (mcp.ListPromptResult, error) {
	return call[mcp.ListPromptResult](s, func(cs *sdk.ClientSession) (*sdk.ListPromptsResult, error) {
		return cs.ListPrompts(ctx, &sdk.ListPromptsParams{Meta: sdkMeta(params.Meta), Cursor: params.Cursor})
	})
}

// GetPrompt renders a prompt with arguments.
func (s *Session) GetPrompt(ctx context.Context, params mcp.GetPromptParams) (mcp.GetPromptResult, error) {
	return call[mcp.GetPromptResult](s, func(cs *sdk.ClientSession) (*sdk.GetPromptResult, error) {
		return cs.GetPrompt(ctx, &sdk.GetPromptParams{
			Meta:      sdkMeta(params.Meta),
			Name:      params.Name,
			Arguments: params.Arguments,
		})
	})
}

// SetLogLevel sets the minimum level of log notifications the server sends.
func (s *Session) SetLogLevel(ctx context.Context, level mcp.LogLevel) error {
	cs, err := s.session()
	if err != nil {
		return err
	}
	return cs.SetLoggingLevel(ctx, &sdk.SetLoggingLevelParams{Level: sdk.LoggingLevel(level.String())})
}
