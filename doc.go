// Package mcp implements the client side of the Model Context Protocol (MCP): a reconnectable
// protocol Client and the transports it runs over (stdio pipes, spawned server processes,
// HTTP+SSE and WebSocket). This implementation follows the official specification from
// https://spec.modelcontextprotocol.io/specification/.
//
// The Client is the protocol session managed by the connection package; connection state,
// reconnection and multi-server registries live in the connection, reconnect and registry
// packages.
package mcp
