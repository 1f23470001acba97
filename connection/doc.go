// Package connection manages the lifecycle of a single client session to an MCP server.
//
// A Session moves between StateDisconnected, StateConnecting, StateConnected, StateError and
// StatePaused, driving a ProtocolSession such as *mcp.Client underneath:
//
//	disconnected|error --Connect--> connecting --ok--> connected
//	                                           --fail--> error
//	connected --Pause--> paused --Resume--> connected
//	connected|paused --transport lost--> error
//	any --Disconnect--> disconnected
//
// State changes, errors and server notifications are delivered through explicit subscriptions
// that never block the Session. Dispose is terminal.
package connection
