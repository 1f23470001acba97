//go:build windows

package main

import "github.com/MegaGrindStone/go-mcp-client/signal"

// notifyLifecycle is a no-op: Windows has no user signals to map.
func notifyLifecycle(*signal.AppEmitter) (stop func()) {
	return func() {}
}
