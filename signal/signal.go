// Package signal defines the host-side signals the connectivity layer reacts to: application
// lifecycle transitions and network reachability changes. Hosts inject a source of each; the
// package also ships emitters for hosts that push signals themselves and a Prober that derives
// reachability from TCP dials.
package signal

import (
	"fmt"
	"time"

	"github.com/MegaGrindStone/go-mcp-client/event"
)

// AppState is a lifecycle transition reported by the host application.
type AppState uint8

// Lifecycle transitions.
const (
	AppResumed AppState = iota
	AppInactive
	AppPaused
	AppDetached
)

// NetworkEvent reports a change in network reachability.
type NetworkEvent struct {
	Reachable bool
	At        time.Time
}

// AppSource delivers lifecycle transitions.
type AppSource interface {
	Subscribe(fn func(AppState)) *event.Subscription
}

// NetworkSource delivers reachability changes.
type NetworkSource interface {
	Subscribe(fn func(NetworkEvent)) *event.Subscription
}

// AppEmitter is an AppSource the host publishes into.
type AppEmitter struct {
	b *event.Broadcaster[AppState]
}

// NetworkEmitter is a NetworkSource the host publishes into.
type NetworkEmitter struct {
	b *event.Broadcaster[NetworkEvent]
}

// NewAppEmitter creates an AppEmitter.
func NewAppEmitter() *AppEmitter {
	return &AppEmitter{b: event.NewBroadcaster[AppState]()}
}

// Emit publishes a lifecycle transition.
func (e *AppEmitter) Emit(s AppState) { e.b.Publish(s) }

// Subscribe implements AppSource.
func (e *AppEmitter) Subscribe(fn func(AppState)) *event.Subscription { return e.b.Subscribe(fn) }

// Close ends all subscriptions.
func (e *AppEmitter) Close() { e.b.Close() }

// NewNetworkEmitter creates a NetworkEmitter.
func NewNetworkEmitter() *NetworkEmitter {
	return &NetworkEmitter{b: event.NewBroadcaster[NetworkEvent]()}
}

// Emit publishes a reachability change.
func (e *NetworkEmitter) Emit(reachable bool) {
	e.b.Publish(NetworkEvent{Reachable: reachable, At: time.Now()})
}

// Subscribe implements NetworkSource.
func (e *NetworkEmitter) Subscribe(fn func(NetworkEvent)) *event.Subscription {
	return e.b.Subscribe(fn)
}

// Close ends all subscriptions.
func (e *NetworkEmitter) Close() { e.b.Close() }

func (s AppState) String() string {
	switch s {
	case AppResumed:
		return "resumed"
	case AppInactive:
		return "inactive"
	case AppPaused:
		return "paused"
	case AppDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// ParseAppState converts the lower-case name of a lifecycle transition back to an AppState.
func ParseAppState(s string) (AppState, error) {
	switch s {
	case "resumed":
		return AppResumed, nil
	case "inactive":
		return AppInactive, nil
	case "paused":
		return AppPaused, nil
	case "detached":
		return AppDetached, nil
	default:
		return 0, fmt.Errorf("unknown app state %q", s)
	}
}
