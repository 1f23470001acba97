package connection

import (
	"fmt"
	"time"

	"github.com/MegaGrindStone/go-mcp-client"
)

// State is the lifecycle phase of a Session.
type State uint8

// Session states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
	StatePaused
)

// ResourceMode is the advisory resource-usage hint fanned out to sessions.
type ResourceMode = mcp.ResourceMode

// Resource modes.
const (
	ResourceModeNormal  = mcp.ResourceModeNormal
	ResourceModeReduced = mcp.ResourceModeReduced
	ResourceModeMinimal = mcp.ResourceModeMinimal
)

// StateEvent is published on every state change, never for a transition to the same state.
type StateEvent struct {
	SessionID string
	From      State
	To        State
	// Err is the cause of a transition to StateError.
	Err error
	// Requested is set when the transition was caused by an explicit Disconnect or Dispose.
	Requested bool
	At        time.Time
}

// ErrorEvent is published once per connect failure, lost connection or failed protocol
// operation.
type ErrorEvent struct {
	SessionID string
	Op        string
	Err       error
	At        time.Time
}

// NotificationKind identifies a server-initiated notification.
type NotificationKind uint8

// Notification kinds.
const (
	NotificationToolListChanged NotificationKind = iota
	NotificationResourceListChanged
	NotificationResourceUpdated
	NotificationPromptListChanged
	NotificationLog
	NotificationProgress
)

// Notification is a server notification re-published by a Session. URI is set for
// NotificationResourceUpdated, Log for NotificationLog and Progress for NotificationProgress.
type Notification struct {
	SessionID string
	Kind      NotificationKind
	URI       string
	Log       *mcp.LogParams
	Progress  *mcp.ProgressParams
	At        time.Time
}

// NotificationFilter selects which notification kinds a Session re-publishes.
type NotificationFilter struct {
	ToolListChanged     bool `json:"toolListChanged"`
	ResourceListChanged bool `json:"resourceListChanged"`
	ResourceUpdated     bool `json:"resourceUpdated"`
	PromptListChanged   bool `json:"promptListChanged"`
	Logging             bool `json:"logging"`
	Progress            bool `json:"progress"`
}

// AllNotifications enables every notification kind.
func AllNotifications() NotificationFilter {
	return NotificationFilter{
		ToolListChanged:     true,
		ResourceListChanged: true,
		ResourceUpdated:     true,
		PromptListChanged:   true,
		Logging:             true,
		Progress:            true,
	}
}

// Allows reports whether kind passes the filter.
func (f NotificationFilter) Allows(kind NotificationKind) bool {
	switch kind {
	case NotificationToolListChanged:
		return f.ToolListChanged
	case NotificationResourceListChanged:
		return f.ResourceListChanged
	case NotificationResourceUpdated:
		return f.ResourceUpdated
	case NotificationPromptListChanged:
		return f.PromptListChanged
	case NotificationLog:
		return f.Logging
	case NotificationProgress:
		return f.Progress
	default:
		return false
	}
}

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState converts a state name back to a State.
func ParseState(name string) (State, error) {
	for s := StateDisconnected; s <= StatePaused; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

func (k NotificationKind) String() string {
	switch k {
	case NotificationToolListChanged:
		return "tool_list_changed"
	case NotificationResourceListChanged:
		return "resource_list_changed"
	case NotificationResourceUpdated:
		return "resource_updated"
	case NotificationPromptListChanged:
		return "prompt_list_changed"
	case NotificationLog:
		return "log"
	case NotificationProgress:
		return "progress"
	default:
		return "unknown"
	}
}
