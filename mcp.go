package mcp

import (
	"context"
	"iter"
)

// ClientTransport provides the client-side communication layer in the MCP protocol.
type ClientTransport interface {
	// StartSession initiates a new session with the server. The returned Session is ready to send
	// messages. Implementations must produce an independent Session on every call so a
	// transport handle can be reused across reconnects. Operations are canceled when the context
	// is canceled, and appropriate errors are returned for connection failures.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional communication channel between client and server.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the other party.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the other party.
	// The implementations should exit the iteration if the session is closed or the underlying
	// stream ends.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. The caller is guaranteed to call this method once.
	Stop()
}

// ResourceMode is an advisory hint about how much background work a connected client may do.
type ResourceMode uint8

// Resource modes, from most to least active.
const (
	ResourceModeNormal ResourceMode = iota
	ResourceModeReduced
	ResourceModeMinimal
)

// RootsListHandler defines the interface for retrieving the list of root resources in the MCP protocol.
// Root resources represent top-level entry points in the resource hierarchy that clients can access.
type RootsListHandler interface {
	// RootsList returns the list of available root resources.
	// Returns error if operation fails or context is cancelled.
	RootsList(ctx context.Context) (RootList, error)
}

// RootsListUpdater provides an interface for monitoring changes to the available roots list.
type RootsListUpdater interface {
	// RootsListUpdates returns an iterator that emits notifications when the root list changes.
	RootsListUpdates() iter.Seq[struct{}]
}

// SamplingHandler provides an interface for generating AI model responses based on conversation history.
type SamplingHandler interface {
	// CreateSampleMessage generates a response message based on the provided conversation history and parameters.
	// Returns error if model selection fails, generation fails, token limit is exceeded, or context is cancelled.
	CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error)
}

// PromptListWatcher receives notifications when the server's prompt list changes.
type PromptListWatcher interface {
	// OnPromptListChanged is called when the server notifies that its prompt list has changed.
	OnPromptListChanged()
}

// ResourceListWatcher receives notifications when the server's resource list changes.
type ResourceListWatcher interface {
	// OnResourceListChanged is called when the server notifies that its resource list has changed.
	OnResourceListChanged()
}

// ResourceSubscribedWatcher receives notifications when a subscribed resource changes.
type ResourceSubscribedWatcher interface {
	// OnResourceSubscribedChanged is called when the server notifies that a subscribed resource has changed.
	OnResourceSubscribedChanged(uri string)
}

// ToolListWatcher receives notifications when the server's tool list changes.
type ToolListWatcher interface {
	// OnToolListChanged is called when the server notifies that its tool list has changed.
	OnToolListChanged()
}

// ProgressListener receives progress updates on long-running operations.
type ProgressListener interface {
	// OnProgress is called when a progress update is received for an operation.
	OnProgress(params ProgressParams)
}

// LogReceiver receives log messages from the server.
type LogReceiver interface {
	// OnLog is called when a log message is received from the server.
	OnLog(params LogParams)
}

// SessionListener receives every server-initiated notification of a connected Client, plus the
// loss of the underlying transport session. Methods are called from the Client's read loop and
// must not block.
type SessionListener interface {
	PromptListWatcher
	ResourceListWatcher
	ResourceSubscribedWatcher
	ToolListWatcher
	ProgressListener
	LogReceiver

	// OnSessionLost is called at most once per connection when the transport session ends
	// without Disconnect being called, or when the server stops answering pings.
	OnSessionLost(err error)
}

// SamplingParams defines the parameters for generating a sampled message.
type SamplingParams struct {
	// Messages contains the conversation history as a sequence of user and assistant messages
	Messages []SamplingMessage `json:"messages"`

	// ModelPreferences controls model selection through cost, speed, and intelligence priorities
	ModelPreferences SamplingModelPreferences `json:"modelPreferences"`

	// SystemPrompts provides system-level instructions to guide the model's behavior
	SystemPrompts string `json:"systemPrompts"`

	// MaxTokens specifies the maximum number of tokens allowed in the generated response
	MaxTokens int `json:"maxTokens"`
}

// SamplingMessage represents a message in the sampling conversation history.
type SamplingMessage struct {
	Role    Role            `json:"role"`
	Content SamplingContent `json:"content"`
}

// SamplingContent represents the content of a sampling message. Either Text or Data should be
// populated based on the content Type.
type SamplingContent struct {
	Type ContentType `json:"type"`

	Text string `json:"text"`

	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// SamplingModelPreferences defines preferences for model selection and behavior.
type SamplingModelPreferences struct {
	Hints []struct {
		Name string `json:"name"`
	} `json:"hints"`
	CostPriority         int `json:"costPriority"`
	SpeedPriority        int `json:"speedPriority"`
	IntelligencePriority int `json:"intelligencePriority"`
}

// SamplingResult represents the output of a sampling operation.
type SamplingResult struct {
	Role       Role            `json:"role"`
	Content    SamplingContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stopReason"`
}

func (m ResourceMode) String() string {
	switch m {
	case ResourceModeNormal:
		return "normal"
	case ResourceModeReduced:
		return "reduced"
	case ResourceModeMinimal:
		return "minimal"
	default:
		return "unknown"
	}
}
