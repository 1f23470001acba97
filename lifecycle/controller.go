// Package lifecycle maps host application lifecycle transitions onto a fleet of sessions.
package lifecycle

import (
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/go-mcp-client/connection"
	"github.com/MegaGrindStone/go-mcp-client/event"
	"github.com/MegaGrindStone/go-mcp-client/signal"
)

// Fleet is the set of sessions a Controller drives. *registry.Registry implements it.
type Fleet interface {
	ApplyResourceMode(mode connection.ResourceMode)
	EnterBackground(keepAlive bool) map[string]error
	EnterForeground() map[string]error
}

// Option configures a Controller.
type Option func(*Controller)

// Controller reacts to lifecycle transitions:
//
//	resumed          -> normal mode, foreground
//	inactive         -> reduced mode
//	paused, detached -> minimal mode, background
//
// In the background, sessions are paused and reconnection is suppressed unless keep-alive is on.
type Controller struct {
	fleet  Fleet
	logger *slog.Logger

	mu         sync.Mutex
	keepAlive  bool
	state      signal.AppState
	background bool

	sub *event.Subscription
}

// WithKeepAlive keeps sessions live while the application is in the background.
func WithKeepAlive(keepAlive bool) Option {
	return func(c *Controller) {
		c.keepAlive = keepAlive
	}
}

// WithLogger sets the logger for the Controller.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController starts applying transitions from src to fleet. A nil src leaves the Controller
// driven by Handle only.
func NewController(src signal.AppSource, fleet Fleet, options ...Option) *Controller {
	c := &Controller{
		fleet:  fleet,
		logger: slog.Default(),
		state:  signal.AppResumed,
	}
	for _, opt := range options {
		opt(c)
	}
	if src != nil {
		c.sub = src.Subscribe(c.Handle)
	}
	return c
}

// State returns the last handled transition.
func (c *Controller) State() signal.AppState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetKeepAlive changes the background keep-alive flag for future transitions.
func (c *Controller) SetKeepAlive(keepAlive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepAlive = keepAlive
}

// Handle applies one transition.
func (c *Controller) Handle(state signal.AppState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Debug("app state changed", "from", c.state, "to", state)
	c.state = state

	switch state {
	case signal.AppResumed:
		c.fleet.ApplyResourceMode(connection.ResourceModeNormal)
		if c.background {
			c.background = false
			c.logFailures("foreground", c.fleet.EnterForeground())
		}
	case signal.AppInactive:
		c.fleet.ApplyResourceMode(connection.ResourceModeReduced)
	case signal.AppPaused, signal.AppDetached:
		c.fleet.ApplyResourceMode(connection.ResourceModeMinimal)
		if !c.background {
			c.background = true
			c.logFailures("background", c.fleet.EnterBackground(c.keepAlive))
		}
	}
}

// Close stops listening to the lifecycle source.
func (c *Controller) Close() {
	c.sub.Cancel()
}

func (c *Controller) logFailures(op string, failures map[string]error) {
	for id, err := range failures {
		c.logger.Warn("lifecycle transition failed for session", "op", op, "session", id, "err", err)
	}
}
