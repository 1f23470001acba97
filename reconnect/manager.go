package reconnect

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/connection"
	"github.com/MegaGrindStone/go-mcp-client/event"
	"github.com/MegaGrindStone/go-mcp-client/signal"
)

// Target is the session a Manager keeps connected. *connection.Session implements it.
type Target interface {
	ID() string
	State() connection.State
	Transport() mcp.ClientTransport
	Connect(ctx context.Context, transport mcp.ClientTransport) error
	SubscribeStates(fn func(connection.StateEvent)) *event.Subscription
	ReportError(op string, err error)
}

// Option configures a Manager.
type Option func(*Manager)

// EventKind identifies a Manager event.
type EventKind uint8

// Manager events.
const (
	// EventScheduled is published when an attempt is armed. Delay is its wait.
	EventScheduled EventKind = iota
	// EventAttempt is published when an attempt starts.
	EventAttempt
	// EventFailed is published when an attempt fails. Err is the cause.
	EventFailed
	// EventExhausted is published once when the attempt budget runs out.
	EventExhausted
	// EventCancelled is published when a pending attempt is cancelled before firing.
	EventCancelled
)

// Event reports Manager activity.
type Event struct {
	SessionID   string
	Kind        EventKind
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Err         error
	At          time.Time
}

// Manager reacts to a Target's state changes and to network signals by scheduling reconnection
// attempts. At most one attempt is pending and at most one is in progress at any time.
type Manager struct {
	target  Target
	network signal.NetworkSource
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	cfg        Config
	attempts   int
	timer      *time.Timer
	timerGen   uint64
	inProgress bool
	background bool
	exhausted  bool
	disposed   bool

	stateSub *event.Subscription
	netSub   *event.Subscription
	events   *event.Broadcaster[Event]
}

type scheduleMode uint8

const (
	scheduleBackoff scheduleMode = iota
	scheduleImmediate
	// scheduleForced ignores the budget and does not count against it.
	scheduleForced
)

// WithNetwork makes the Manager react to network-regained signals from src.
func WithNetwork(src signal.NetworkSource) Option {
	return func(m *Manager) {
		m.network = src
	}
}

// WithLogger sets the logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager starts managing target under cfg. The Manager holds no ownership of target; Dispose
// it before target is disposed.
func NewManager(target Target, cfg Config, options ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		target: target,
		cfg:    cfg,
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
		events: event.NewBroadcaster[Event](),
	}
	for _, opt := range options {
		opt(m)
	}
	m.logger = m.logger.With("session", target.ID())

	m.stateSub = target.SubscribeStates(m.handleState)
	if m.network != nil {
		m.netSub = m.network.Subscribe(m.handleNetwork)
	}
	return m
}

// Subscribe registers fn for Manager events.
func (m *Manager) Subscribe(fn func(Event)) *event.Subscription {
	return m.events.Subscribe(fn)
}

// Config returns the active configuration.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Attempts returns the number of attempts counted since the last successful connection.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Pending reports whether an attempt is armed and waiting to fire.
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// Exhausted reports whether the attempt budget ran out. It clears on the next successful
// connection.
func (m *Manager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

// UpdateConfig replaces the policy and budget. Raising the budget above the attempts already made
// lifts exhaustion; switching to PolicyNone cancels a pending attempt.
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.cfg = cfg

	if cfg.Policy == PolicyNone {
		m.cancelTimerLocked()
		return
	}
	if m.exhausted && m.attempts < cfg.MaxAttempts {
		m.exhausted = false
		m.evaluateLocked(scheduleBackoff)
	}
}

// SetBackground enters or leaves background suppression. Entering cancels a pending attempt;
// leaving schedules one with normal backoff if the Target is down.
func (m *Manager) SetBackground(background bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed || m.background == background {
		return
	}
	m.background = background
	if background {
		m.cancelTimerLocked()
		return
	}
	m.evaluateLocked(scheduleBackoff)
}

// ReconnectNow makes one immediate attempt regardless of policy, budget or background mode. It
// does nothing while the Target is connected, connecting or paused, or while an attempt is in
// progress.
func (m *Manager) ReconnectNow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed || m.inProgress || !down(m.target.State()) {
		return
	}
	m.scheduleLocked(scheduleForced)
}

// Dispose cancels any pending attempt, aborts one in progress and stops observing the Target and
// the network. It is idempotent.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.cancelTimerLocked()
	m.mu.Unlock()

	m.stateSub.Cancel()
	m.netSub.Cancel()
	m.cancel()
	m.wg.Wait()
	m.events.Close()
}

func (m *Manager) handleState(ev connection.StateEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}

	switch ev.To {
	case connection.StateConnected:
		m.attempts = 0
		m.exhausted = false
		m.cancelTimerLocked()
	case connection.StatePaused:
		m.cancelTimerLocked()
	case connection.StateDisconnected, connection.StateError:
		if ev.Requested {
			return
		}
		m.evaluateLocked(scheduleBackoff)
	case connection.StateConnecting:
	}
}

func (m *Manager) handleNetwork(ev signal.NetworkEvent) {
	if !ev.Reachable {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	if m.exhausted {
		// Regaining the network earns one attempt that does not touch the counter.
		if m.cfg.Policy != PolicyNone && !m.background && !m.inProgress && down(m.target.State()) {
			m.scheduleLocked(scheduleForced)
		}
		return
	}
	m.evaluateLocked(scheduleImmediate)
}

// evaluateLocked schedules an attempt when the Target is down and nothing suppresses it.
func (m *Manager) evaluateLocked(mode scheduleMode) {
	if m.cfg.Policy == PolicyNone || m.background || m.inProgress {
		return
	}
	if !down(m.target.State()) {
		return
	}
	if m.timer != nil && mode == scheduleBackoff {
		return
	}
	m.scheduleLocked(mode)
}

func (m *Manager) scheduleLocked(mode scheduleMode) {
	m.cancelTimerLocked()

	if mode != scheduleForced {
		if m.attempts >= m.cfg.MaxAttempts {
			m.reportExhaustedLocked()
			return
		}
		m.attempts++
	}

	var delay time.Duration
	if mode == scheduleBackoff {
		delay = Delay(m.cfg.Policy, m.cfg.Interval, m.attempts)
	}

	m.timerGen++
	gen := m.timerGen
	m.timer = time.AfterFunc(delay, func() { m.fire(gen) })

	m.logger.Debug("reconnect scheduled", "attempt", m.attempts, "delay", delay)
	m.publishLocked(Event{Kind: EventScheduled, Attempt: m.attempts, Delay: delay})
}

func (m *Manager) cancelTimerLocked() {
	if m.timer == nil {
		return
	}
	m.timer.Stop()
	m.timer = nil
	m.timerGen++
	m.publishLocked(Event{Kind: EventCancelled, Attempt: m.attempts})
}

func (m *Manager) reportExhaustedLocked() {
	if m.exhausted {
		return
	}
	m.exhausted = true
	err := &ExhaustedError{SessionID: m.target.ID(), Attempts: m.attempts}
	m.logger.Warn("reconnect attempts exhausted", "attempts", m.attempts)
	m.publishLocked(Event{Kind: EventExhausted, Attempt: m.attempts, Err: err})
	m.target.ReportError("reconnect", err)
}

func (m *Manager) fire(gen uint64) {
	m.mu.Lock()
	if m.disposed || gen != m.timerGen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.inProgress = true
	attempt := m.attempts
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	transport := m.target.Transport()
	if transport == nil {
		m.mu.Lock()
		m.inProgress = false
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.publishLocked(Event{Kind: EventAttempt, Attempt: attempt})
	m.mu.Unlock()

	err := m.target.Connect(m.ctx, nil)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inProgress = false

	switch {
	case err == nil,
		errors.Is(err, connection.ErrAlreadyConnected),
		errors.Is(err, connection.ErrAlreadyConnecting),
		errors.Is(err, connection.ErrConnectAborted),
		errors.Is(err, connection.ErrDisposed):
		return
	}
	if m.disposed {
		return
	}

	m.logger.Info("reconnect attempt failed", "attempt", attempt, "err", err)
	m.publishLocked(Event{Kind: EventFailed, Attempt: attempt, Err: err})
	m.evaluateLocked(scheduleBackoff)
}

func (m *Manager) publishLocked(ev Event) {
	ev.SessionID = m.target.ID()
	ev.MaxAttempts = m.cfg.MaxAttempts
	ev.At = time.Now()
	m.events.Publish(ev)
}

func down(s connection.State) bool {
	return s == connection.StateDisconnected || s == connection.StateError
}

func (k EventKind) String() string {
	switch k {
	case EventScheduled:
		return "scheduled"
	case EventAttempt:
		return "attempt"
	case EventFailed:
		return "failed"
	case EventExhausted:
		return "exhausted"
	case EventCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
