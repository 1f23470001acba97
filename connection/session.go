package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/event"
	"github.com/google/uuid"
)

// Option configures a Session.
type Option func(*Session)

// Session owns one protocol session to one server and the state machine around it.
//
// Transitions are serialized. Every transition publishes exactly one StateEvent, in transition
// order, and subscribers are never called while a Session lock is held.
type Session struct {
	id             string
	info           mcp.Info
	protocol       ProtocolSession
	connectTimeout time.Duration
	opTimeout      time.Duration
	filter         NotificationFilter
	logger         *slog.Logger

	// opMu serializes transitions. The protocol handshake itself runs outside it, so a concurrent
	// Connect observes StateConnecting and fails fast.
	opMu sync.Mutex

	mu         sync.RWMutex
	state      State
	transport  mcp.ClientTransport
	mode       ResourceMode
	disposed   bool
	attempt    *connectAttempt
	generation uint64
	lastErr    error

	states        *event.Broadcaster[StateEvent]
	errs          *event.Broadcaster[ErrorEvent]
	notifications *event.Broadcaster[Notification]
}

type connectAttempt struct {
	cancel  context.CancelFunc
	done    chan struct{}
	aborted bool
}

type protocolListener struct {
	s   *Session
	gen uint64
}

const (
	defaultConnectTimeout   = 30 * time.Second
	defaultOperationTimeout = 30 * time.Second
)

// WithID sets the session identifier. A random UUID is used otherwise.
func WithID(id string) Option {
	return func(s *Session) {
		s.id = id
	}
}

// WithInfo sets descriptive metadata for the remote server.
func WithInfo(info mcp.Info) Option {
	return func(s *Session) {
		s.info = info
	}
}

// WithTransport binds the transport used when Connect is called without one.
func WithTransport(transport mcp.ClientTransport) Option {
	return func(s *Session) {
		s.transport = transport
	}
}

// WithConnectTimeout bounds the protocol handshake.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		s.connectTimeout = timeout
	}
}

// WithOperationTimeout bounds every protocol operation issued through the Session.
func WithOperationTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		s.opTimeout = timeout
	}
}

// WithNotificationFilter selects the notification kinds the Session re-publishes.
func WithNotificationFilter(filter NotificationFilter) Option {
	return func(s *Session) {
		s.filter = filter
	}
}

// WithLogger sets the logger for the Session.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// NewSession creates a disconnected Session driving protocol.
func NewSession(protocol ProtocolSession, options ...Option) *Session {
	s := &Session{
		protocol:       protocol,
		connectTimeout: defaultConnectTimeout,
		opTimeout:      defaultOperationTimeout,
		filter:         AllNotifications(),
		logger:         slog.Default(),
		state:          StateDisconnected,
		mode:           ResourceModeNormal,
		states:         event.NewBroadcaster[StateEvent](),
		errs:           event.NewBroadcaster[ErrorEvent](),
		notifications:  event.NewBroadcaster[Notification](),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.New().String()
	}
	s.logger = s.logger.With("session", s.id)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Info returns the descriptive metadata given at construction.
func (s *Session) Info() mcp.Info {
	return s.info
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Disposed reports whether Dispose has been called.
func (s *Session) Disposed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disposed
}

// Transport returns the bound transport, or nil.
func (s *Session) Transport() mcp.ClientTransport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

// BindTransport replaces the bound transport. It takes effect on the next Connect.
func (s *Session) BindTransport(transport mcp.ClientTransport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrDisposed
	}
	s.transport = transport
	return nil
}

// ResourceMode returns the last applied resource mode.
func (s *Session) ResourceMode() ResourceMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// LastError returns the cause of the most recent transition to StateError.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ServerInfo returns the connected server's self-description.
func (s *Session) ServerInfo() (mcp.Info, error) {
	p, err := s.ready()
	if err != nil {
		return mcp.Info{}, err
	}
	return p.ServerInfo(), nil
}

// SubscribeStates registers fn for state change events.
func (s *Session) SubscribeStates(fn func(StateEvent)) *event.Subscription {
	return s.states.Subscribe(fn)
}

// SubscribeErrors registers fn for error events.
func (s *Session) SubscribeErrors(fn func(ErrorEvent)) *event.Subscription {
	return s.errs.Subscribe(fn)
}

// SubscribeNotifications registers fn for server notifications.
func (s *Session) SubscribeNotifications(fn func(Notification)) *event.Subscription {
	return s.notifications.Subscribe(fn)
}

// Connect opens the protocol session over transport, or over the bound transport when transport
// is nil. A given transport becomes the bound one.
//
// Connect fails with ErrAlreadyConnecting while another Connect is in flight and with
// ErrAlreadyConnected while connected or paused; neither changes state. A failed handshake moves
// the Session to StateError and publishes one ErrorEvent.
func (s *Session) Connect(ctx context.Context, transport mcp.ClientTransport) error {
	cctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	s.opMu.Lock()
	s.mu.Lock()
	attempt, err := s.beginConnectLocked(ctx, transport, cancel)
	transport = s.transport
	s.mu.Unlock()
	s.opMu.Unlock()
	if err != nil {
		return err
	}

	connErr := s.protocol.Connect(cctx, transport)
	cancel()

	return s.finishConnect(attempt, connErr)
}

func (s *Session) beginConnectLocked(
	ctx context.Context,
	transport mcp.ClientTransport,
	cancel context.CancelFunc,
) (*connectAttempt, error) {
	if s.disposed {
		return nil, ErrDisposed
	}
	switch s.state {
	case StateConnecting:
		return nil, ErrAlreadyConnecting
	case StateConnected, StatePaused:
		return nil, ErrAlreadyConnected
	case StateDisconnected, StateError:
	}
	if transport != nil {
		s.transport = transport
	}
	if s.transport == nil {
		return nil, ErrNoTransport
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	attempt := &connectAttempt{cancel: cancel, done: make(chan struct{})}
	s.attempt = attempt
	s.setStateLocked(StateConnecting, nil, false)
	return attempt, nil
}

func (s *Session) finishConnect(attempt *connectAttempt, connErr error) error {
	defer close(attempt.done)

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.attempt = nil
	aborted := attempt.aborted
	s.mu.Unlock()

	if aborted {
		if connErr == nil {
			s.protocol.SetListener(nil)
			if err := s.protocol.Disconnect(); err != nil {
				s.logger.Warn("failed to disconnect aborted connection", "err", err)
			}
		}
		s.mu.Lock()
		s.setStateLocked(StateDisconnected, nil, true)
		s.mu.Unlock()
		return ErrConnectAborted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if connErr != nil {
		s.lastErr = connErr
		s.setStateLocked(StateError, connErr, false)
		s.publishErrorLocked("connect", connErr)
		return fmt.Errorf("failed to connect: %w", connErr)
	}

	s.generation++
	s.protocol.SetListener(&protocolListener{s: s, gen: s.generation})
	s.protocol.ApplyResourceMode(s.mode)
	s.lastErr = nil
	s.setStateLocked(StateConnected, nil, false)
	return nil
}

// Disconnect closes the protocol session and moves to StateDisconnected. An in-flight Connect is
// aborted first. Disconnect while already disconnected is a no-op.
func (s *Session) Disconnect() error {
	if err := s.abortAttempt(); err != nil {
		return err
	}
	defer s.opMu.Unlock()

	if s.state == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err := s.teardown()

	s.mu.Lock()
	s.setStateLocked(StateDisconnected, nil, true)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	return nil
}

// abortAttempt cancels any in-flight Connect and waits for it. On success it returns with opMu
// and mu held and no attempt in flight.
func (s *Session) abortAttempt() error {
	for {
		s.opMu.Lock()
		s.mu.Lock()
		if s.disposed {
			s.mu.Unlock()
			s.opMu.Unlock()
			return ErrDisposed
		}
		attempt := s.attempt
		if attempt == nil {
			return nil
		}
		attempt.aborted = true
		cancel := attempt.cancel
		s.mu.Unlock()
		s.opMu.Unlock()

		cancel()
		<-attempt.done
	}
}

// teardown drops the protocol session. Callers hold opMu.
func (s *Session) teardown() error {
	s.mu.Lock()
	s.generation++
	s.mu.Unlock()

	s.protocol.SetListener(nil)
	return s.protocol.Disconnect()
}

// Pause suspends a connected Session without closing the protocol session. Pausing a paused
// Session is a no-op; any other state fails with ErrNotConnected.
func (s *Session) Pause() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrDisposed
	}
	switch s.state {
	case StateConnected:
		s.setStateLocked(StatePaused, nil, true)
		return nil
	case StatePaused:
		return nil
	default:
		return ErrNotConnected
	}
}

// Resume returns a paused Session to StateConnected. If the protocol session did not survive the
// pause, the Session moves to StateError with ErrConnectionLost instead.
func (s *Session) Resume() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrDisposed
	}
	switch s.state {
	case StatePaused:
	case StateConnected:
		return nil
	default:
		return ErrNotConnected
	}

	if !s.protocol.IsConnected() {
		s.generation++
		s.protocol.SetListener(nil)
		err := fmt.Errorf("%w: session ended while paused", ErrConnectionLost)
		s.lastErr = err
		s.setStateLocked(StateError, err, false)
		s.publishErrorLocked("resume", err)
		return err
	}
	s.setStateLocked(StateConnected, nil, true)
	return nil
}

// Dispose disconnects, releases the protocol client and closes every event stream after
// delivering what was already published. It is idempotent.
func (s *Session) Dispose() error {
	if err := s.abortAttempt(); err != nil {
		if errors.Is(err, ErrDisposed) {
			return nil
		}
		return err
	}
	defer s.opMu.Unlock()

	connected := s.state != StateDisconnected
	s.mu.Unlock()

	var tErr error
	if connected {
		tErr = s.teardown()
	}
	cErr := s.protocol.Close()

	s.mu.Lock()
	s.setStateLocked(StateDisconnected, nil, true)
	s.disposed = true
	s.mu.Unlock()

	s.states.Close()
	s.errs.Close()
	s.notifications.Close()

	if err := errors.Join(tErr, cErr); err != nil {
		return fmt.Errorf("failed to dispose session: %w", err)
	}
	return nil
}

// ApplyResourceMode records mode and forwards it to the protocol session.
func (s *Session) ApplyResourceMode(mode ResourceMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.mode = mode
	s.protocol.ApplyResourceMode(mode)
}

// ReportError publishes err on the error stream under op. It is used by collaborators, such as
// the reconnection manager, whose failures belong to this Session.
func (s *Session) ReportError(op string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.disposed {
		return
	}
	s.publishErrorLocked(op, err)
}

func (s *Session) handleSessionLost(gen uint64, cause error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed || gen != s.generation {
		return
	}
	if s.state != StateConnected && s.state != StatePaused {
		return
	}

	s.generation++
	s.protocol.SetListener(nil)
	err := fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	s.lastErr = err
	s.logger.Warn("connection lost", "err", cause)
	s.setStateLocked(StateError, err, false)
	s.publishErrorLocked("session", err)
}

func (s *Session) setStateLocked(to State, err error, requested bool) {
	if s.state == to {
		return
	}
	ev := StateEvent{
		SessionID: s.id,
		From:      s.state,
		To:        to,
		Err:       err,
		Requested: requested,
		At:        time.Now(),
	}
	s.state = to
	s.logger.Debug("state changed", "from", ev.From, "to", ev.To)
	s.states.Publish(ev)
}

func (s *Session) publishErrorLocked(op string, err error) {
	s.errs.Publish(ErrorEvent{
		SessionID: s.id,
		Op:        op,
		Err:       err,
		At:        time.Now(),
	})
}

func (s *Session) ready() (ProtocolSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.disposed {
		return nil, ErrDisposed
	}
	if s.state != StateConnected {
		return nil, ErrNotConnected
	}
	return s.protocol, nil
}

func (s *Session) notify(n Notification) {
	if !s.filter.Allows(n.Kind) {
		return
	}
	n.SessionID = s.id
	n.At = time.Now()
	s.notifications.Publish(n)
}

func (l *protocolListener) OnPromptListChanged() {
	l.s.notify(Notification{Kind: NotificationPromptListChanged})
}

func (l *protocolListener) OnResourceListChanged() {
	l.s.notify(Notification{Kind: NotificationResourceListChanged})
}

func (l *protocolListener) OnResourceSubscribedChanged(uri string) {
	l.s.notify(Notification{Kind: NotificationResourceUpdated, URI: uri})
}

func (l *protocolListener) OnToolListChanged() {
	l.s.notify(Notification{Kind: NotificationToolListChanged})
}

func (l *protocolListener) OnProgress(params mcp.ProgressParams) {
	l.s.notify(Notification{Kind: NotificationProgress, Progress: &params})
}

func (l *protocolListener) OnLog(params mcp.LogParams) {
	l.s.notify(Notification{Kind: NotificationLog, Log: &params})
}

func (l *protocolListener) OnSessionLost(err error) {
	// Called from the protocol read loop, which Disconnect may be waiting on.
	go l.s.handleSessionLost(l.gen, err)
}
