// Package registry keeps the fleet of client sessions a process talks to and fans lifecycle
// operations out across them.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MegaGrindStone/go-mcp-client/connection"
	"github.com/MegaGrindStone/go-mcp-client/event"
	"github.com/MegaGrindStone/go-mcp-client/reconnect"
	"github.com/MegaGrindStone/go-mcp-client/signal"
	"golang.org/x/sync/errgroup"
)

// Option configures a Registry.
type Option func(*Registry)

// Registry owns a set of sessions keyed by identity, each with a priority and, when reconnection
// is enabled, the reconnect.Manager that keeps it connected.
//
// Fan-out operations are fault-isolated: every session is processed, and per-session failures are
// logged and returned keyed by session ID.
type Registry struct {
	logger      *slog.Logger
	concurrency int

	reconnectOn bool
	network     signal.NetworkSource

	mu           sync.RWMutex
	entries      map[string]*entry
	seq          uint64
	reconnectCfg reconnect.Config
	background   bool
	disposed     bool

	registrations *event.Broadcaster[Registration]
}

// Registration is published once per successful Register.
type Registration struct {
	ID       string
	Priority int
	At       time.Time
}

type entry struct {
	id       string
	session  *connection.Session
	priority int
	seq      uint64
	manager  *reconnect.Manager
}

var (
	// ErrDuplicateID is returned by Register for an identity already present.
	ErrDuplicateID = errors.New("session id already registered")
	// ErrRegistryDisposed is returned by Register after DisposeAll.
	ErrRegistryDisposed = errors.New("registry disposed")
)

const defaultConcurrency = 8

// WithReconnect gives every registered session a reconnect.Manager using cfg, reacting to
// network-regained signals from network when it is not nil.
func WithReconnect(cfg reconnect.Config, network signal.NetworkSource) Option {
	return func(r *Registry) {
		r.reconnectOn = true
		r.reconnectCfg = cfg
		r.network = network
	}
}

// WithConcurrency bounds how many sessions a fan-out operation drives at once.
func WithConcurrency(n int) Option {
	return func(r *Registry) {
		r.concurrency = n
	}
}

// WithLogger sets the logger for the Registry and the managers it creates.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates an empty Registry.
func New(options ...Option) *Registry {
	r := &Registry{
		logger:        slog.Default(),
		concurrency:   defaultConcurrency,
		entries:       make(map[string]*entry),
		registrations: event.NewBroadcaster[Registration](),
	}
	for _, opt := range options {
		opt(r)
	}
	if r.concurrency < 1 {
		r.concurrency = 1
	}
	return r
}

// SubscribeRegistrations registers fn for registration events.
func (r *Registry) SubscribeRegistrations(fn func(Registration)) *event.Subscription {
	return r.registrations.Subscribe(fn)
}

// Register adds session under id.
func (r *Registry) Register(id string, session *connection.Session, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return ErrRegistryDisposed
	}
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	r.seq++
	e := &entry{id: id, session: session, priority: priority, seq: r.seq}
	if r.reconnectOn {
		opts := []reconnect.Option{reconnect.WithLogger(r.logger)}
		if r.network != nil {
			opts = append(opts, reconnect.WithNetwork(r.network))
		}
		e.manager = reconnect.NewManager(session, r.reconnectCfg, opts...)
		if r.background {
			e.manager.SetBackground(true)
		}
	}
	r.entries[id] = e

	r.logger.Debug("session registered", "session", id, "priority", priority)
	r.registrations.Publish(Registration{ID: id, Priority: priority, At: time.Now()})
	return nil
}

// Unregister removes id and stops its reconnection. The session is handed back to the caller,
// still open. Unregistering an unknown id is a no-op.
func (r *Registry) Unregister(id string) (*connection.Session, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil, false
	}
	if e.manager != nil {
		e.manager.Dispose()
	}
	r.logger.Debug("session unregistered", "session", id)
	return e.session, true
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*connection.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.disposed {
		return nil, false
	}
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Reconnector returns the reconnect.Manager of id, if reconnection is enabled.
func (r *Registry) Reconnector(id string) (*reconnect.Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.manager == nil {
		return nil, false
	}
	return e.manager, true
}

// Priority returns the priority id was registered with.
func (r *Registry) Priority(id string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return 0, false
	}
	return e.priority, true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns every session in no particular order.
func (r *Registry) List() []*connection.Session {
	return sessions(r.snapshot())
}

// ListByPriority returns every session, highest priority first. Equal priorities keep
// registration order.
func (r *Registry) ListByPriority() []*connection.Session {
	entries := r.snapshot()
	slices.SortFunc(entries, func(a, b *entry) int {
		if c := cmp.Compare(b.priority, a.priority); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return sessions(entries)
}

// HighestPriority returns the session with the highest priority.
func (r *Registry) HighestPriority() (*connection.Session, bool) {
	list := r.ListByPriority()
	if len(list) == 0 {
		return nil, false
	}
	return list[0], true
}

// ListByState returns the sessions currently in state.
func (r *Registry) ListByState(state connection.State) []*connection.Session {
	var out []*connection.Session
	for _, e := range r.snapshot() {
		if e.session.State() == state {
			out = append(out, e.session)
		}
	}
	return out
}

// ConnectAll connects every disconnected session that has a bound transport.
func (r *Registry) ConnectAll(ctx context.Context) map[string]error {
	var targets []*entry
	for _, e := range r.snapshot() {
		if e.session.State() == connection.StateDisconnected && e.session.Transport() != nil {
			targets = append(targets, e)
		}
	}
	return r.fanOut("connect", targets, func(e *entry) error {
		return e.session.Connect(ctx, nil)
	})
}

// DisconnectAll disconnects every session.
func (r *Registry) DisconnectAll() map[string]error {
	return r.fanOut("disconnect", r.snapshot(), func(e *entry) error {
		return e.session.Disconnect()
	})
}

// ApplyResourceMode forwards mode to every session.
func (r *Registry) ApplyResourceMode(mode connection.ResourceMode) {
	for _, e := range r.snapshot() {
		e.session.ApplyResourceMode(mode)
	}
}

// EnterBackground suppresses reconnection and pauses connected sessions, unless keepAlive is
// set, in which case sessions stay live.
func (r *Registry) EnterBackground(keepAlive bool) map[string]error {
	if keepAlive {
		return nil
	}

	r.mu.Lock()
	r.background = true
	r.mu.Unlock()

	entries := r.snapshot()
	for _, e := range entries {
		if e.manager != nil {
			e.manager.SetBackground(true)
		}
	}

	var connected []*entry
	for _, e := range entries {
		if e.session.State() == connection.StateConnected {
			connected = append(connected, e)
		}
	}
	return r.fanOut("pause", connected, func(e *entry) error {
		return e.session.Pause()
	})
}

// EnterForeground resumes paused sessions and lifts reconnection suppression.
func (r *Registry) EnterForeground() map[string]error {
	r.mu.Lock()
	r.background = false
	r.mu.Unlock()

	entries := r.snapshot()
	var paused []*entry
	for _, e := range entries {
		if e.session.State() == connection.StatePaused {
			paused = append(paused, e)
		}
	}
	failures := r.fanOut("resume", paused, func(e *entry) error {
		return e.session.Resume()
	})

	for _, e := range entries {
		if e.manager != nil {
			e.manager.SetBackground(false)
		}
	}
	return failures
}

// ApplyReconnectConfig replaces the reconnection policy of every session and of future
// registrations. It has no effect without WithReconnect.
func (r *Registry) ApplyReconnectConfig(cfg reconnect.Config) {
	r.mu.Lock()
	r.reconnectCfg = cfg
	r.mu.Unlock()

	for _, e := range r.snapshot() {
		if e.manager != nil {
			e.manager.UpdateConfig(cfg)
		}
	}
}

// DisposeAll disconnects and disposes every session with its manager, empties the Registry and
// refuses further registrations.
func (r *Registry) DisposeAll() map[string]error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil
	}
	r.disposed = true
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	clear(r.entries)
	r.mu.Unlock()

	failures := r.fanOut("dispose", entries, func(e *entry) error {
		if e.manager != nil {
			e.manager.Dispose()
		}
		return e.session.Dispose()
	})
	r.registrations.Close()
	return failures
}

func (r *Registry) snapshot() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.disposed {
		return nil
	}
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	return entries
}

func (r *Registry) fanOut(op string, entries []*entry, fn func(*entry) error) map[string]error {
	var (
		mu       sync.Mutex
		failures = make(map[string]error)
		g        errgroup.Group
	)
	g.SetLimit(r.concurrency)

	for _, e := range entries {
		g.Go(func() error {
			if err := guard(e, fn); err != nil {
				r.logger.Error("failed to "+op+" session", "session", e.id, "err", err)
				mu.Lock()
				failures[e.id] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

func guard(e *entry, fn func(*entry) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(e)
}

func sessions(entries []*entry) []*connection.Session {
	out := make([]*connection.Session, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.session)
	}
	return out
}
