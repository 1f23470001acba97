package reconnect_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/connection"
	"github.com/MegaGrindStone/go-mcp-client/connection/connectiontest"
	"github.com/MegaGrindStone/go-mcp-client/event"
	"github.com/MegaGrindStone/go-mcp-client/reconnect"
	"github.com/MegaGrindStone/go-mcp-client/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTarget moves between states synchronously and publishes events like a Session does.
type fakeTarget struct {
	mu         sync.Mutex
	state      connection.State
	transport  mcp.ClientTransport
	connectErr error
	connects   int
	reported   []error

	states *event.Broadcaster[connection.StateEvent]
}

type eventLog struct {
	mu     sync.Mutex
	events []reconnect.Event
}

var errRefused = errors.New("connection refused")

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		state:     connection.StateDisconnected,
		transport: connectiontest.Transport{Name: "fake"},
		states:    event.NewBroadcaster[connection.StateEvent](),
	}
}

func (f *fakeTarget) ID() string { return "fake" }

func (f *fakeTarget) State() connection.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTarget) Transport() mcp.ClientTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transport
}

func (f *fakeTarget) Connect(context.Context, mcp.ClientTransport) error {
	f.mu.Lock()
	f.connects++
	err := f.connectErr
	f.mu.Unlock()

	if err != nil {
		f.set(connection.StateError, false)
		return err
	}
	f.set(connection.StateConnected, false)
	return nil
}

func (f *fakeTarget) SubscribeStates(fn func(connection.StateEvent)) *event.Subscription {
	return f.states.Subscribe(fn)
}

func (f *fakeTarget) ReportError(_ string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reported = append(f.reported, err)
}

func (f *fakeTarget) set(to connection.State, requested bool) {
	f.mu.Lock()
	from := f.state
	f.state = to
	f.mu.Unlock()
	if from != to {
		f.states.Publish(connection.StateEvent{SessionID: "fake", From: from, To: to, Requested: requested})
	}
}

func (f *fakeTarget) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *fakeTarget) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTarget) reportedErrors() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.reported...)
}

func recordEvents(t *testing.T, m *reconnect.Manager) *eventLog {
	t.Helper()
	l := &eventLog{}
	sub := m.Subscribe(func(ev reconnect.Event) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, ev)
	})
	t.Cleanup(sub.Cancel)
	return l
}

func (l *eventLog) kinds(kind reconnect.EventKind) []reconnect.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []reconnect.Event
	for _, ev := range l.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func linear(interval time.Duration, maxAttempts int) reconnect.Config {
	return reconnect.Config{Policy: reconnect.PolicyLinear, MaxAttempts: maxAttempts, Interval: interval}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond)
}

func never(t *testing.T, cond func() bool) {
	t.Helper()
	require.Never(t, cond, 50*time.Millisecond, 5*time.Millisecond)
}

func newManager(t *testing.T, target reconnect.Target, cfg reconnect.Config, opts ...reconnect.Option) *reconnect.Manager {
	t.Helper()
	m := reconnect.NewManager(target, cfg, opts...)
	t.Cleanup(m.Dispose)
	return m
}

func TestManagerReconnectsAfterFailure(t *testing.T) {
	target := newFakeTarget()
	m := newManager(t, target, linear(5*time.Millisecond, 5))
	log := recordEvents(t, m)

	target.set(connection.StateError, false)

	eventually(t, func() bool { return target.State() == connection.StateConnected })
	eventually(t, func() bool { return m.Attempts() == 0 })
	assert.Equal(t, 1, target.connectCount())
	assert.False(t, m.Pending())

	eventually(t, func() bool { return len(log.kinds(reconnect.EventAttempt)) == 1 })
	scheduled := log.kinds(reconnect.EventScheduled)
	require.Len(t, scheduled, 1)
	assert.Equal(t, 1, scheduled[0].Attempt)
	assert.Equal(t, 5*time.Millisecond, scheduled[0].Delay)
}

func TestManagerRequestedDisconnectDoesNotReconnect(t *testing.T) {
	target := newFakeTarget()
	m := newManager(t, target, linear(time.Millisecond, 5))

	target.set(connection.StateConnected, false)
	target.set(connection.StateDisconnected, true)

	never(t, func() bool { return m.Pending() || target.connectCount() > 0 })
}

func TestManagerExhaustion(t *testing.T) {
	target := newFakeTarget()
	target.failWith(errRefused)
	m := newManager(t, target, linear(2*time.Millisecond, 3))
	log := recordEvents(t, m)

	target.set(connection.StateError, false)

	eventually(t, m.Exhausted)
	assert.Equal(t, 3, target.connectCount())
	never(t, func() bool { return target.connectCount() > 3 })

	eventually(t, func() bool { return len(log.kinds(reconnect.EventExhausted)) == 1 })
	assert.Len(t, log.kinds(reconnect.EventFailed), 3)

	reported := target.reportedErrors()
	require.Len(t, reported, 1)
	var exhausted *reconnect.ExhaustedError
	require.ErrorAs(t, reported[0], &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)

	// A successful connect resets the budget; the next failure starts again from attempt 1.
	target.failWith(nil)
	require.NoError(t, target.Connect(context.Background(), nil))
	eventually(t, func() bool { return !m.Exhausted() && m.Attempts() == 0 })

	target.failWith(errRefused)
	target.set(connection.StateError, false)
	eventually(t, func() bool { return len(log.kinds(reconnect.EventScheduled)) == 4 })
	assert.Equal(t, 1, log.kinds(reconnect.EventScheduled)[3].Attempt)
	eventually(t, func() bool { return len(log.kinds(reconnect.EventExhausted)) == 2 })
}

func TestManagerSinglePendingAttempt(t *testing.T) {
	target := newFakeTarget()
	m := newManager(t, target, linear(time.Hour, 5))

	target.set(connection.StateError, false)
	eventually(t, m.Pending)

	m.ReconnectNow()
	m.ReconnectNow()

	eventually(t, func() bool { return target.State() == connection.StateConnected })
	never(t, func() bool { return target.connectCount() > 1 })
	assert.False(t, m.Pending())
}

func TestManagerPauseCancelsPending(t *testing.T) {
	target := newFakeTarget()
	m := newManager(t, target, linear(time.Hour, 5))
	log := recordEvents(t, m)

	target.set(connection.StateError, false)
	eventually(t, m.Pending)

	target.set(connection.StatePaused, true)
	eventually(t, func() bool { return !m.Pending() })
	eventually(t, func() bool { return len(log.kinds(reconnect.EventCancelled)) == 1 })
	assert.Zero(t, target.connectCount())
}

func TestManagerBackground(t *testing.T) {
	target := newFakeTarget()
	m := newManager(t, target, linear(time.Hour, 5))

	target.set(connection.StateError, false)
	eventually(t, m.Pending)

	m.SetBackground(true)
	assert.False(t, m.Pending())

	target.set(connection.StateDisconnected, false)
	never(t, m.Pending)

	m.SetBackground(false)
	assert.True(t, m.Pending())
	assert.Equal(t, 2, m.Attempts())
}

func TestManagerNetworkRegained(t *testing.T) {
	target := newFakeTarget()
	network := signal.NewNetworkEmitter()
	m := newManager(t, target, linear(time.Hour, 5), reconnect.WithNetwork(network))
	log := recordEvents(t, m)

	target.set(connection.StateError, false)
	eventually(t, m.Pending)

	network.Emit(false)
	never(t, func() bool { return target.connectCount() > 0 })

	network.Emit(true)
	eventually(t, func() bool { return target.State() == connection.StateConnected })
	assert.Equal(t, 1, target.connectCount())

	scheduled := log.kinds(reconnect.EventScheduled)
	require.Len(t, scheduled, 2)
	assert.Equal(t, time.Duration(0), scheduled[1].Delay)
	assert.NotEmpty(t, log.kinds(reconnect.EventCancelled))

	// Connected sessions ignore the network.
	network.Emit(true)
	never(t, func() bool { return target.connectCount() > 1 })
}

func TestManagerNetworkRegainedWhenExhausted(t *testing.T) {
	target := newFakeTarget()
	target.failWith(errRefused)
	network := signal.NewNetworkEmitter()
	m := newManager(t, target, linear(time.Millisecond, 1), reconnect.WithNetwork(network))

	target.set(connection.StateError, false)
	eventually(t, m.Exhausted)
	require.Equal(t, 1, target.connectCount())

	network.Emit(true)
	eventually(t, func() bool { return target.connectCount() == 2 })
	never(t, func() bool { return target.connectCount() > 2 })
	assert.True(t, m.Exhausted())
	assert.Equal(t, 1, m.Attempts())
	assert.Len(t, target.reportedErrors(), 1)
}

func TestManagerWithoutTransport(t *testing.T) {
	target := newFakeTarget()
	target.transport = nil
	m := newManager(t, target, linear(time.Millisecond, 5))
	log := recordEvents(t, m)

	target.set(connection.StateError, false)
	eventually(t, func() bool { return len(log.kinds(reconnect.EventScheduled)) == 1 })
	never(t, func() bool { return target.connectCount() > 0 || m.Pending() })
	assert.Empty(t, log.kinds(reconnect.EventFailed))
}

func TestManagerPolicyNone(t *testing.T) {
	target := newFakeTarget()
	m := newManager(t, target, reconnect.Config{Policy: reconnect.PolicyNone, MaxAttempts: 5})

	target.set(connection.StateError, false)
	never(t, m.Pending)

	m.ReconnectNow()
	eventually(t, func() bool { return target.State() == connection.StateConnected })
	assert.Equal(t, 1, target.connectCount())
}

func TestManagerUpdateConfig(t *testing.T) {
	target := newFakeTarget()
	target.failWith(errRefused)
	m := newManager(t, target, linear(time.Millisecond, 1))

	target.set(connection.StateError, false)
	eventually(t, m.Exhausted)

	target.failWith(nil)
	m.UpdateConfig(linear(time.Millisecond, 3))
	eventually(t, func() bool { return target.State() == connection.StateConnected })
	assert.Equal(t, 3, m.Config().MaxAttempts)

	target.set(connection.StateError, false)
	target.failWith(errRefused)
	m.UpdateConfig(reconnect.Config{Policy: reconnect.PolicyNone})
	eventually(t, func() bool { return !m.Pending() })
}

func TestManagerDispose(t *testing.T) {
	target := newFakeTarget()
	network := signal.NewNetworkEmitter()
	m := reconnect.NewManager(target, linear(time.Hour, 5), reconnect.WithNetwork(network))

	target.set(connection.StateError, false)
	eventually(t, m.Pending)

	m.Dispose()
	m.Dispose()
	assert.False(t, m.Pending())

	network.Emit(true)
	target.set(connection.StateDisconnected, false)
	m.ReconnectNow()
	never(t, func() bool { return target.connectCount() > 0 || m.Pending() })
}

func TestManagerWithSession(t *testing.T) {
	p := connectiontest.NewProtocol(mcp.Info{Name: "fake"})
	s := connection.NewSession(p,
		connection.WithID("s1"),
		connection.WithTransport(connectiontest.Transport{Name: "s1"}))
	m := reconnect.NewManager(s, linear(5*time.Millisecond, 5))
	t.Cleanup(func() {
		m.Dispose()
		_ = s.Dispose()
	})

	require.NoError(t, s.Connect(context.Background(), nil))
	p.Lose(io.EOF)

	eventually(t, func() bool { return p.Connects() == 2 && s.State() == connection.StateConnected })
	assert.Zero(t, m.Attempts())

	// A caller disconnect is final.
	require.NoError(t, s.Disconnect())
	never(t, func() bool { return p.Connects() > 2 })
}
