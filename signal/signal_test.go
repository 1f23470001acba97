package signal_test

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/go-mcp-client/signal"
)

func TestAppStateRoundTrip(t *testing.T) {
	for _, s := range []signal.AppState{signal.AppResumed, signal.AppInactive, signal.AppPaused, signal.AppDetached} {
		parsed, err := signal.ParseAppState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := signal.ParseAppState("sleeping")
	assert.Error(t, err)
	assert.Equal(t, "unknown", signal.AppState(42).String())
}

func TestAppEmitter(t *testing.T) {
	e := signal.NewAppEmitter()
	defer e.Close()

	got := make(chan signal.AppState, 2)
	e.Subscribe(func(s signal.AppState) { got <- s })

	e.Emit(signal.AppPaused)
	e.Emit(signal.AppResumed)

	assert.Equal(t, signal.AppPaused, <-got)
	assert.Equal(t, signal.AppResumed, <-got)
}

type toggleDialer struct {
	up atomic.Bool
}

func (d *toggleDialer) dial(context.Context, string, string) (net.Conn, error) {
	if !d.up.Load() {
		return nil, errors.New("unreachable")
	}
	client, server := net.Pipe()
	_ = server.Close()
	return client, nil
}

func TestProberPublishesChangesOnly(t *testing.T) {
	d := &toggleDialer{}
	d.up.Store(true)

	p := signal.NewProber([]string{"example.invalid:443"},
		signal.WithDialFunc(d.dial),
		signal.WithFlapLimit(time.Nanosecond),
	)

	events := make(chan signal.NetworkEvent, 10)
	sub := p.Subscribe(func(ev signal.NetworkEvent) { events <- ev })
	defer sub.Cancel()

	ctx := context.Background()

	// Baseline is not published.
	p.Probe(ctx)
	reachable, known := p.Reachable()
	assert.True(t, reachable)
	assert.True(t, known)

	p.Probe(ctx)

	d.up.Store(false)
	p.Probe(ctx)

	d.up.Store(true)
	p.Probe(ctx)

	ev := <-events
	assert.False(t, ev.Reachable)
	ev = <-events
	assert.True(t, ev.Reachable)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProberThrottlesFlaps(t *testing.T) {
	d := &toggleDialer{}
	d.up.Store(true)

	p := signal.NewProber([]string{"a:1", "b:2"},
		signal.WithDialFunc(d.dial),
		signal.WithFlapLimit(time.Hour),
	)

	events := make(chan signal.NetworkEvent, 10)
	p.Subscribe(func(ev signal.NetworkEvent) { events <- ev })

	ctx := context.Background()
	p.Probe(ctx)

	d.up.Store(false)
	p.Probe(ctx)
	d.up.Store(true)
	p.Probe(ctx)

	ev := <-events
	assert.False(t, ev.Reachable)

	select {
	case ev := <-events:
		t.Fatalf("flap was not throttled: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	reachable, _ := p.Reachable()
	assert.False(t, reachable)
}

func TestProberRunStopsOnContext(t *testing.T) {
	p := signal.NewProber(nil, signal.WithProbeInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
