package signal

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MegaGrindStone/go-mcp-client/event"
)

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// DialFunc opens a connection used only to test reachability.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Prober is a NetworkSource that periodically dials a set of TCP targets. The network is
// reachable when any target accepts a connection. Only changes are published; a change that
// arrives faster than the flap limiter allows is held back until the next probe confirms it.
type Prober struct {
	targets  []string
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc
	limiter  *rate.Limiter
	logger   *slog.Logger

	b *event.Broadcaster[NetworkEvent]

	mu        sync.Mutex
	known     bool
	reachable bool
}

var (
	defaultProbeInterval = 10 * time.Second
	defaultProbeTimeout  = 3 * time.Second
	defaultFlapInterval  = 2 * time.Second
)

// WithProbeInterval sets how often the targets are dialed.
func WithProbeInterval(d time.Duration) ProberOption {
	return func(p *Prober) {
		p.interval = d
	}
}

// WithProbeTimeout bounds a single round of dials.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) {
		p.timeout = d
	}
}

// WithFlapLimit sets the minimum spacing between two published changes.
func WithFlapLimit(d time.Duration) ProberOption {
	return func(p *Prober) {
		p.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithDialFunc replaces the dialer, mostly for tests.
func WithDialFunc(dial DialFunc) ProberOption {
	return func(p *Prober) {
		p.dial = dial
	}
}

// WithProberLogger sets the logger.
func WithProberLogger(logger *slog.Logger) ProberOption {
	return func(p *Prober) {
		p.logger = logger
	}
}

// NewProber creates a Prober for the given host:port targets. Call Run to start probing.
func NewProber(targets []string, options ...ProberOption) *Prober {
	p := &Prober{
		targets: targets,
		logger:  slog.Default(),
		b:       event.NewBroadcaster[NetworkEvent](),
	}
	for _, opt := range options {
		opt(p)
	}

	if p.interval == 0 {
		p.interval = defaultProbeInterval
	}
	if p.timeout == 0 {
		p.timeout = defaultProbeTimeout
	}
	if p.dial == nil {
		var d net.Dialer
		p.dial = d.DialContext
	}
	if p.limiter == nil {
		p.limiter = rate.NewLimiter(rate.Every(defaultFlapInterval), 1)
	}

	return p
}

// Subscribe implements NetworkSource.
func (p *Prober) Subscribe(fn func(NetworkEvent)) *event.Subscription {
	return p.b.Subscribe(fn)
}

// Reachable reports the last observed reachability and whether any probe has completed yet.
func (p *Prober) Reachable() (reachable bool, known bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reachable, p.known
}

// Run probes until ctx is done, then closes all subscriptions.
func (p *Prober) Run(ctx context.Context) error {
	defer p.b.Close()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Probe(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Probe dials the targets once and publishes a NetworkEvent if reachability changed.
func (p *Prober) Probe(ctx context.Context) {
	reachable := p.dialAny(ctx)

	p.mu.Lock()
	if p.known && p.reachable == reachable {
		p.mu.Unlock()
		return
	}
	first := !p.known
	if !first && !p.limiter.Allow() {
		p.mu.Unlock()
		p.logger.Debug("network change throttled", "reachable", reachable)
		return
	}
	p.known = true
	p.reachable = reachable
	p.mu.Unlock()

	if first {
		// The initial observation establishes a baseline and is not a change.
		return
	}

	p.logger.Info("network reachability changed", "reachable", reachable)
	p.b.Publish(NetworkEvent{Reachable: reachable, At: time.Now()})
}

func (p *Prober) dialAny(ctx context.Context) bool {
	if len(p.targets) == 0 {
		return true
	}

	dCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	results := make(chan bool, len(p.targets))
	for _, target := range p.targets {
		go func(target string) {
			conn, err := p.dial(dCtx, "tcp", target)
			if err != nil {
				p.logger.Debug("probe failed", "target", target, "err", err)
				results <- false
				return
			}
			_ = conn.Close()
			results <- true
		}(target)
	}

	for range p.targets {
		if <-results {
			return true
		}
	}
	return false
}
