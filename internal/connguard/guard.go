// Package connguard blocks peer hosts that keep sending malformed framing.
// A host reaching FailureThreshold violations inside FailureWindow is
// blocked for BlockDuration, during which its inbound connections are
// refused.
package connguard

import (
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/lanptt/internal/clock"
	"pkt.systems/lanptt/internal/svcfields"
)

const (
	// DefaultFailureThreshold is the number of violations that blocks a host.
	DefaultFailureThreshold = 16
	// DefaultFailureWindow is the period violations are counted over.
	DefaultFailureWindow = 10 * time.Second
	// DefaultBlockDuration is how long a blocked host stays blocked.
	DefaultBlockDuration = time.Minute
)

// Config controls a Guard.
type Config struct {
	FailureThreshold int
	FailureWindow    time.Duration
	BlockDuration    time.Duration
	Clock            clock.Clock
	Logger           pslog.Logger
}

type hostState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks framing violations per host.
type Guard struct {
	threshold int
	window    time.Duration
	block     time.Duration
	clock     clock.Clock
	logger    pslog.Logger

	mu    sync.Mutex
	hosts map[string]*hostState
}

// New constructs a Guard. Non-positive settings take their defaults.
func New(cfg Config) *Guard {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultFailureWindow
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = DefaultBlockDuration
	}
	return &Guard{
		threshold: cfg.FailureThreshold,
		window:    cfg.FailureWindow,
		block:     cfg.BlockDuration,
		clock:     clock.Ensure(cfg.Clock),
		logger:    svcfields.WithSubsystem(cfg.Logger, "transport.connguard"),
		hosts:     make(map[string]*hostState),
	}
}

// Violation records a framing violation by host and reports whether the host
// is now blocked.
func (g *Guard) Violation(host, reason string) bool {
	if g == nil {
		return false
	}
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.hosts[host]
	if state == nil {
		state = &hostState{}
		g.hosts[host] = state
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.window)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.threshold {
		g.logger.Debug("transport.connguard.violation",
			svcfields.HostKey, host,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.threshold)
		return false
	}
	state.blockedUntil = now.Add(g.block)
	state.failures = nil
	g.logger.Warn("transport.connguard.blocked",
		svcfields.HostKey, host,
		"reason", reason,
		"threshold", g.threshold,
		"window", g.window,
		"duration", g.block)
	return true
}

// Blocked reports whether host is currently blocked. An expired block is
// cleared.
func (g *Guard) Blocked(host string) bool {
	if g == nil {
		return false
	}
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.hosts[host]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Info("transport.connguard.released", svcfields.HostKey, host)
	if len(state.failures) == 0 {
		delete(g.hosts, host)
	}
	return false
}

// Reset forgets everything recorded for host.
func (g *Guard) Reset(host string) {
	if g == nil {
		return
	}
	g.mu.Lock()
	delete(g.hosts, normalizeHost(host))
	g.mu.Unlock()
}

func normalizeHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
}
