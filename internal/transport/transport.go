// Package transport keeps one framed TCP session per peer direction, with a
// dedicated read loop and write loop per session, and reconnects outbound
// sessions after failures.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/lanptt/internal/clock"
	"pkt.systems/lanptt/internal/connguard"
	"pkt.systems/lanptt/internal/svcfields"
	"pkt.systems/lanptt/internal/wire"
)

const (
	// DefaultDialTimeout bounds one outbound connection attempt.
	DefaultDialTimeout = 3 * time.Second
	// DefaultWriteTimeout bounds one frame write.
	DefaultWriteTimeout = 5 * time.Second
	// DefaultReconnectDelay is the pause before redialing a failed peer.
	DefaultReconnectDelay = time.Second
	// DefaultAcceptPollInterval bounds each accept so the loop observes
	// cancellation.
	DefaultAcceptPollInterval = time.Second
	// DefaultWritePollInterval bounds each queue wait in the write loop.
	DefaultWritePollInterval = 250 * time.Millisecond
	// DefaultMaxWriteFailures is the number of consecutive write failures
	// that tear a session down.
	DefaultMaxWriteFailures = 3
)

// ErrClosed is returned after Shutdown.
var ErrClosed = errors.New("transport: closed")

// Directory receives connectivity side effects.
type Directory interface {
	MarkConnected(host string, port int)
	MarkDisconnected(host string, now time.Time) bool
	RecordActivity(host string)
}

// Handler consumes inbound frames and session lifecycle events.
type Handler interface {
	HandleFrame(host string, payload []byte)
	SessionClosed(host string, outbound bool)
}

// Config configures a Transport.
type Config struct {
	ListenAddr         string
	DialTimeout        time.Duration
	WriteTimeout       time.Duration
	ReconnectDelay     time.Duration
	AcceptPollInterval time.Duration
	WritePollInterval  time.Duration
	MaxFrameSize       int
	MaxWriteFailures   int
	Directory          Directory
	Handler            Handler
	Guard              *connguard.Guard
	Logger             pslog.Logger
	Clock              clock.Clock
}

func (c *Config) normalize() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.AcceptPollInterval <= 0 {
		c.AcceptPollInterval = DefaultAcceptPollInterval
	}
	if c.WritePollInterval <= 0 {
		c.WritePollInterval = DefaultWritePollInterval
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if c.MaxWriteFailures <= 0 {
		c.MaxWriteFailures = DefaultMaxWriteFailures
	}
}

// Transport owns every peer socket.
type Transport struct {
	cfg      Config
	clock    clock.Clock
	logger   pslog.Logger
	metrics  *transportMetrics
	registry metric.Registration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	listener   net.Listener
	sessions   map[string]*session
	outbound   map[string]*session
	hostLocks  map[string]*sync.Mutex
	reconnects map[string]clock.Timer
	forgotten  map[string]struct{}
	shutdown   bool
}

// New constructs a Transport. Nothing is bound until Listen.
func New(cfg Config) *Transport {
	cfg.normalize()
	logger := svcfields.WithSubsystem(cfg.Logger, "transport")
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:        cfg,
		clock:      clock.Ensure(cfg.Clock),
		logger:     logger,
		metrics:    newTransportMetrics(logger),
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*session),
		outbound:   make(map[string]*session),
		hostLocks:  make(map[string]*sync.Mutex),
		reconnects: make(map[string]clock.Timer),
		forgotten:  make(map[string]struct{}),
	}
	t.registry = t.metrics.registerTransport(t)
	return t
}

// Listen binds the service port.
func (t *Transport) Listen(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shutdown {
		return ErrClosed
	}
	if t.listener != nil {
		return nil
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", t.cfg.ListenAddr, err)
	}
	t.listener = ln
	t.logger.Info("transport.listen", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, or nil before Listen.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Serve runs the accept loop until ctx is cancelled or the transport shuts
// down.
func (t *Transport) Serve(ctx context.Context) error {
	t.mu.Lock()
	ln := t.listener
	t.mu.Unlock()
	if ln == nil {
		return errors.New("transport: serve before listen")
	}
	type deadliner interface{ SetDeadline(time.Time) error }
	for {
		if ctx.Err() != nil || t.ctx.Err() != nil {
			return nil
		}
		if d, ok := ln.(deadliner); ok {
			_ = d.SetDeadline(time.Now().Add(t.cfg.AcceptPollInterval))
		}
		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || t.ctx.Err() != nil {
				return nil
			}
			t.logger.Error("transport.accept.failed", "error", err)
			continue
		}
		t.accept(conn)
	}
}

func (t *Transport) accept(conn net.Conn) {
	host, port := splitAddr(conn.RemoteAddr())
	if t.cfg.Guard.Blocked(host) {
		t.metrics.recordRefused()
		t.logger.Debug("transport.session.refused", svcfields.HostKey, host, "port", port)
		_ = conn.Close()
		return
	}
	s := newSession(t.ctx, conn, host, port, false, t.clock.Now(), t.logger)
	if !t.register(s) {
		_ = conn.Close()
		return
	}
	s.logger.Info("transport.session.accepted")
	if t.cfg.Directory != nil {
		t.cfg.Directory.MarkConnected(host, 0)
	}
	t.start(s)
}

// Connect establishes the outbound session to host:port, replacing any
// existing one after its socket has closed. A failed dial schedules a
// reconnect after ReconnectDelay.
func (t *Transport) Connect(ctx context.Context, host string, port int) error {
	if host == "" || port <= 0 {
		return fmt.Errorf("transport: invalid peer address %q:%d", host, port)
	}
	lock, err := t.hostLock(host)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	t.mu.Lock()
	delete(t.forgotten, host)
	if timer, ok := t.reconnects[host]; ok {
		timer.Stop()
		delete(t.reconnects, host)
	}
	prev := t.outbound[host]
	t.mu.Unlock()

	if prev != nil {
		prev.quiet.Store(true)
		t.teardown(prev, errors.New("session replaced"))
		select {
		case <-prev.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		prev.logger.Debug("transport.session.replaced")
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	dialCtx, cancel := mergeCancel(ctx, t.ctx)
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		t.metrics.recordDialFailure()
		t.logger.Warn("transport.dial.failed", svcfields.HostKey, host, "port", port, "error", err)
		if t.cfg.Directory != nil {
			t.cfg.Directory.MarkDisconnected(host, t.clock.Now())
		}
		t.scheduleReconnect(host, port)
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	s := newSession(t.ctx, conn, host, port, true, t.clock.Now(), t.logger)
	if !t.register(s) {
		_ = conn.Close()
		return ErrClosed
	}
	s.logger.Info("transport.session.connected", "port", port)
	if t.cfg.Directory != nil {
		t.cfg.Directory.MarkConnected(host, port)
	}
	t.start(s)
	return nil
}

func (t *Transport) hostLock(host string) (*sync.Mutex, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shutdown {
		return nil, ErrClosed
	}
	lock, ok := t.hostLocks[host]
	if !ok {
		lock = &sync.Mutex{}
		t.hostLocks[host] = lock
	}
	return lock, nil
}

func (t *Transport) register(s *session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shutdown {
		return false
	}
	t.sessions[s.id] = s
	if s.outbound {
		t.outbound[s.host] = s
	}
	return true
}

func (t *Transport) start(s *session) {
	t.wg.Add(2)
	go t.readLoop(s)
	go t.writeLoop(s)
}

// teardown closes s and applies the disconnect side effects once.
func (t *Transport) teardown(s *session, cause error) {
	if !s.close() {
		return
	}
	t.mu.Lock()
	delete(t.sessions, s.id)
	if t.outbound[s.host] == s {
		delete(t.outbound, s.host)
	}
	closing := t.shutdown
	_, forgotten := t.forgotten[s.host]
	t.mu.Unlock()

	s.logger.Info("transport.session.closed", "cause", errorString(cause))
	if closing {
		return
	}
	if t.cfg.Directory != nil && !t.hostConnected(s.host) {
		t.cfg.Directory.MarkDisconnected(s.host, t.clock.Now())
	}
	if t.cfg.Handler != nil {
		t.cfg.Handler.SessionClosed(s.host, s.outbound)
	}
	if s.outbound && !s.quiet.Load() && !forgotten {
		t.scheduleReconnect(s.host, s.port)
	}
}

func (t *Transport) hostConnected(host string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.sessions {
		if s.host == host && !s.closed() {
			return true
		}
	}
	return false
}

func (t *Transport) scheduleReconnect(host string, port int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shutdown {
		return
	}
	if _, ok := t.forgotten[host]; ok {
		return
	}
	if _, ok := t.reconnects[host]; ok {
		return
	}
	t.metrics.recordReconnect()
	t.logger.Debug("transport.reconnect.scheduled", svcfields.HostKey, host, "port", port, "delay", t.cfg.ReconnectDelay)
	t.reconnects[host] = t.clock.AfterFunc(t.cfg.ReconnectDelay, func() {
		t.mu.Lock()
		delete(t.reconnects, host)
		if t.shutdown {
			t.mu.Unlock()
			return
		}
		t.wg.Add(1)
		t.mu.Unlock()
		go func() {
			defer t.wg.Done()
			_ = t.Connect(t.ctx, host, port)
		}()
	})
}

// Send queues payload on the preferred session of every peer and returns
// the number of peers reached.
func (t *Transport) Send(payload []byte) int {
	frame := append([]byte(nil), payload...)
	targets := t.preferredSessions()
	sent := 0
	for _, s := range targets {
		if s.queue.Push(frame) {
			sent++
		}
	}
	return sent
}

// SendTo queues payload for host only.
func (t *Transport) SendTo(host string, payload []byte) bool {
	frame := append([]byte(nil), payload...)
	for _, s := range t.preferredSessions() {
		if s.host == host {
			return s.queue.Push(frame)
		}
	}
	return false
}

// preferredSessions picks one session per host: the outbound session when
// one exists, else the newest inbound session.
func (t *Transport) preferredSessions() []*session {
	t.mu.Lock()
	defer t.mu.Unlock()
	best := make(map[string]*session)
	for _, s := range t.sessions {
		if s.closed() {
			continue
		}
		cur, ok := best[s.host]
		switch {
		case !ok:
			best[s.host] = s
		case cur.outbound:
		case s.outbound || s.created.After(cur.created):
			best[s.host] = s
		}
	}
	out := make([]*session, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	return out
}

// Disconnect closes every session to host and drops its queued frames. An
// outbound session is redialed after ReconnectDelay.
func (t *Transport) Disconnect(host string) {
	t.disconnect(host, true)
}

// Forget closes every session to host and cancels reconnects until the next
// Connect.
func (t *Transport) Forget(host string) {
	t.mu.Lock()
	t.forgotten[host] = struct{}{}
	if timer, ok := t.reconnects[host]; ok {
		timer.Stop()
		delete(t.reconnects, host)
	}
	t.mu.Unlock()
	t.disconnect(host, false)
}

func (t *Transport) disconnect(host string, reconnect bool) {
	t.mu.Lock()
	var victims []*session
	for _, s := range t.sessions {
		if s.host == host {
			victims = append(victims, s)
		}
	}
	t.mu.Unlock()
	port := 0
	for _, s := range victims {
		s.quiet.Store(true)
		if s.outbound {
			port = s.port
		}
		t.teardown(s, errors.New("disconnect requested"))
	}
	if len(victims) > 0 {
		t.logger.Info("transport.disconnect", svcfields.HostKey, host, "sessions", len(victims))
	}
	if reconnect && port > 0 {
		t.scheduleReconnect(host, port)
	}
}

// Sessions lists live sessions ordered by host then creation time.
func (t *Transport) Sessions() []SessionInfo {
	t.mu.Lock()
	out := make([]SessionInfo, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.info())
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Shutdown closes the listener and every session and stops all loops.
// Queued frames are dropped. Calling Shutdown twice is a no-op.
func (t *Transport) Shutdown() {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return
	}
	t.shutdown = true
	t.cancel()
	ln := t.listener
	for host, timer := range t.reconnects {
		timer.Stop()
		delete(t.reconnects, host)
	}
	victims := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		victims = append(victims, s)
	}
	t.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, s := range victims {
		s.quiet.Store(true)
		t.teardown(s, ErrClosed)
	}
	t.wg.Wait()
	if t.registry != nil {
		_ = t.registry.Unregister()
	}
	t.logger.Info("transport.shutdown", "sessions", len(victims))
}

func (t *Transport) metricsSnapshot() (inbound, outbound, queued int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.sessions {
		if s.outbound {
			outbound++
		} else {
			inbound++
		}
		queued += int64(s.queue.Len())
	}
	return inbound, outbound, queued
}

func splitAddr(addr net.Addr) (string, int) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// mergeCancel returns a context cancelled when either parent is.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
