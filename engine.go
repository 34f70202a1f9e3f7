package lanptt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"pkt.systems/pslog"

	"pkt.systems/lanptt/internal/broker"
	"pkt.systems/lanptt/internal/clock"
	"pkt.systems/lanptt/internal/connguard"
	"pkt.systems/lanptt/internal/directory"
	"pkt.systems/lanptt/internal/discovery"
	"pkt.systems/lanptt/internal/floor"
	"pkt.systems/lanptt/internal/membership"
	"pkt.systems/lanptt/internal/messaging"
	"pkt.systems/lanptt/internal/settings"
	"pkt.systems/lanptt/internal/svcfields"
	"pkt.systems/lanptt/internal/transport"
	"pkt.systems/lanptt/internal/wire"
)

var (
	// ErrStarted is returned by Start on an engine that already ran.
	ErrStarted = errors.New("lanptt: engine already started")
	// ErrNotStarted is returned by operations that need a running engine.
	ErrNotStarted = errors.New("lanptt: engine not started")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("lanptt: engine shut down")
)

// Status is a point-in-time view of the node.
type Status struct {
	NodeID       string
	Name         string
	Listen       string
	FloorMode    FloorMode
	Cluster      membership.Status
	FloorOwner   string
	FloorVersion uint64
	FloorPhase   floor.Phase
	Queue        []string
	Peers        []directory.Peer
	Sessions     []transport.SessionInfo
}

// Engine wires the transport, directory, membership, floor arbitration and
// messaging of one node.
type Engine struct {
	cfg      Config
	logger   pslog.Logger
	clock    clock.Clock
	listener Listener
	tracer   trace.Tracer
	metrics  *engineMetrics

	dir        *directory.Directory
	members    *membership.Table
	floorState *floor.State
	queue      *floor.Queue
	arbiter    *floor.Arbiter
	transport  *transport.Transport
	facade     *messaging.Facade
	settings   *settings.Store
	sources    []discovery.Source

	settingsErr error

	eventsMu sync.Mutex
	events   []func()
	wake     chan struct{}

	mu         sync.Mutex
	started    bool
	stopped    bool
	joinedAt   time.Time
	cancel     context.CancelFunc
	group      *errgroup.Group
	runCtx     context.Context
	bridge     *broker.Bridge
	telemetry  *telemetryBundle
	metricsReg metric.Registration
}

// NewEngine validates cfg and constructs every component. Nothing touches the
// network until Start.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	for _, hook := range o.configHooks {
		hook(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := svcfields.Ensure(o.Logger).With(svcfields.NodeKey, cfg.NodeID)
	clk := clock.Ensure(o.Clock)
	listener := o.Listener
	if listener == nil {
		listener = NopListener{}
	}
	e := &Engine{
		cfg:      cfg,
		logger:   svcfields.WithSubsystem(logger, "engine"),
		clock:    clk,
		listener: listener,
		tracer:   otel.Tracer("pkt.systems/lanptt"),
		sources:  append([]discovery.Source(nil), o.Sources...),
		wake:     make(chan struct{}, 1),
	}
	e.metrics = newEngineMetrics(e.logger)

	e.settings = o.Settings
	if e.settings == nil && cfg.SettingsPath != "" {
		store, err := settings.Open(cfg.SettingsPath, logger)
		if err != nil {
			e.settingsErr = err
			e.logger.Warn("engine.settings.unavailable", "path", cfg.SettingsPath, "error", err)
		} else {
			e.settings = store
		}
	}

	e.dir = directory.New(directory.Config{Debounce: cfg.Debounce, Clock: clk, Logger: logger})
	e.members = membership.New(membership.Config{
		SelfID:       cfg.NodeID,
		ActiveWindow: cfg.ActiveWindow,
		Clock:        clk,
		Logger:       logger,
	})
	e.floorState = floor.NewState(floor.StateConfig{TalkDuration: cfg.TalkDuration, Clock: clk, Logger: logger})
	e.queue = floor.NewQueue()
	var guard *connguard.Guard
	if !cfg.ConnGuardDisabled {
		guard = connguard.New(connguard.Config{
			FailureThreshold: cfg.ConnGuardThreshold,
			FailureWindow:    cfg.ConnGuardWindow,
			BlockDuration:    cfg.ConnGuardBlock,
			Clock:            clk,
			Logger:           logger,
		})
	}
	e.transport = transport.New(transport.Config{
		ListenAddr:     cfg.Listen,
		DialTimeout:    cfg.DialTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		ReconnectDelay: cfg.ReconnectDelay,
		MaxFrameSize:   cfg.MaxFrameSize,
		Directory:      e.dir,
		Handler:        e,
		Guard:          guard,
		Logger:         logger,
		Clock:          clk,
	})
	e.facade = messaging.New(messaging.Config{Transport: e.transport, Logger: logger})
	e.arbiter = floor.NewArbiter(floor.ArbiterConfig{
		SelfID:  cfg.NodeID,
		State:   e.floorState,
		Queue:   e.queue,
		Cluster: e.members,
		Sender:  e.facade,
		Clock:   clk,
		Logger:  logger,
	})

	e.dir.OnTransition(func(host string, connected bool) {
		if connected {
			return
		}
		if nodes := e.arbiter.HostLost(host); len(nodes) > 0 {
			e.logger.Info("engine.host.lost", svcfields.HostKey, host, "nodes", nodes)
		}
	})
	e.floorState.OnChange(func(c floor.Change) {
		ev := FloorEvent{
			Kind:     FloorOwnerChanged,
			Owner:    c.Owner,
			Previous: c.Previous,
			Reason:   c.Reason,
			Version:  c.Version,
		}
		e.dispatch(func() { e.listener.OnFloor(ev) })
	})
	e.arbiter.OnPhase(func(p floor.Phase) {
		ev := FloorEvent{
			Kind:    FloorPhaseChanged,
			Owner:   e.floorState.Owner(),
			Version: e.floorState.Version(),
			Phase:   p,
		}
		e.dispatch(func() { e.listener.OnFloor(ev) })
	})
	e.members.Subscribe(func(s membership.Status) {
		e.dispatch(func() { e.listener.OnCluster(s) })
	})
	if e.settings != nil {
		e.applySettings(e.settings.Current())
	}
	return e, nil
}

// NodeID returns the local node id.
func (e *Engine) NodeID() string {
	return e.cfg.NodeID
}

// Config returns the validated configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Addr returns the bound peer listener address, or nil before Start.
func (e *Engine) Addr() net.Addr {
	return e.transport.Addr()
}

// MetricsAddr returns the bound metrics endpoint, or nil when disabled.
func (e *Engine) MetricsAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.telemetry == nil {
		return nil
	}
	return e.telemetry.metricsAddr
}

// Start binds the listener and runs the accept, heartbeat, ping and sweep
// loops together with discovery, settings reload and the broker bridge.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrClosed
	}
	if e.started {
		return ErrStarted
	}

	tel, err := startTelemetry(ctx, telemetryConfig{
		NodeID:         e.cfg.NodeID,
		OTLPEndpoint:   e.cfg.OTLPEndpoint,
		MetricsListen:  e.cfg.MetricsListen,
		PprofListen:    e.cfg.PprofListen,
		RuntimeMetrics: e.cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(e.logger, "telemetry"))
	if err != nil {
		return err
	}
	if err := e.transport.Listen(ctx); err != nil {
		_ = tel.Shutdown(ctx)
		return err
	}
	e.telemetry = tel
	e.metricsReg = e.metrics.register(e)

	e.joinedAt = e.clock.Now()
	e.members.InitializeSelf(e.cfg.NodeID, e.joinedAt)

	runCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)
	e.cancel = cancel
	e.group = group
	e.runCtx = groupCtx
	e.started = true

	group.Go(func() error { return e.transport.Serve(groupCtx) })
	group.Go(func() error { return e.dispatchLoop(groupCtx) })
	group.Go(func() error { return e.heartbeatLoop(groupCtx) })
	group.Go(func() error { return e.pingLoop(groupCtx) })
	group.Go(func() error { return e.sweepLoop(groupCtx) })

	if e.settingsErr != nil {
		err := e.settingsErr
		e.dispatch(func() { e.listener.OnDegraded(CapabilitySettings, err) })
	}
	if e.settings != nil {
		store := e.settings
		group.Go(func() error {
			if err := store.Watch(groupCtx, e.applySettings); err != nil {
				e.logger.Warn("engine.settings.watch_failed", "error", err)
				e.dispatch(func() { e.listener.OnDegraded(CapabilitySettings, err) })
			}
			return nil
		})
	}

	sources := e.discoverySources()
	if len(sources) > 0 {
		events := make(chan discovery.Event, 64)
		for _, src := range sources {
			group.Go(func() error {
				if err := src.Run(groupCtx, events); err != nil && groupCtx.Err() == nil {
					e.logger.Warn("engine.discovery.failed", "error", err)
					e.dispatch(func() { e.listener.OnDegraded(CapabilityDiscovery, err) })
				}
				return nil
			})
		}
		group.Go(func() error { return e.consumeDiscovery(groupCtx, events) })
	}

	if strings.TrimSpace(e.cfg.BrokerURL) != "" {
		group.Go(func() error {
			e.connectBroker(groupCtx)
			return nil
		})
	}

	e.logger.Info("engine.started",
		"listen", e.transport.Addr().String(),
		"name", e.cfg.Name,
		"floor_mode", string(e.cfg.FloorMode),
		"static_peers", len(e.cfg.Peers),
	)
	return nil
}

// Shutdown stops every loop, closes all sessions and flushes telemetry. It is
// safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped || !e.started {
		e.stopped = true
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancel := e.cancel
	group := e.group
	bridge := e.bridge
	tel := e.telemetry
	reg := e.metricsReg
	e.bridge = nil
	e.metricsReg = nil
	e.mu.Unlock()

	e.logger.Info("engine.shutdown.begin")
	cancel()
	e.facade.SetPublisher(nil)
	if bridge != nil {
		bridge.Close()
	}
	e.transport.Shutdown()

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	e.floorState.Reset()
	if reg != nil {
		_ = reg.Unregister()
	}
	if tel != nil {
		if terr := tel.Shutdown(ctx); terr != nil && err == nil {
			err = terr
		}
	}
	e.logger.Info("engine.shutdown.complete", "error", errorString(err))
	return err
}

func (e *Engine) goRunning(fn func(ctx context.Context)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrClosed
	}
	if !e.started {
		return ErrNotStarted
	}
	ctx := e.runCtx
	e.group.Go(func() error {
		fn(ctx)
		return nil
	})
	return nil
}

// PeerAppeared records the peer's advertised name and opens a session to
// host:port in the background. The peer joins the membership table with its
// first heartbeat, since only that carries its node id.
func (e *Engine) PeerAppeared(host string, port int, name string) error {
	host = strings.TrimSpace(host)
	if host == "" || port <= 0 || port > 65535 {
		return fmt.Errorf("lanptt: invalid peer address %q:%d", host, port)
	}
	if name != "" {
		e.dir.RecordAdvertisedName(host, name)
	}
	return e.goRunning(func(ctx context.Context) {
		if err := e.transport.Connect(ctx, host, port); err != nil {
			e.logger.Debug("engine.peer.connect_failed", svcfields.HostKey, host, "port", port, "error", err)
		}
	})
}

// PeerDisappeared marks host disconnected. When the directory honours the
// signal its sessions are closed and reconnects are cancelled.
func (e *Engine) PeerDisappeared(host string) bool {
	if !e.dir.MarkDisconnected(host, e.clock.Now()) {
		return false
	}
	e.transport.Forget(host)
	return true
}

// PeerDisappearedByName applies PeerDisappeared to every host advertising
// name and returns the hosts that were disconnected.
func (e *Engine) PeerDisappearedByName(name string) []string {
	hosts := e.dir.MarkDisconnectedByName(name, e.clock.Now())
	for _, host := range hosts {
		e.transport.Forget(host)
	}
	return hosts
}

// SendAudio broadcasts an audio frame and returns the number of peers it was
// queued for.
func (e *Engine) SendAudio(samples []byte) int {
	return e.facade.SendAudio(samples)
}

// SendChat broadcasts chat text.
func (e *Engine) SendChat(text string) (int, error) {
	return e.facade.SendChat(text)
}

// RequestFloor asks for the floor using the configured floor mode.
func (e *Engine) RequestFloor(ctx context.Context) {
	_, span := e.tracer.Start(ctx, "lanptt.floor.request",
		trace.WithAttributes(attribute.String("lanptt.floor.mode", string(e.cfg.FloorMode))))
	defer span.End()
	if e.cfg.FloorMode == FloorModeDirect {
		e.arbiter.TakeDirect()
	} else {
		e.arbiter.Request()
	}
	span.SetAttributes(attribute.String("lanptt.floor.phase", e.arbiter.Phase().String()))
}

// ReleaseFloor gives up the floor or cancels a pending request.
func (e *Engine) ReleaseFloor(ctx context.Context) {
	_, span := e.tracer.Start(ctx, "lanptt.floor.release",
		trace.WithAttributes(attribute.String("lanptt.floor.mode", string(e.cfg.FloorMode))))
	defer span.End()
	if e.cfg.FloorMode == FloorModeDirect {
		e.arbiter.ReleaseDirect()
	} else {
		e.arbiter.Release()
	}
}

// FloorPhase returns the local floor phase.
func (e *Engine) FloorPhase() floor.Phase {
	return e.arbiter.Phase()
}

// Status returns the current node view.
func (e *Engine) Status() Status {
	st := Status{
		NodeID:       e.cfg.NodeID,
		Name:         e.cfg.Name,
		FloorMode:    e.cfg.FloorMode,
		Cluster:      e.members.Status(),
		FloorOwner:   e.floorState.Owner(),
		FloorVersion: e.floorState.Version(),
		FloorPhase:   e.arbiter.Phase(),
		Queue:        e.queue.Pending(),
		Peers:        e.dir.Snapshot(),
		Sessions:     e.transport.Sessions(),
	}
	if addr := e.transport.Addr(); addr != nil {
		st.Listen = addr.String()
	}
	return st
}

// Peers returns the directory snapshot.
func (e *Engine) Peers() []directory.Peer {
	return e.dir.Snapshot()
}

// SubscribePeers delivers directory snapshots whenever a published field
// changes. Call the returned function to unsubscribe.
func (e *Engine) SubscribePeers() (<-chan []directory.Peer, func()) {
	return e.dir.Subscribe()
}

// Members returns the membership table.
func (e *Engine) Members() []membership.Member {
	return e.members.Members()
}

// HandleFrame dispatches one inbound payload from host.
func (e *Engine) HandleFrame(host string, payload []byte) {
	msg, err := wire.Classify(payload)
	if err != nil {
		e.metrics.recordDiscarded()
		e.logger.Debug("engine.frame.discarded", svcfields.HostKey, host, "error", err)
		return
	}
	e.metrics.recordFrame(msg.Kind.String())
	switch msg.Kind {
	case wire.KindAudio:
		e.listener.OnAudio(msg.Audio, host)
	case wire.KindChat:
		if !e.facade.ChatEnabled() {
			e.logger.Debug("engine.chat.dropped", svcfields.HostKey, host)
			return
		}
		e.listener.OnChat(msg.Text, host)
	case wire.KindPing:
		e.facade.Pong(host)
	case wire.KindPong:
	case wire.KindLegacy:
		e.arbiter.HandleLegacy(host, msg.Legacy)
	case wire.KindControl:
		e.handleControl(host, msg.Envelope)
	}
}

// SessionClosed is called by the transport after a session ends.
func (e *Engine) SessionClosed(host string, outbound bool) {
	e.logger.Debug("engine.session.closed", svcfields.HostKey, host, "outbound", outbound)
}

func (e *Engine) handleControl(host string, env wire.Envelope) {
	if env.Type == wire.TypeHeartbeat {
		if env.NodeID != e.cfg.NodeID {
			e.members.OnHeartbeat(heartbeatFromEnvelope(env), e.clock.Now())
		}
		e.arbiter.HandleEnvelope(host, env)
		return
	}
	_, span := e.tracer.Start(context.Background(), "lanptt.control."+strings.ToLower(env.Type.String()),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("lanptt.node", env.NodeID),
			attribute.String("lanptt.host", host),
			attribute.Int64("lanptt.term", int64(env.Term)),
			attribute.Int64("lanptt.seq", int64(env.Seq)),
		))
	defer span.End()
	e.arbiter.HandleEnvelope(host, env)
	span.SetAttributes(attribute.String("lanptt.floor.owner", e.floorState.Owner()))
}

func heartbeatFromEnvelope(env wire.Envelope) membership.Heartbeat {
	hb := membership.Heartbeat{
		NodeID:    env.NodeID,
		Term:      env.Term,
		Timestamp: time.UnixMilli(env.TimestampMs).UTC(),
	}
	if env.JoinedAtMs > 0 {
		hb.JoinedAt = time.UnixMilli(env.JoinedAtMs).UTC()
	}
	if env.HasUptime {
		hb.Uptime = time.Duration(env.UptimeMs) * time.Millisecond
		hb.HasUptime = true
	}
	return hb
}

func (e *Engine) sendHeartbeat() {
	now := e.clock.Now()
	e.members.InitializeSelf(e.cfg.NodeID, now)
	e.mu.Lock()
	joined := e.joinedAt
	e.mu.Unlock()
	env := wire.Envelope{
		Type:        wire.TypeHeartbeat,
		NodeID:      e.cfg.NodeID,
		Term:        e.members.Term(),
		Seq:         e.members.NextSeq(),
		TimestampMs: now.UnixMilli(),
		JoinedAtMs:  joined.UnixMilli(),
		UptimeMs:    now.Sub(joined).Milliseconds(),
		HasUptime:   true,
	}
	e.facade.SendControl(env)
}

func (e *Engine) heartbeatLoop(ctx context.Context) error {
	for {
		e.sendHeartbeat()
		select {
		case <-ctx.Done():
			return nil
		case <-e.clock.After(e.cfg.HeartbeatInterval):
		}
	}
}

func (e *Engine) pingLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.clock.After(e.cfg.PingInterval):
		}
		e.facade.Ping()
	}
}

func (e *Engine) sweepLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.clock.After(e.cfg.SweepInterval):
		}
		e.sweep()
	}
}

func (e *Engine) sweep() {
	now := e.clock.Now()
	for _, host := range e.dir.SweepStale(e.cfg.PeerStaleAfter, now) {
		e.transport.Disconnect(host)
	}
	for _, node := range e.members.SweepStale(e.cfg.MemberTimeout, now) {
		if e.arbiter.NodeLost(node) {
			e.logger.Info("engine.member.lost_floor", svcfields.NodeKey, node)
		}
	}
	e.arbiter.GrantNext()
}

func (e *Engine) applySettings(s settings.Settings) {
	e.floorState.SetTalkDuration(s.TalkDuration)
	e.facade.SetChatEnabled(s.ChatEnabled)
}

func (e *Engine) discoverySources() []discovery.Source {
	sources := append([]discovery.Source(nil), e.sources...)
	if len(e.cfg.Peers) > 0 {
		static, err := discovery.NewStatic(e.cfg.Peers)
		if err == nil {
			sources = append(sources, static)
		}
	}
	mdnsEnabled := e.cfg.MDNS
	if e.settings != nil && !e.settings.Current().MDNSEnabled {
		mdnsEnabled = false
	}
	if mdnsEnabled {
		port := 0
		if tcp, ok := e.transport.Addr().(*net.TCPAddr); ok {
			port = tcp.Port
		}
		sources = append(sources, discovery.NewMDNS(discovery.MDNSConfig{
			Instance:       e.cfg.Name,
			Service:        e.cfg.MDNSService,
			Port:           port,
			NodeID:         e.cfg.NodeID,
			Advertise:      true,
			BrowseInterval: e.cfg.MDNSBrowseInterval,
			Logger:         e.logger,
		}))
	}
	return sources
}

func (e *Engine) consumeDiscovery(ctx context.Context, events <-chan discovery.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			switch ev.Kind {
			case discovery.Appeared:
				if err := e.PeerAppeared(ev.Host, ev.Port, ev.Name); err != nil && !errors.Is(err, ErrClosed) {
					e.logger.Warn("engine.discovery.peer_rejected", svcfields.HostKey, ev.Host, "port", ev.Port, "error", err)
				}
			case discovery.Disappeared:
				if ev.Host != "" {
					e.PeerDisappeared(ev.Host)
				} else {
					e.PeerDisappearedByName(ev.Name)
				}
			}
		}
	}
}

func (e *Engine) connectBroker(ctx context.Context) {
	bridge, err := broker.New(broker.Config{
		URL:    e.cfg.BrokerURL,
		Topic:  e.cfg.BrokerTopic,
		SelfID: e.cfg.NodeID,
		Logger: e.logger,
	})
	if err != nil {
		e.logger.Warn("engine.broker.unavailable", "url", e.cfg.BrokerURL, "error", err)
		e.dispatch(func() { e.listener.OnDegraded(CapabilityBroker, err) })
		return
	}
	e.mu.Lock()
	if e.stopped || ctx.Err() != nil {
		e.mu.Unlock()
		bridge.Close()
		return
	}
	e.bridge = bridge
	e.mu.Unlock()

	err = bridge.Subscribe(func(env wire.Envelope) {
		host := broker.Host
		if mapped, ok := e.queue.HostOf(env.NodeID); ok {
			host = mapped
		}
		e.handleControl(host, env)
	})
	if err != nil {
		e.logger.Warn("engine.broker.subscribe_failed", "error", err)
		e.dispatch(func() { e.listener.OnDegraded(CapabilityBroker, err) })
		return
	}
	e.facade.SetPublisher(bridge)
}

// dispatch queues fn for the dispatcher goroutine so listener callbacks never
// run under component locks.
func (e *Engine) dispatch(fn func()) {
	e.eventsMu.Lock()
	e.events = append(e.events, fn)
	e.eventsMu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) dispatchLoop(ctx context.Context) error {
	for {
		e.eventsMu.Lock()
		batch := e.events
		e.events = nil
		e.eventsMu.Unlock()
		for _, fn := range batch {
			fn()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
		}
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
