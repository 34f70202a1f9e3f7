package floor

import (
	"slices"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/lanptt/internal/clock"
	"pkt.systems/lanptt/internal/membership"
	"pkt.systems/lanptt/internal/svcfields"
	"pkt.systems/lanptt/internal/wire"
)

// DefaultLocalHost is the host the coordinating node maps its own id to.
const DefaultLocalHost = "local"

const nodeOwnerPrefix = "node:"

// NodeOwner returns the owner token recorded for an arbitrated grant.
func NodeOwner(nodeID string) string {
	return nodeOwnerPrefix + nodeID
}

// OwnerNode extracts the node id from an arbitrated owner token.
func OwnerNode(owner string) (string, bool) {
	return strings.CutPrefix(owner, nodeOwnerPrefix)
}

// Phase is the local node's floor phase.
type Phase uint8

const (
	// PhaseIdle means the local node neither holds nor wants the floor.
	PhaseIdle Phase = iota
	// PhasePending means a request is outstanding.
	PhasePending
	// PhaseHeld means the local node may transmit.
	PhaseHeld
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseHeld:
		return "held"
	default:
		return "idle"
	}
}

// Sender delivers control traffic to peers.
type Sender interface {
	SendControl(env wire.Envelope) int
	SendControlTo(host string, env wire.Envelope) bool
	SendLegacy(cmd wire.LegacyCommand) int
}

// Cluster is the membership view the arbiter consults.
type Cluster interface {
	Status() membership.Status
	Term() uint64
	NextSeq() uint64
	ObserveTerm(term uint64)
}

// ArbiterConfig configures an Arbiter.
type ArbiterConfig struct {
	SelfID    string
	LocalHost string
	State     *State
	Queue     *Queue
	Cluster   Cluster
	Sender    Sender
	Clock     clock.Clock
	Logger    pslog.Logger
}

// Arbiter is the floor state machine IDLE -> PENDING -> HELD -> IDLE.
type Arbiter struct {
	self      string
	localHost string
	state     *State
	queue     *Queue
	cluster   Cluster
	sender    Sender
	clock     clock.Clock
	logger    pslog.Logger
	metrics   *floorMetrics

	mu        sync.Mutex
	phase     Phase
	listeners []func(Phase)
	// outbox holds control traffic produced under mu. It is sent in order
	// after mu is released by whichever caller is flushing.
	outbox   []outbound
	flushing bool
}

// outbound is one queued send: a broadcast envelope, an envelope for host,
// or a legacy command.
type outbound struct {
	host   string
	env    wire.Envelope
	legacy wire.LegacyCommand
}

// NewArbiter wires an arbiter and subscribes it to fallback timeouts.
func NewArbiter(cfg ArbiterConfig) *Arbiter {
	logger := svcfields.WithSubsystem(cfg.Logger, "floor.arbiter")
	if cfg.LocalHost == "" {
		cfg.LocalHost = DefaultLocalHost
	}
	if cfg.State == nil {
		cfg.State = NewState(StateConfig{Clock: cfg.Clock, Logger: cfg.Logger})
	}
	if cfg.Queue == nil {
		cfg.Queue = NewQueue()
	}
	a := &Arbiter{
		self:      cfg.SelfID,
		localHost: cfg.LocalHost,
		state:     cfg.State,
		queue:     cfg.Queue,
		cluster:   cfg.Cluster,
		sender:    cfg.Sender,
		clock:     clock.Ensure(cfg.Clock),
		logger:    logger,
		metrics:   newFloorMetrics(logger),
	}
	a.queue.MapNode(a.self, a.localHost)
	a.state.OnChange(a.onStateChange)
	return a
}

// State exposes the owner record.
func (a *Arbiter) State() *State { return a.state }

// Queue exposes the request queue.
func (a *Arbiter) Queue() *Queue { return a.queue }

// OnPhase registers fn for local phase transitions. fn runs without the
// arbiter lock held.
func (a *Arbiter) OnPhase(fn func(Phase)) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

// Phase returns the local phase.
func (a *Arbiter) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// Request asks for the floor. The coordinating node queues itself and grants
// locally; other nodes broadcast FLOOR_REQUEST.
func (a *Arbiter) Request() {
	a.mu.Lock()
	prev := a.phase
	if prev == PhaseHeld {
		a.mu.Unlock()
		return
	}
	a.phase = PhasePending
	if a.isLeader() {
		a.queue.MapNode(a.self, a.localHost)
		a.queue.Enqueue(a.self)
		a.grantNextLocked()
	} else {
		a.send(a.envelope(wire.TypeFloorRequest))
	}
	a.unlock(prev)
}

// Release gives up the floor or cancels an outstanding request.
func (a *Arbiter) Release() {
	a.mu.Lock()
	prev := a.phase
	switch prev {
	case PhaseHeld:
		a.send(a.envelope(wire.TypeFloorRelease))
		a.queue.RemoveNode(a.self)
		a.state.Release(NodeOwner(a.self))
		a.metrics.recordRelease("arbitrated")
	case PhasePending:
		a.send(a.envelope(wire.TypeFloorRelease))
		a.queue.RemoveNode(a.self)
	default:
		a.mu.Unlock()
		return
	}
	a.phase = PhaseIdle
	if a.isLeader() {
		a.grantNextLocked()
	}
	a.unlock(prev)
}

// HandleEnvelope applies a control envelope received from host.
func (a *Arbiter) HandleEnvelope(host string, env wire.Envelope) {
	if a.cluster != nil {
		a.cluster.ObserveTerm(env.Term)
	}
	if env.NodeID == a.self {
		return
	}
	a.mu.Lock()
	prev := a.phase
	switch env.Type {
	case wire.TypeHeartbeat:
		a.queue.MapNode(env.NodeID, host)
	case wire.TypeFloorRequest:
		a.queue.MapNode(env.NodeID, host)
		a.queue.Enqueue(env.NodeID)
		if a.isLeader() {
			owner := a.state.Owner()
			if owner != "" && owner != NodeOwner(env.NodeID) {
				busy := a.envelope(wire.TypeFloorBusy)
				busy.Owner = ownerLabel(owner)
				a.sendTo(host, busy)
				a.metrics.recordBusy("sent")
				a.logger.Debug("floor.request.busy", svcfields.NodeKey, env.NodeID, "owner", owner)
			} else {
				a.grantNextLocked()
			}
		}
	case wire.TypeFloorGrant:
		a.queue.RemoveNode(env.Target)
		a.state.Acquire(NodeOwner(env.Target))
		switch {
		case env.Target == a.self:
			a.phase = PhaseHeld
		case a.phase == PhaseHeld:
			a.phase = PhaseIdle
		}
		a.logger.Info("floor.grant.received", svcfields.NodeKey, env.NodeID, "target", env.Target, "term", env.Term)
	case wire.TypeFloorRelease:
		a.queue.RemoveNode(env.NodeID)
		if a.state.Release(NodeOwner(env.NodeID)) {
			a.metrics.recordRelease("arbitrated")
		}
		if a.isLeader() {
			a.grantNextLocked()
		}
	case wire.TypeFloorBusy:
		a.metrics.recordBusy("received")
		a.logger.Debug("floor.request.deferred", "owner", env.Owner, "phase", a.phase.String())
	}
	a.unlock(prev)
}

// GrantNext grants the floor to the next resolvable queued node when the
// local node coordinates and the floor is free.
func (a *Arbiter) GrantNext() (Target, bool) {
	a.mu.Lock()
	prev := a.phase
	target, ok := a.grantNextLocked()
	a.unlock(prev)
	return target, ok
}

func (a *Arbiter) grantNextLocked() (Target, bool) {
	if !a.isLeader() || a.state.Owner() != "" {
		return Target{}, false
	}
	target, ok := a.queue.PollNextTarget()
	if !ok {
		return Target{}, false
	}
	grant := a.envelope(wire.TypeFloorGrant)
	grant.Target = target.NodeID
	a.send(grant)
	a.state.Acquire(NodeOwner(target.NodeID))
	self := target.NodeID == a.self
	if self {
		a.phase = PhaseHeld
	}
	a.metrics.recordGrant(self)
	a.logger.Info("floor.grant.issued", "target", target.NodeID, svcfields.HostKey, target.Host)
	return target, true
}

// HostLost purges requests and ownership tied to host and returns the
// affected node ids.
func (a *Arbiter) HostLost(host string) []string {
	a.mu.Lock()
	prev := a.phase
	nodes := a.queue.RemoveHost(host)
	owner := a.state.Owner()
	cleared := false
	if owner == host {
		cleared = a.state.ClearOwner(owner, ReasonHostLost)
	}
	for _, node := range nodes {
		if owner == NodeOwner(node) {
			cleared = a.state.ClearOwner(owner, ReasonHostLost)
		}
	}
	if cleared {
		a.logger.Info("floor.owner.lost", svcfields.HostKey, host, "owner", owner)
	}
	if a.isLeader() {
		a.grantNextLocked()
	}
	a.unlock(prev)
	return nodes
}

// NodeLost drops the pending request and any ownership of a node that left
// the cluster. It reports whether the floor was freed.
func (a *Arbiter) NodeLost(node string) bool {
	if node == "" || node == a.self {
		return false
	}
	a.mu.Lock()
	prev := a.phase
	a.queue.RemoveNode(node)
	freed := a.state.ClearOwner(NodeOwner(node), ReasonHostLost)
	if a.isLeader() {
		a.grantNextLocked()
	}
	a.unlock(prev)
	return freed
}

// TakeDirect takes the floor unilaterally and announces it with the legacy
// grammar.
func (a *Arbiter) TakeDirect() {
	a.mu.Lock()
	prev := a.phase
	a.state.Acquire(a.localHost)
	a.sendLegacy(wire.LegacyTaken)
	a.phase = PhaseHeld
	a.unlock(prev)
}

// ReleaseDirect releases a floor taken with TakeDirect.
func (a *Arbiter) ReleaseDirect() {
	a.mu.Lock()
	prev := a.phase
	if prev == PhaseIdle {
		a.mu.Unlock()
		return
	}
	a.sendLegacy(wire.LegacyReleased)
	if a.state.Release(a.localHost) {
		a.metrics.recordRelease("direct")
	}
	a.phase = PhaseIdle
	a.unlock(prev)
}

// HandleLegacy applies a legacy floor command received from host. The owner
// token is the sender's host.
func (a *Arbiter) HandleLegacy(host string, cmd wire.LegacyCommand) {
	a.mu.Lock()
	prev := a.phase
	switch cmd {
	case wire.LegacyTaken:
		a.state.Acquire(host)
		if a.phase == PhaseHeld {
			a.phase = PhaseIdle
		}
	case wire.LegacyReleased:
		if a.state.Release(host) {
			a.metrics.recordRelease("direct")
		}
	}
	a.unlock(prev)
}

// onStateChange reacts to the fallback timer clearing a floor this node
// holds. Timer callbacks never run under the arbiter lock.
func (a *Arbiter) onStateChange(change Change) {
	if change.Reason != ReasonTimeout {
		return
	}
	a.mu.Lock()
	prev := a.phase
	switch change.Previous {
	case NodeOwner(a.self):
		a.queue.RemoveNode(a.self)
		a.send(a.envelope(wire.TypeFloorRelease))
		a.phase = PhaseIdle
		a.logger.Info("floor.hold.expired", "mode", "arbitrated")
	case a.localHost:
		a.sendLegacy(wire.LegacyReleased)
		a.phase = PhaseIdle
		a.logger.Info("floor.hold.expired", "mode", "direct")
	}
	if a.isLeader() {
		a.grantNextLocked()
	}
	a.unlock(prev)
}

func (a *Arbiter) isLeader() bool {
	if a.cluster == nil {
		return true
	}
	return a.cluster.Status().IsLeader()
}

func (a *Arbiter) envelope(typ wire.EnvelopeType) wire.Envelope {
	env := wire.Envelope{
		Type:        typ,
		NodeID:      a.self,
		TimestampMs: a.clock.Now().UnixMilli(),
	}
	if a.cluster != nil {
		env.Term = a.cluster.Term()
		env.Seq = a.cluster.NextSeq()
	}
	return env
}

func (a *Arbiter) send(env wire.Envelope) {
	a.outbox = append(a.outbox, outbound{env: env})
}

func (a *Arbiter) sendTo(host string, env wire.Envelope) {
	a.outbox = append(a.outbox, outbound{host: host, env: env})
}

func (a *Arbiter) sendLegacy(cmd wire.LegacyCommand) {
	a.outbox = append(a.outbox, outbound{legacy: cmd})
}

// unlock releases the arbiter lock, flushes queued sends and notifies phase
// listeners when the phase moved away from prev.
func (a *Arbiter) unlock(prev Phase) {
	next := a.phase
	var listeners []func(Phase)
	if next != prev {
		listeners = slices.Clone(a.listeners)
	}
	a.mu.Unlock()
	a.flush()
	if next != prev {
		a.logger.Info("floor.phase.changed", "from", prev.String(), "to", next.String())
	}
	for _, fn := range listeners {
		fn(next)
	}
}

// flush sends the outbox without holding mu. Only one caller flushes at a
// time, so sends leave in the order they were queued; a caller that finds a
// flush in progress leaves its sends to that flusher.
func (a *Arbiter) flush() {
	for {
		a.mu.Lock()
		if a.flushing || len(a.outbox) == 0 {
			a.mu.Unlock()
			return
		}
		batch := a.outbox
		a.outbox = nil
		a.flushing = true
		a.mu.Unlock()

		for _, out := range batch {
			switch {
			case out.legacy != 0:
				a.sender.SendLegacy(out.legacy)
			case out.host != "":
				a.sender.SendControlTo(out.host, out.env)
			default:
				a.sender.SendControl(out.env)
			}
		}

		a.mu.Lock()
		a.flushing = false
		a.mu.Unlock()
	}
}

func ownerLabel(owner string) string {
	if node, ok := OwnerNode(owner); ok {
		return node
	}
	return owner
}
