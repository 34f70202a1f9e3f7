// Package floor arbitrates the exclusive right to transmit voice. State holds
// the single recorded owner, Queue orders pending requests on the
// coordinating node, and Arbiter drives both from local intents and inbound
// control messages.
package floor

import (
	"slices"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/lanptt/internal/clock"
	"pkt.systems/lanptt/internal/svcfields"
)

const (
	// DefaultTalkDuration bounds one acquisition when no release arrives.
	DefaultTalkDuration = 30 * time.Second
	// MinTalkDuration is the floor applied to configured talk durations.
	MinTalkDuration = time.Second
)

// Reasons reported in Change.
const (
	ReasonAcquired = "acquired"
	ReasonReleased = "released"
	ReasonTimeout  = "timeout"
	ReasonHostLost = "host_lost"
	ReasonReset    = "reset"
)

// Change describes an owner transition.
type Change struct {
	Owner    string
	Previous string
	Version  uint64
	Reason   string
}

// StateConfig configures a State.
type StateConfig struct {
	TalkDuration time.Duration
	Clock        clock.Clock
	Logger       pslog.Logger
}

// State records the floor owner. Every acquisition bumps the session version
// and arms a fallback timer; the timer clears the owner only when neither the
// version nor the owner changed in the meantime.
type State struct {
	clock   clock.Clock
	logger  pslog.Logger
	metrics *floorMetrics

	mu        sync.Mutex
	owner     string
	version   uint64
	talk      time.Duration
	timer     clock.Timer
	listeners []func(Change)
}

// NewState returns a free floor.
func NewState(cfg StateConfig) *State {
	logger := svcfields.WithSubsystem(cfg.Logger, "floor.state")
	return &State{
		clock:   clock.Ensure(cfg.Clock),
		logger:  logger,
		metrics: newFloorMetrics(logger),
		talk:    normalizeTalkDuration(cfg.TalkDuration),
	}
}

func normalizeTalkDuration(d time.Duration) time.Duration {
	if d == 0 {
		return DefaultTalkDuration
	}
	if d < MinTalkDuration {
		return MinTalkDuration
	}
	return d
}

// OnChange registers fn for owner transitions. fn runs without the state
// lock held.
func (s *State) OnChange(fn func(Change)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// SetTalkDuration changes the fallback applied to future acquisitions.
func (s *State) SetTalkDuration(d time.Duration) {
	s.mu.Lock()
	s.talk = normalizeTalkDuration(d)
	s.mu.Unlock()
}

// TalkDuration reports the current fallback duration.
func (s *State) TalkDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.talk
}

// Owner returns the recorded owner, empty when the floor is free.
func (s *State) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Version returns the session version.
func (s *State) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Acquire records owner, replacing any previous owner, and returns the new
// session version.
func (s *State) Acquire(owner string) uint64 {
	s.mu.Lock()
	change := s.acquireLocked(owner)
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	s.emit(listeners, change)
	return change.Version
}

// TryAcquire records owner only when the floor is free or already held by
// owner.
func (s *State) TryAcquire(owner string) (uint64, bool) {
	s.mu.Lock()
	if s.owner != "" && s.owner != owner {
		v := s.version
		s.mu.Unlock()
		return v, false
	}
	change := s.acquireLocked(owner)
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	s.emit(listeners, change)
	return change.Version, true
}

func (s *State) acquireLocked(owner string) Change {
	prev := s.owner
	if s.timer != nil {
		s.timer.Stop()
	}
	s.version++
	s.owner = owner
	version := s.version
	s.timer = s.clock.AfterFunc(s.talk, func() { s.expire(version, owner) })
	return Change{Owner: owner, Previous: prev, Version: version, Reason: ReasonAcquired}
}

// Release clears the floor if owner still holds it.
func (s *State) Release(owner string) bool {
	return s.ClearOwner(owner, ReasonReleased)
}

// ClearOwner clears the floor if owner still holds it, reporting reason to
// listeners.
func (s *State) ClearOwner(owner, reason string) bool {
	s.mu.Lock()
	if owner == "" || s.owner != owner {
		s.mu.Unlock()
		return false
	}
	change := s.clearLocked(reason)
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	s.emit(listeners, change)
	return true
}

// Reset frees the floor regardless of owner.
func (s *State) Reset() {
	s.mu.Lock()
	if s.owner == "" {
		s.mu.Unlock()
		return
	}
	change := s.clearLocked(ReasonReset)
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	s.emit(listeners, change)
}

func (s *State) clearLocked(reason string) Change {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	prev := s.owner
	s.owner = ""
	return Change{Previous: prev, Version: s.version, Reason: reason}
}

func (s *State) expire(version uint64, owner string) {
	s.mu.Lock()
	if s.version != version || s.owner != owner {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	change := s.clearLocked(ReasonTimeout)
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	s.metrics.recordTimeout()
	s.emit(listeners, change)
}

func (s *State) emit(listeners []func(Change), change Change) {
	s.logger.Info("floor.owner.changed",
		"owner", change.Owner,
		"previous", change.Previous,
		"version", change.Version,
		"reason", change.Reason,
	)
	for _, fn := range listeners {
		fn(change)
	}
}
