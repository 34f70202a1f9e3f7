// Package membership keeps the recency-bounded view of live cluster nodes fed
// by heartbeats, and elects the coordinating leader from it.
package membership

import (
	"slices"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/lanptt/internal/clock"
	"pkt.systems/lanptt/internal/svcfields"
)

// DefaultActiveWindow is how recently a member must have been heard from to
// take part in the election.
const DefaultActiveWindow = 6 * time.Second

// Member is one node in the membership table.
type Member struct {
	NodeID       string
	SessionStart time.Time
	FirstSeen    time.Time
	LastSeen     time.Time
	JoinedAt     time.Time
	Term         uint64
	Uptime       time.Duration
}

// Heartbeat is an inbound liveness announcement. JoinedAt is zero when the
// sender did not advertise its join time; HasUptime is false when it did not
// advertise uptime.
type Heartbeat struct {
	NodeID    string
	Term      uint64
	Timestamp time.Time
	JoinedAt  time.Time
	Uptime    time.Duration
	HasUptime bool
}

// Status is the derived cluster view.
type Status struct {
	SelfID        string
	LeaderID      string
	Role          Role
	ActiveMembers int
	Term          uint64
}

// IsLeader reports whether the local node leads.
func (s Status) IsLeader() bool {
	return s.Role == RoleLeader
}

// Config configures a Table.
type Config struct {
	SelfID       string
	ActiveWindow time.Duration
	Clock        clock.Clock
	Logger       pslog.Logger
}

// Table is the membership state machine.
type Table struct {
	window time.Duration
	clock  clock.Clock
	logger pslog.Logger

	mu        sync.Mutex
	selfID    string
	members   map[string]*Member
	term      uint64
	seq       uint64
	status    Status
	gen       uint64
	listeners []func(Status)

	// notifyMu orders listener delivery; delivered is the last generation
	// handed to listeners.
	notifyMu  sync.Mutex
	delivered uint64
}

// New constructs a Table for selfID.
func New(cfg Config) *Table {
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = DefaultActiveWindow
	}
	t := &Table{
		window:  cfg.ActiveWindow,
		clock:   clock.Ensure(cfg.Clock),
		logger:  svcfields.WithSubsystem(cfg.Logger, "membership"),
		selfID:  cfg.SelfID,
		members: make(map[string]*Member),
	}
	t.status = Status{SelfID: cfg.SelfID, LeaderID: cfg.SelfID, Role: RoleLeader, ActiveMembers: 1}
	return t
}

// Subscribe registers fn for status changes. fn runs without the table lock
// held, one call at a time and in change order; a status superseded before
// it could be delivered is skipped. fn must not mutate the table.
func (t *Table) Subscribe(fn func(Status)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// InitializeSelf seeds or refreshes the local record. Session start and
// first-seen survive refreshes; uptime is the local session age.
func (t *Table) InitializeSelf(id string, now time.Time) {
	t.mutate(now, func() {
		t.selfID = id
		m, ok := t.members[id]
		if !ok {
			m = &Member{NodeID: id, SessionStart: now, FirstSeen: now, JoinedAt: now}
			t.members[id] = m
		}
		m.LastSeen = now
		m.Term = t.term
		if age := now.Sub(m.SessionStart); age > m.Uptime {
			m.Uptime = age
		}
	})
}

// OnHeartbeat merges a heartbeat into the table.
func (t *Table) OnHeartbeat(hb Heartbeat, now time.Time) {
	if hb.NodeID == "" {
		return
	}
	t.mutate(now, func() {
		if hb.Term > t.term {
			t.term = hb.Term
		}
		m, ok := t.members[hb.NodeID]
		if !ok {
			start := now
			if !hb.JoinedAt.IsZero() {
				start = hb.JoinedAt
			}
			m = &Member{NodeID: hb.NodeID, SessionStart: start, FirstSeen: now, JoinedAt: hb.JoinedAt}
			t.members[hb.NodeID] = m
			t.logger.Info("membership.member.joined", svcfields.NodeKey, hb.NodeID, "term", hb.Term)
		}
		restarted := ok && !hb.JoinedAt.IsZero() && !m.JoinedAt.IsZero() && !hb.JoinedAt.Equal(m.JoinedAt)
		if restarted {
			t.logger.Info("membership.member.restarted", svcfields.NodeKey, hb.NodeID, "joined_at", hb.JoinedAt)
			m.FirstSeen = now
			m.SessionStart = hb.JoinedAt
		}
		if !hb.JoinedAt.IsZero() {
			m.JoinedAt = hb.JoinedAt
		}
		uptime := hb.Uptime
		if !hb.HasUptime {
			uptime = now.Sub(m.SessionStart)
		}
		if restarted || uptime > m.Uptime {
			m.Uptime = uptime
		}
		m.Term = hb.Term
		m.LastSeen = now
	})
}

// ObserveTerm advances the cluster term to term when it is higher.
func (t *Table) ObserveTerm(term uint64) {
	t.mutate(t.clock.Now(), func() {
		if term > t.term {
			t.term = term
		}
	})
}

// SweepStale removes members not heard from within timeout and returns
// their ids. The local record is never removed.
func (t *Table) SweepStale(timeout time.Duration, now time.Time) []string {
	var removed []string
	t.mutate(now, func() {
		for id, m := range t.members {
			if id == t.selfID || now.Sub(m.LastSeen) <= timeout {
				continue
			}
			delete(t.members, id)
			removed = append(removed, id)
		}
	})
	if len(removed) > 0 {
		sort.Strings(removed)
		t.logger.Info("membership.sweep.removed", "nodes", removed, "timeout", timeout)
	}
	return removed
}

// Clear drops all members and resets the term and sequence counter.
func (t *Table) Clear() {
	t.mutate(t.clock.Now(), func() {
		t.members = make(map[string]*Member)
		t.term = 0
		t.seq = 0
	})
}

// Status returns the last computed status.
func (t *Table) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Term returns the cluster term.
func (t *Table) Term() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.term
}

// NextSeq returns the next local sequence number.
func (t *Table) NextSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	return t.seq
}

// Member returns a copy of the record for id.
func (t *Table) Member(id string) (Member, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.members[id]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Members returns all records ordered by node id.
func (t *Table) Members() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.membersLocked()
}

func (t *Table) membersLocked() []Member {
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// agedLocked returns the members with uptimes projected to now: the local
// record is its session age, a remote record is its last reported uptime
// plus the time since that report.
func (t *Table) agedLocked(now time.Time) []Member {
	out := t.membersLocked()
	for i := range out {
		m := &out[i]
		if m.NodeID == t.selfID {
			if age := now.Sub(m.SessionStart); age > m.Uptime {
				m.Uptime = age
			}
			continue
		}
		if since := now.Sub(m.LastSeen); since > 0 {
			m.Uptime += since
		}
	}
	return out
}

func (t *Table) mutate(now time.Time, fn func()) {
	t.mu.Lock()
	fn()
	prev := t.status
	leader, active := Elect(t.agedLocked(now), t.selfID, now, t.window)
	next := Status{
		SelfID:        t.selfID,
		LeaderID:      leader,
		ActiveMembers: active,
		Term:          t.term,
	}
	if leader != "" && leader == t.selfID {
		next.Role = RoleLeader
	}
	t.status = next
	var listeners []func(Status)
	if next != prev {
		t.gen++
		listeners = slices.Clone(t.listeners)
	}
	gen := t.gen
	t.mu.Unlock()

	if prev.LeaderID != next.LeaderID || prev.Role != next.Role {
		t.logger.Info("membership.leader.changed",
			"leader", next.LeaderID,
			"role", next.Role.String(),
			"active", next.ActiveMembers,
			"term", next.Term,
		)
	}
	if len(listeners) == 0 {
		return
	}
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	if gen <= t.delivered {
		return
	}
	t.delivered = gen
	// A newer status may have landed since this one was computed.
	t.mu.Lock()
	current, currentGen := t.status, t.gen
	t.mu.Unlock()
	if currentGen > gen {
		next, t.delivered = current, currentGen
	}
	for _, fn := range listeners {
		fn(next)
	}
}
