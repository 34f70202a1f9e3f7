package membership

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"pkt.systems/lanptt/internal/clock"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestTable(self string) (*Table, *clock.Manual) {
	clk := clock.NewManual(t0)
	return New(Config{SelfID: self, Clock: clk}), clk
}

func TestElectDeterministicAcrossOrder(t *testing.T) {
	members := []Member{
		{NodeID: "c", Uptime: 10 * time.Second, FirstSeen: t0, LastSeen: t0},
		{NodeID: "a", Uptime: 10 * time.Second, FirstSeen: t0, LastSeen: t0},
		{NodeID: "b", Uptime: 10 * time.Second, FirstSeen: t0.Add(-time.Second), LastSeen: t0},
		{NodeID: "d", Uptime: 3 * time.Second, FirstSeen: t0.Add(-time.Hour), LastSeen: t0},
	}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		shuffled := append([]Member(nil), members...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		leader, active := Elect(shuffled, "self", t0, DefaultActiveWindow)
		if leader != "b" {
			t.Fatalf("iteration %d: expected b, got %q", i, leader)
		}
		if active != 5 {
			t.Fatalf("iteration %d: expected 5 active, got %d", i, active)
		}
	}
}

func TestElectTieBreaksOnNodeID(t *testing.T) {
	members := []Member{
		{NodeID: "zeta", Uptime: time.Minute, FirstSeen: t0, LastSeen: t0},
		{NodeID: "alpha", Uptime: time.Minute, FirstSeen: t0, LastSeen: t0},
	}
	leader, _ := Elect(members, "zeta", t0, DefaultActiveWindow)
	if leader != "alpha" {
		t.Fatalf("expected alpha, got %q", leader)
	}
}

func TestElectSynthesizesSelf(t *testing.T) {
	leader, active := Elect(nil, "self", t0, DefaultActiveWindow)
	if leader != "self" || active != 1 {
		t.Fatalf("expected self/1, got %q/%d", leader, active)
	}
	leader, active = Elect(nil, "", t0, DefaultActiveWindow)
	if leader != "" || active != 1 {
		t.Fatalf("expected empty leader with floor of 1, got %q/%d", leader, active)
	}
}

func TestElectIgnoresInactive(t *testing.T) {
	members := []Member{
		{NodeID: "old", Uptime: time.Hour, FirstSeen: t0.Add(-time.Hour), LastSeen: t0.Add(-7 * time.Second)},
		{NodeID: "fresh", Uptime: time.Second, FirstSeen: t0, LastSeen: t0},
	}
	leader, active := Elect(members, "self", t0, DefaultActiveWindow)
	if leader != "fresh" {
		t.Fatalf("expected fresh, got %q", leader)
	}
	if active != 2 {
		t.Fatalf("expected 2 active, got %d", active)
	}
}

func TestLeaderStableWhenNewMemberJoins(t *testing.T) {
	tbl, clk := newTestTable("self")
	tbl.InitializeSelf("self", t0)
	clk.Advance(30 * time.Second)
	tbl.InitializeSelf("self", clk.Now())
	if st := tbl.Status(); !st.IsLeader() {
		t.Fatalf("expected self leader, got %+v", st)
	}
	tbl.OnHeartbeat(Heartbeat{NodeID: "newbie", Timestamp: clk.Now(), JoinedAt: clk.Now(), Uptime: time.Second, HasUptime: true}, clk.Now())
	st := tbl.Status()
	if st.LeaderID != "self" || st.ActiveMembers != 2 {
		t.Fatalf("expected self to remain leader with 2 active, got %+v", st)
	}
}

func TestSeniorMemberTakesLead(t *testing.T) {
	tbl, clk := newTestTable("self")
	tbl.InitializeSelf("self", t0)
	tbl.OnHeartbeat(Heartbeat{NodeID: "veteran", Timestamp: t0, JoinedAt: t0.Add(-time.Hour), Uptime: time.Hour, HasUptime: true}, clk.Now())
	st := tbl.Status()
	if st.LeaderID != "veteran" || st.Role != RolePeer {
		t.Fatalf("expected veteran leader, got %+v", st)
	}
}

func TestUptimeMergesMonotonically(t *testing.T) {
	tbl, _ := newTestTable("self")
	joined := t0.Add(-time.Minute)
	tbl.OnHeartbeat(Heartbeat{NodeID: "b", JoinedAt: joined, Uptime: 40 * time.Second, HasUptime: true}, t0)
	tbl.OnHeartbeat(Heartbeat{NodeID: "b", JoinedAt: joined, Uptime: 20 * time.Second, HasUptime: true}, t0.Add(time.Second))
	m, ok := tbl.Member("b")
	if !ok {
		t.Fatalf("expected member b")
	}
	if m.Uptime != 40*time.Second {
		t.Fatalf("expected reordered heartbeat to keep 40s, got %s", m.Uptime)
	}
}

func TestNewSessionResetsUptime(t *testing.T) {
	tbl, _ := newTestTable("self")
	tbl.OnHeartbeat(Heartbeat{NodeID: "b", JoinedAt: t0.Add(-time.Hour), Uptime: time.Hour, HasUptime: true}, t0)
	restart := t0.Add(5 * time.Second)
	tbl.OnHeartbeat(Heartbeat{NodeID: "b", JoinedAt: restart, Uptime: 2 * time.Second, HasUptime: true}, restart)
	m, _ := tbl.Member("b")
	if m.Uptime != 2*time.Second {
		t.Fatalf("expected face-value uptime after restart, got %s", m.Uptime)
	}
	if !m.FirstSeen.Equal(restart) {
		t.Fatalf("expected first-seen reset to %s, got %s", restart, m.FirstSeen)
	}
}

func TestHeartbeatWithoutUptimeUsesObservedAge(t *testing.T) {
	tbl, _ := newTestTable("self")
	tbl.OnHeartbeat(Heartbeat{NodeID: "b", Term: 0}, t0)
	tbl.OnHeartbeat(Heartbeat{NodeID: "b", Term: 0}, t0.Add(4*time.Second))
	m, _ := tbl.Member("b")
	if m.Uptime != 4*time.Second {
		t.Fatalf("expected observed age 4s, got %s", m.Uptime)
	}
}

func TestTermNeverDecreases(t *testing.T) {
	tbl, _ := newTestTable("self")
	tbl.OnHeartbeat(Heartbeat{NodeID: "b", Term: 7}, t0)
	tbl.OnHeartbeat(Heartbeat{NodeID: "c", Term: 3}, t0)
	tbl.ObserveTerm(5)
	if term := tbl.Term(); term != 7 {
		t.Fatalf("expected term 7, got %d", term)
	}
	if st := tbl.Status(); st.Term != 7 {
		t.Fatalf("expected status term 7, got %d", st.Term)
	}
}

func TestInitializeSelfPreservesFirstSeen(t *testing.T) {
	tbl, _ := newTestTable("self")
	tbl.InitializeSelf("self", t0)
	later := t0.Add(10 * time.Second)
	tbl.InitializeSelf("self", later)
	m, _ := tbl.Member("self")
	if !m.FirstSeen.Equal(t0) || !m.SessionStart.Equal(t0) {
		t.Fatalf("expected original timestamps, got %+v", m)
	}
	if m.Uptime != 10*time.Second {
		t.Fatalf("expected uptime 10s, got %s", m.Uptime)
	}
}

func TestSweepStaleKeepsSelf(t *testing.T) {
	tbl, _ := newTestTable("self")
	tbl.InitializeSelf("self", t0)
	tbl.OnHeartbeat(Heartbeat{NodeID: "b"}, t0)
	tbl.OnHeartbeat(Heartbeat{NodeID: "c"}, t0.Add(8*time.Second))
	removed := tbl.SweepStale(10*time.Second, t0.Add(12*time.Second))
	if len(removed) != 1 || removed[0] != "b" {
		t.Fatalf("expected [b] removed, got %v", removed)
	}
	if _, ok := tbl.Member("self"); !ok {
		t.Fatalf("self record must survive sweep")
	}
}

func TestClearResetsSequence(t *testing.T) {
	tbl, _ := newTestTable("self")
	tbl.NextSeq()
	tbl.NextSeq()
	tbl.OnHeartbeat(Heartbeat{NodeID: "b", Term: 4}, t0)
	tbl.Clear()
	if seq := tbl.NextSeq(); seq != 1 {
		t.Fatalf("expected seq 1 after clear, got %d", seq)
	}
	if tbl.Term() != 0 || len(tbl.Members()) != 0 {
		t.Fatalf("expected empty table after clear")
	}
}

func TestSubscribeFiresOnLeaderChange(t *testing.T) {
	tbl, _ := newTestTable("self")
	var got []Status
	tbl.Subscribe(func(st Status) { got = append(got, st) })
	tbl.InitializeSelf("self", t0)
	tbl.OnHeartbeat(Heartbeat{NodeID: "veteran", JoinedAt: t0.Add(-time.Hour), Uptime: time.Hour, HasUptime: true}, t0)
	if len(got) == 0 {
		t.Fatalf("expected status notifications")
	}
	last := got[len(got)-1]
	if last.LeaderID != "veteran" || last.ActiveMembers != 2 {
		t.Fatalf("unexpected final status %+v", last)
	}
}

func TestLeaderStableAcrossHeartbeatSchedules(t *testing.T) {
	tbl, _ := newTestTable("a")
	tbl.InitializeSelf("a", t0)
	joinedB := t0.Add(time.Second)
	for tick := 0; tick < 10; tick++ {
		selfAt := t0.Add(time.Duration(tick) * 2 * time.Second)
		tbl.InitializeSelf("a", selfAt)
		if st := tbl.Status(); st.LeaderID != "a" {
			t.Fatalf("tick %d self refresh: expected a to lead, got %+v", tick, st)
		}
		// b's heartbeat lands just before a's next refresh.
		hbAt := selfAt.Add(1900 * time.Millisecond)
		if hbAt.Before(joinedB) {
			continue
		}
		tbl.OnHeartbeat(Heartbeat{
			NodeID:    "b",
			Timestamp: hbAt,
			JoinedAt:  joinedB,
			Uptime:    hbAt.Sub(joinedB),
			HasUptime: true,
		}, hbAt)
		if st := tbl.Status(); st.LeaderID != "a" {
			t.Fatalf("tick %d heartbeat from b: expected a to lead, got %+v", tick, st)
		}
	}
}

func TestRemoteUptimeAgesBetweenHeartbeats(t *testing.T) {
	tbl, _ := newTestTable("self")
	tbl.InitializeSelf("self", t0.Add(-8*time.Second))
	tbl.OnHeartbeat(Heartbeat{NodeID: "b", JoinedAt: t0.Add(-10 * time.Second), Uptime: 10 * time.Second, HasUptime: true}, t0)
	if st := tbl.Status(); st.LeaderID != "b" {
		t.Fatalf("expected b to lead on its heartbeat, got %+v", st)
	}
	// Five seconds later self is 13s old and b's report has aged to 15s.
	tbl.InitializeSelf("self", t0.Add(5*time.Second))
	if st := tbl.Status(); st.LeaderID != "b" {
		t.Fatalf("expected b to keep the lead, got %+v", st)
	}
}

func TestStatusListenersEndOnLatestStatus(t *testing.T) {
	tbl, _ := newTestTable("self")
	var (
		mu   sync.Mutex
		last Status
	)
	tbl.Subscribe(func(st Status) {
		mu.Lock()
		last = st
		mu.Unlock()
	})
	tbl.InitializeSelf("self", t0)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tbl.OnHeartbeat(Heartbeat{
				NodeID:    fmt.Sprintf("n%02d", i),
				Term:      uint64(i),
				Uptime:    time.Duration(i) * time.Minute,
				HasUptime: true,
			}, t0)
		}(i)
	}
	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if want := tbl.Status(); last != want {
		t.Fatalf("expected listeners to end on %+v, got %+v", want, last)
	}
}
