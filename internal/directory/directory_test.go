package directory

import (
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/lanptt/internal/clock"
)

func newTestDirectory(t *testing.T) (*Directory, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(Config{Clock: clk, Logger: pslog.NoopLogger()}), clk
}

func TestMarkDisconnectedIsDebounced(t *testing.T) {
	dir, clk := newTestDirectory(t)
	dir.MarkConnected("10.0.0.2", 4000)

	clk.Advance(time.Second)
	if dir.MarkDisconnected("10.0.0.2", clk.Now()) {
		t.Fatalf("disconnect within debounce window should be ignored")
	}
	if p, _ := dir.Lookup("10.0.0.2"); !p.Connected {
		t.Fatalf("expected peer to remain connected")
	}

	clk.Advance(2 * time.Second)
	if !dir.MarkDisconnected("10.0.0.2", clk.Now()) {
		t.Fatalf("disconnect after debounce should be honoured")
	}
	if p, _ := dir.Lookup("10.0.0.2"); p.Connected {
		t.Fatalf("expected peer to be disconnected")
	}
}

func TestActivityRefreshesDebounce(t *testing.T) {
	dir, clk := newTestDirectory(t)
	dir.MarkConnected("h", 1)
	clk.Advance(2 * time.Second)
	dir.RecordActivity("h")
	clk.Advance(2 * time.Second)
	if dir.MarkDisconnected("h", clk.Now()) {
		t.Fatalf("recent activity should suppress the disconnect")
	}
}

func TestRecordActivityReconnectsAndKeepsName(t *testing.T) {
	dir, clk := newTestDirectory(t)
	dir.RecordAdvertisedName("h", "Alice")
	dir.MarkConnected("h", 9)
	clk.Advance(5 * time.Second)
	dir.MarkDisconnected("h", clk.Now())
	dir.RecordActivity("h")

	p, ok := dir.Lookup("h")
	if !ok || !p.Connected || p.Name != "Alice" || p.Port != 9 {
		t.Fatalf("unexpected entry %+v", p)
	}
}

func TestMarkDisconnectedByName(t *testing.T) {
	dir, clk := newTestDirectory(t)
	dir.MarkConnected("a", 1)
	dir.MarkConnected("b", 1)
	dir.MarkConnected("c", 1)
	dir.RecordAdvertisedName("a", "phone")
	dir.RecordAdvertisedName("b", "phone")
	dir.RecordAdvertisedName("c", "tablet")

	clk.Advance(3 * time.Second)
	dir.RecordActivity("b")
	got := dir.MarkDisconnectedByName("phone", clk.Now())
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected only a to disconnect, got %v", got)
	}
	if p, _ := dir.Lookup("b"); !p.Connected {
		t.Fatalf("b had recent traffic and must stay connected")
	}
}

func TestSweepStale(t *testing.T) {
	dir, clk := newTestDirectory(t)
	dir.MarkConnected("old", 1)
	clk.Advance(8 * time.Second)
	dir.MarkConnected("fresh", 1)
	clk.Advance(3 * time.Second)

	stale := dir.SweepStale(10*time.Second, clk.Now())
	if len(stale) != 1 || stale[0] != "old" {
		t.Fatalf("unexpected stale hosts %v", stale)
	}
	if again := dir.SweepStale(10*time.Second, clk.Now()); len(again) != 0 {
		t.Fatalf("already disconnected entries must not be reported again: %v", again)
	}
}

func TestSnapshotOrdering(t *testing.T) {
	dir, clk := newTestDirectory(t)
	dir.MarkConnected("10.0.0.3", 1)
	dir.MarkConnected("10.0.0.1", 1)
	dir.MarkConnected("10.0.0.2", 1)
	dir.RecordAdvertisedName("10.0.0.3", "alpha")
	dir.RecordAdvertisedName("10.0.0.1", "bravo")
	dir.RecordAdvertisedName("10.0.0.2", "Alpha")
	clk.Advance(5 * time.Second)
	dir.MarkDisconnected("10.0.0.3", clk.Now())

	snap := dir.Snapshot()
	want := []string{"10.0.0.2", "10.0.0.1", "10.0.0.3"}
	for i, host := range want {
		if snap[i].Host != host {
			t.Fatalf("position %d: got %s want %s (%+v)", i, snap[i].Host, host, snap)
		}
	}
}

func TestSubscribePublishesOnlyOnChange(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ch, cancel := dir.Subscribe()
	defer cancel()
	<-ch // initial empty list

	dir.MarkConnected("h", 1)
	list := <-ch
	if len(list) != 1 || !list[0].Connected {
		t.Fatalf("unexpected publication %+v", list)
	}

	dir.RecordActivity("h")
	dir.MarkConnected("h", 1)
	select {
	case extra := <-ch:
		t.Fatalf("traffic without a visible change must not republish: %+v", extra)
	default:
	}

	dir.RecordAdvertisedName("h", "Bob")
	list = <-ch
	if list[0].Name != "Bob" {
		t.Fatalf("expected renamed peer, got %+v", list)
	}
}

func TestOnTransitionFiresOnFlip(t *testing.T) {
	dir, clk := newTestDirectory(t)
	var events []string
	dir.OnTransition(func(host string, connected bool) {
		state := "down"
		if connected {
			state = "up"
		}
		events = append(events, host+":"+state)
	})
	dir.MarkConnected("h", 1)
	dir.MarkConnected("h", 1)
	clk.Advance(3 * time.Second)
	dir.MarkDisconnected("h", clk.Now())
	if len(events) != 2 || events[0] != "h:up" || events[1] != "h:down" {
		t.Fatalf("unexpected transitions %v", events)
	}
}
