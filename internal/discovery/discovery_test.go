package discovery

import (
	"context"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestStaticParsesPeers(t *testing.T) {
	s, err := NewStatic([]string{"10.0.0.2:7400", " ", "[::1]:7401"})
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	peers := s.Peers()
	if len(peers) != 2 || peers[0].Host != "10.0.0.2" || peers[1].Host != "::1" || peers[1].Port != 7401 {
		t.Fatalf("unexpected peers %+v", peers)
	}
	for _, bad := range []string{"nohost", "10.0.0.2:0", "10.0.0.2:http"} {
		if _, err := NewStatic([]string{bad}); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestStaticRunEmitsOnce(t *testing.T) {
	s, _ := NewStatic([]string{"10.0.0.2:7400"})
	out := make(chan Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, out) }()
	select {
	case ev := <-out:
		if ev.Kind != Appeared || ev.Port != 7400 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestTrackerAppearAndDisappear(t *testing.T) {
	tr := NewTracker("self", 2)
	a := Sighting{Host: "10.0.0.2", Port: 7400, Name: "alpha", NodeID: "a"}
	self := Sighting{Host: "10.0.0.1", Port: 7400, Name: "me", NodeID: "self"}

	got := tr.Round([]Sighting{a, self})
	want := []Event{{Kind: Appeared, Host: "10.0.0.2", Port: 7400, Name: "alpha"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round 1: expected %+v, got %+v", want, got)
	}
	if got := tr.Round([]Sighting{a}); len(got) != 0 {
		t.Fatalf("round 2: expected no events, got %+v", got)
	}
	if got := tr.Round(nil); len(got) != 0 {
		t.Fatalf("round 3: one miss must not report, got %+v", got)
	}
	got = tr.Round(nil)
	want = []Event{{Kind: Disappeared, Host: "10.0.0.2", Port: 7400, Name: "alpha"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round 4: expected %+v, got %+v", want, got)
	}
	if tr.Known() != 0 {
		t.Fatalf("expected tracker empty")
	}
}

func TestTrackerReportsPortChange(t *testing.T) {
	tr := NewTracker("self", 3)
	tr.Round([]Sighting{{Host: "10.0.0.2", Port: 7400, Name: "alpha"}})
	got := tr.Round([]Sighting{{Host: "10.0.0.2", Port: 7500, Name: "alpha"}})
	if len(got) != 1 || got[0].Kind != Appeared || got[0].Port != 7500 {
		t.Fatalf("expected re-announce on port change, got %+v", got)
	}
}

func TestSightingFromEntry(t *testing.T) {
	entry := zeroconf.NewServiceEntry("alpha", DefaultService, DefaultDomain)
	entry.Port = 7400
	entry.AddrIPv4 = []net.IP{net.ParseIP("10.0.0.2")}
	entry.Text = []string{"v=1", "node=abc"}
	s, ok := sightingFromEntry(entry)
	if !ok {
		t.Fatalf("expected sighting")
	}
	if s != (Sighting{Host: "10.0.0.2", Port: 7400, Name: "alpha", NodeID: "abc"}) {
		t.Fatalf("unexpected sighting %+v", s)
	}
	entry.AddrIPv4 = nil
	if _, ok := sightingFromEntry(entry); ok {
		t.Fatalf("entry without address must be ignored")
	}
}
