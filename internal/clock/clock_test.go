package clock_test

import (
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/lanptt/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestRealAfterFuncCanBeStopped(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool
	timer := clock.Real{}.AfterFunc(50*time.Millisecond, func() { fired.Store(true) })
	if !timer.Stop() {
		t.Fatal("expected Stop to report an armed timer")
	}
	time.Sleep(100 * time.Millisecond)
	if fired.Load() {
		t.Fatal("stopped timer fired")
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clk := clock.NewManual(start)
	ch := clk.After(2 * time.Second)

	clk.Advance(time.Second)
	select {
	case <-ch:
		t.Fatal("fired too early")
	default:
	}
	clk.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(2 * time.Second).UTC()) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatal("expected timer to fire")
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clk.Pending())
	}
}

func TestManualAfterFuncOrderAndStop(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	var order []string
	clk.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	clk.AfterFunc(time.Second, func() { order = append(order, "a") })
	stopped := clk.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	if !stopped.Stop() {
		t.Fatal("expected stop to succeed")
	}
	if stopped.Stop() {
		t.Fatal("second stop should report false")
	}
	clk.Advance(5 * time.Second)
	if len(order) != 2 || order[0] != "a" || order[1] != "c" {
		t.Fatalf("unexpected firing order %v", order)
	}
}

func TestManualZeroDurationFiresImmediately(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	ran := false
	timer := clk.AfterFunc(0, func() { ran = true })
	if !ran {
		t.Fatal("expected immediate callback")
	}
	if timer.Stop() {
		t.Fatal("fired timer should not stop")
	}
}
