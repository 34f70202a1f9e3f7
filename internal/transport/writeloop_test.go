package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"pkt.systems/lanptt/internal/wire"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// writeFault scripts one Write call. written < 0 writes half the buffer.
type writeFault struct {
	written int
	err     error
}

// faultConn injects write failures in front of a real connection.
type faultConn struct {
	net.Conn

	mu     sync.Mutex
	faults []writeFault
	always bool
	calls  int
}

func (c *faultConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	c.calls++
	var fault *writeFault
	switch {
	case c.always:
		fault = &writeFault{err: timeoutErr{}}
	case len(c.faults) > 0:
		f := c.faults[0]
		c.faults = c.faults[1:]
		fault = &f
	}
	c.mu.Unlock()
	if fault == nil {
		return c.Conn.Write(b)
	}
	n := fault.written
	if n < 0 {
		n = len(b) / 2
	}
	if n > 0 {
		if _, err := c.Conn.Write(b[:n]); err != nil {
			return 0, err
		}
	}
	return n, fault.err
}

func (c *faultConn) writeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// adoptConn runs the session loops over conn as if it had been accepted.
func adoptConn(t *testing.T, tr *Transport, conn net.Conn, host string) *session {
	t.Helper()
	s := newSession(tr.ctx, conn, host, 0, false, tr.clock.Now(), tr.logger)
	if !tr.register(s) {
		t.Fatal("transport refused session")
	}
	tr.start(s)
	return s
}

func readFrames(conn net.Conn) <-chan string {
	out := make(chan string, 16)
	go func() {
		defer close(out)
		for {
			payload, err := wire.ReadFrame(conn, 0)
			if err != nil {
				return
			}
			out <- string(payload)
		}
	}()
	return out
}

func expectPayload(t *testing.T, frames <-chan string, want string) {
	t.Helper()
	select {
	case got, ok := <-frames:
		if !ok {
			t.Fatalf("stream closed waiting for %q", want)
		}
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestWriteLoopResumesPartialFrame(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	conn := &faultConn{Conn: local, faults: []writeFault{{written: -1, err: timeoutErr{}}}}
	tr := newClient(t, Config{Handler: newRecordingHandler()})
	adoptConn(t, tr, conn, "10.0.0.5")
	frames := readFrames(remote)

	if !tr.SendTo("10.0.0.5", []byte("CTRL:HEARTBEAT|B|0|1|1000")) {
		t.Fatal("expected frame queued")
	}
	if !tr.SendTo("10.0.0.5", []byte("hello")) {
		t.Fatal("expected frame queued")
	}
	expectPayload(t, frames, "CTRL:HEARTBEAT|B|0|1|1000")
	expectPayload(t, frames, "hello")
	if n := len(tr.Sessions()); n != 1 {
		t.Fatalf("expected session to survive a partial write, got %d sessions", n)
	}
}

func TestWriteLoopRetriesSingleFailure(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	conn := &faultConn{Conn: local, faults: []writeFault{{err: timeoutErr{}}}}
	tr := newClient(t, Config{Handler: newRecordingHandler()})
	adoptConn(t, tr, conn, "10.0.0.6")
	frames := readFrames(remote)

	tr.SendTo("10.0.0.6", []byte("one"))
	expectPayload(t, frames, "one")
	tr.SendTo("10.0.0.6", []byte("two"))
	expectPayload(t, frames, "two")
	if n := len(tr.Sessions()); n != 1 {
		t.Fatalf("expected session to survive one failure, got %d sessions", n)
	}
}

func TestWriteLoopTearsDownAfterConsecutiveFailures(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	conn := &faultConn{Conn: local, always: true}
	handler := newRecordingHandler()
	tr := newClient(t, Config{Handler: handler})
	s := adoptConn(t, tr, conn, "10.0.0.7")

	tr.SendTo("10.0.0.7", []byte("doomed"))
	select {
	case <-s.done:
	case <-time.After(3 * time.Second):
		t.Fatal("expected session teardown after repeated write failures")
	}
	if calls := conn.writeCalls(); calls != DefaultMaxWriteFailures {
		t.Fatalf("expected %d write attempts, got %d", DefaultMaxWriteFailures, calls)
	}
	waitFor(t, "session closed callback", func() bool { return handler.closedCount() == 1 })
	if n := len(tr.Sessions()); n != 0 {
		t.Fatalf("expected no sessions, got %d", n)
	}
}
