package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"pkt.systems/pslog"

	"pkt.systems/lanptt/internal/svcfields"
	"pkt.systems/lanptt/internal/wire"
)

// SessionInfo describes one live session.
type SessionInfo struct {
	ID           string
	Host         string
	Port         int
	Outbound     bool
	CreatedAt    time.Time
	LastSendAt   time.Time
	LastRecvAt   time.Time
	QueuedFrames int
}

type session struct {
	id       string
	host     string
	port     int
	outbound bool
	conn     net.Conn
	queue    *frameQueue
	created  time.Time
	logger   pslog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	// quiet suppresses reconnect scheduling when the session is closed on
	// purpose (replacement, disconnect, shutdown).
	quiet    atomic.Bool
	lastSend atomic.Int64
	lastRecv atomic.Int64
}

func newSession(parent context.Context, conn net.Conn, host string, port int, outbound bool, now time.Time, logger pslog.Logger) *session {
	ctx, cancel := context.WithCancel(parent)
	id := xid.New().String()
	return &session{
		id:       id,
		host:     host,
		port:     port,
		outbound: outbound,
		conn:     conn,
		queue:    newFrameQueue(),
		created:  now,
		logger:   logger.With(svcfields.HostKey, host, svcfields.SessionKey, id, "outbound", outbound),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// close tears the session down once. It reports whether this call did the
// teardown.
func (s *session) close() bool {
	closed := false
	s.once.Do(func() {
		closed = true
		s.cancel()
		_ = s.conn.Close()
		s.queue.Close()
		close(s.done)
	})
	return closed
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) info() SessionInfo {
	info := SessionInfo{
		ID:           s.id,
		Host:         s.host,
		Port:         s.port,
		Outbound:     s.outbound,
		CreatedAt:    s.created,
		QueuedFrames: s.queue.Len(),
	}
	if v := s.lastSend.Load(); v != 0 {
		info.LastSendAt = time.UnixMilli(v).UTC()
	}
	if v := s.lastRecv.Load(); v != 0 {
		info.LastRecvAt = time.UnixMilli(v).UTC()
	}
	return info
}

// readLoop reads frames until the socket fails. Invalid lengths skip the
// frame and keep the session.
func (t *Transport) readLoop(s *session) {
	defer t.wg.Done()
	reader := bufio.NewReader(s.conn)
	for {
		payload, err := wire.ReadFrame(reader, t.cfg.MaxFrameSize)
		if err != nil {
			if wire.Skippable(err) {
				reason := "empty"
				if errors.Is(err, wire.ErrFrameTooLarge) {
					reason = "too_large"
				}
				t.metrics.recordSkipped(reason)
				s.logger.Debug("transport.frame.skipped", "reason", reason, "error", err)
				if t.cfg.Guard.Violation(s.host, reason) {
					t.teardown(s, errors.New("host blocked after repeated framing violations"))
					return
				}
				continue
			}
			if s.ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("transport.read.failed", "error", err)
			}
			t.teardown(s, err)
			return
		}
		s.lastRecv.Store(t.clock.Now().UnixMilli())
		t.metrics.recordReceived(s.outbound)
		if t.cfg.Directory != nil {
			t.cfg.Directory.RecordActivity(s.host)
		}
		if t.cfg.Handler != nil {
			t.cfg.Handler.HandleFrame(s.host, payload)
		}
	}
}

// writeLoop drains the session queue. A frame that fails part way is
// resumed at the first unwritten byte so the peer stays aligned on frame
// boundaries. MaxWriteFailures consecutive writes without progress tear the
// session down.
func (t *Transport) writeLoop(s *session) {
	defer t.wg.Done()
	var (
		pending  []byte
		offset   int
		failures int
	)
	for {
		if s.ctx.Err() != nil {
			t.teardown(s, s.ctx.Err())
			return
		}
		if pending == nil {
			payload, ok := s.queue.Pop(s.ctx, t.cfg.WritePollInterval)
			if !ok {
				continue
			}
			framed, err := wire.AppendFrame(nil, payload)
			if err != nil {
				s.logger.Warn("transport.write.dropped", "error", err)
				continue
			}
			pending, offset = framed, 0
		}
		if t.cfg.WriteTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
		}
		n, err := s.conn.Write(pending[offset:])
		if n > 0 {
			offset += n
			failures = 0
		}
		if err != nil {
			if s.ctx.Err() != nil {
				t.teardown(s, err)
				return
			}
			t.metrics.recordWriteFailure()
			if n == 0 {
				failures++
			}
			s.logger.Warn("transport.write.failed", "error", err, "written", offset, "frame_bytes", len(pending), "failures", failures)
			if failures >= t.cfg.MaxWriteFailures {
				t.teardown(s, err)
				return
			}
		}
		if offset < len(pending) {
			continue
		}
		pending, offset = nil, 0
		s.lastSend.Store(t.clock.Now().UnixMilli())
		t.metrics.recordSent(s.outbound)
	}
}
