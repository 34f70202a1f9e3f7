package messaging

import (
	"errors"
	"testing"

	"pkt.systems/lanptt/internal/wire"
)

type fakeTransport struct {
	broadcast [][]byte
	direct    map[string][][]byte
}

func (f *fakeTransport) Send(payload []byte) int {
	f.broadcast = append(f.broadcast, payload)
	return 2
}

func (f *fakeTransport) SendTo(host string, payload []byte) bool {
	if f.direct == nil {
		f.direct = make(map[string][][]byte)
	}
	f.direct[host] = append(f.direct[host], payload)
	return true
}

type fakeBroker struct {
	published []string
	err       error
}

func (b *fakeBroker) Publish(payload []byte) error {
	b.published = append(b.published, string(payload))
	return b.err
}

func TestSendAudioTagsPayload(t *testing.T) {
	tr := &fakeTransport{}
	f := New(Config{Transport: tr})
	if n := f.SendAudio([]byte{9, 8}); n != 2 {
		t.Fatalf("expected 2 peers, got %d", n)
	}
	got := tr.broadcast[0]
	if len(got) != 3 || got[0] != wire.AudioTag || got[1] != 9 {
		t.Fatalf("unexpected audio frame %v", got)
	}
	if n := f.SendAudio(nil); n != 0 {
		t.Fatalf("empty audio must not be sent")
	}
}

func TestSendChatRespectsToggle(t *testing.T) {
	tr := &fakeTransport{}
	f := New(Config{Transport: tr})
	if _, err := f.SendChat("hello"); err != nil {
		t.Fatalf("send chat: %v", err)
	}
	f.SetChatEnabled(false)
	if _, err := f.SendChat("hello again"); !errors.Is(err, ErrChatDisabled) {
		t.Fatalf("expected ErrChatDisabled, got %v", err)
	}
	if len(tr.broadcast) != 1 || string(tr.broadcast[0]) != "hello" {
		t.Fatalf("unexpected broadcasts %q", tr.broadcast)
	}
}

func TestSendChatRefusesReservedText(t *testing.T) {
	f := New(Config{Transport: &fakeTransport{}})
	for _, text := range []string{"ping", "pong", "FLOOR:TAKEN", "CTRL:HEARTBEAT|a|0|1|2", "   "} {
		if _, err := f.SendChat(text); err == nil {
			t.Fatalf("expected %q to be refused", text)
		}
	}
}

func TestSendControlMirrorsToBroker(t *testing.T) {
	tr := &fakeTransport{}
	br := &fakeBroker{err: errors.New("offline")}
	f := New(Config{Transport: tr, Broker: br})
	env := wire.Envelope{Type: wire.TypeFloorRequest, NodeID: "a", Term: 1, Seq: 2, TimestampMs: 3}
	if n := f.SendControl(env); n != 2 {
		t.Fatalf("expected 2 peers, got %d", n)
	}
	want := "CTRL:FLOOR_REQUEST|a|1|2|3"
	if string(tr.broadcast[0]) != want {
		t.Fatalf("expected %q, got %q", want, tr.broadcast[0])
	}
	if len(br.published) != 1 || br.published[0] != want {
		t.Fatalf("expected broker copy, got %v", br.published)
	}
}

func TestDirectedHelpers(t *testing.T) {
	tr := &fakeTransport{}
	f := New(Config{Transport: tr})
	f.Pong("10.0.0.2")
	f.SendControlTo("10.0.0.2", wire.Envelope{Type: wire.TypeFloorBusy, NodeID: "a", Owner: "b"})
	msgs := tr.direct["10.0.0.2"]
	if len(msgs) != 2 || string(msgs[0]) != wire.Pong {
		t.Fatalf("unexpected direct messages %q", msgs)
	}
	f.Ping()
	f.SendLegacy(wire.LegacyReleased)
	if string(tr.broadcast[0]) != wire.Ping || string(tr.broadcast[1]) != "FLOOR:RELEASED" {
		t.Fatalf("unexpected broadcasts %q", tr.broadcast)
	}
}
