package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestClassify(t *testing.T) {
	audio, err := Classify(EncodeAudio([]byte{1, 2, 3}))
	if err != nil || audio.Kind != KindAudio || !bytes.Equal(audio.Audio, []byte{1, 2, 3}) {
		t.Fatalf("audio: %+v err=%v", audio, err)
	}
	for text, kind := range map[string]Kind{
		"ping":                           KindPing,
		"pong":                           KindPong,
		"FLOOR:TAKEN":                    KindLegacy,
		"FLOOR:RELEASED":                 KindLegacy,
		"CTRL:HEARTBEAT|B|0|1|1000":      KindControl,
		"hello over there":               KindChat,
		"CTRLISH but not a prefix match": KindChat,
	} {
		msg, err := Classify([]byte(text))
		if err != nil {
			t.Fatalf("%q: %v", text, err)
		}
		if msg.Kind != kind {
			t.Fatalf("%q: got kind %v want %v", text, msg.Kind, kind)
		}
	}
	msg, _ := Classify([]byte("FLOOR:RELEASED"))
	if msg.Legacy != LegacyReleased {
		t.Fatalf("expected released command, got %v", msg.Legacy)
	}
	msg, _ = Classify([]byte("hi"))
	if msg.Text != "hi" {
		t.Fatalf("expected chat text, got %q", msg.Text)
	}
}

func TestClassifyRejectsMalformedControlInsteadOfChat(t *testing.T) {
	for _, text := range []string{"CTRL:HEARTBEAT|B", "FLOOR:STOLEN", "   ", ""} {
		if _, err := Classify([]byte(text)); !errors.Is(err, ErrUnrecognized) {
			t.Fatalf("%q: expected ErrUnrecognized, got %v", text, err)
		}
	}
	if _, err := Classify([]byte{0xff, 0xfe}); !errors.Is(err, ErrUnrecognized) {
		t.Fatalf("expected invalid utf-8 to be rejected, got %v", err)
	}
}

func TestDecodeErrorKeepsWholeRunes(t *testing.T) {
	// "CTRL:FOO|" is 9 bytes, so the third byte of a 3-byte rune lands on 128.
	text := "CTRL:FOO|" + strings.Repeat("a", 117) + strings.Repeat("€", 10)
	_, err := DecodeEnvelope(text)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if !utf8.ValidString(de.Input) {
		t.Fatalf("quoted input is not valid utf-8: %q", de.Input)
	}
	if len(de.Input) > 128 || !strings.HasPrefix(text, de.Input) {
		t.Fatalf("unexpected quoted input %q (%d bytes)", de.Input, len(de.Input))
	}
	if len(de.Input) != 126 {
		t.Fatalf("expected cut before the split rune at 126 bytes, got %d", len(de.Input))
	}
}

func TestLegacyRoundTrip(t *testing.T) {
	for _, cmd := range []LegacyCommand{LegacyTaken, LegacyReleased} {
		got, err := DecodeLegacy(string(EncodeLegacy(cmd)))
		if err != nil || got != cmd {
			t.Fatalf("legacy %v: got %v err=%v", cmd, got, err)
		}
	}
}
