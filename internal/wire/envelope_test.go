package wire

import (
	"errors"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []Envelope{
		{Type: TypeHeartbeat, NodeID: "node-a", Term: 3, Seq: 1, TimestampMs: 1000},
		{Type: TypeHeartbeat, NodeID: "node-a", Term: 3, Seq: 2, TimestampMs: 1001, JoinedAtMs: 900},
		{Type: TypeHeartbeat, NodeID: "node-a", Term: 3, Seq: 3, TimestampMs: 1002, JoinedAtMs: 900, UptimeMs: 101, HasUptime: true},
		{Type: TypeHeartbeat, NodeID: "node-a", Term: 3, Seq: 4, TimestampMs: 1003, JoinedAtMs: 900, HasUptime: true},
		{Type: TypeFloorRequest, NodeID: "B", Term: 0, Seq: 2, TimestampMs: 1001},
		{Type: TypeFloorGrant, NodeID: "A", Term: 7, Seq: 3, TimestampMs: 1002, Target: "B"},
		{Type: TypeFloorRelease, NodeID: "B", Term: 7, Seq: 4, TimestampMs: 1003},
		{Type: TypeFloorBusy, NodeID: "A", Term: 7, Seq: 5, TimestampMs: 1004, Owner: "C"},
	}
	for _, want := range cases {
		encoded := want.Encode()
		got, err := DecodeEnvelope(encoded)
		if err != nil {
			t.Fatalf("decode %q: %v", encoded, err)
		}
		if got != want {
			t.Fatalf("round trip mismatch for %q: got %+v want %+v", encoded, got, want)
		}
	}
}

func TestEnvelopeEncodingIsDeterministic(t *testing.T) {
	env := Envelope{Type: TypeFloorGrant, NodeID: "self", Term: 0, Seq: 3, TimestampMs: 1002, Target: "B"}
	if got := env.Encode(); got != "CTRL:FLOOR_GRANT|self|0|3|1002|B" {
		t.Fatalf("unexpected encoding %q", got)
	}
}

func TestDecodeEnvelopeRejectsMalformedInput(t *testing.T) {
	cases := map[string]string{
		"wrong prefix":       "CTL:HEARTBEAT|B|0|1|1000",
		"too few fields":     "CTRL:HEARTBEAT|B|0|1",
		"term not numeric":   "CTRL:HEARTBEAT|B|x|1|1000",
		"seq not numeric":    "CTRL:HEARTBEAT|B|0|y|1000",
		"ts not numeric":     "CTRL:HEARTBEAT|B|0|1|z",
		"negative term":      "CTRL:HEARTBEAT|B|-1|1|1000",
		"unknown type":       "CTRL:FLOOR_STEAL|B|0|1|1000",
		"blank node":         "CTRL:HEARTBEAT| |0|1|1000",
		"grant w/o target":   "CTRL:FLOOR_GRANT|A|0|1|1000",
		"grant blank":        "CTRL:FLOOR_GRANT|A|0|1|1000|  ",
		"busy without owner": "CTRL:FLOOR_BUSY|A|0|1|1000",
	}
	for name, input := range cases {
		_, err := DecodeEnvelope(input)
		if err == nil {
			t.Fatalf("%s: expected failure for %q", name, input)
		}
		if !errors.Is(err, ErrUnrecognized) {
			t.Fatalf("%s: expected ErrUnrecognized, got %v", name, err)
		}
		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) || decodeErr.Reason == "" {
			t.Fatalf("%s: expected *DecodeError with reason, got %T", name, err)
		}
	}
}

func TestDecodeHeartbeatIgnoresUnparsableOptionalFields(t *testing.T) {
	env, err := DecodeEnvelope("CTRL:HEARTBEAT|B|0|1|1000|soon|later")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.JoinedAtMs != 0 || env.UptimeMs != 0 || env.HasUptime {
		t.Fatalf("expected optional fields ignored, got %+v", env)
	}
}

func TestDecodeHeartbeatShapes(t *testing.T) {
	cases := []struct {
		input     string
		joined    int64
		uptime    int64
		hasUptime bool
		encoded   string
	}{
		{"CTRL:HEARTBEAT|B|0|1|1000", 0, 0, false, "CTRL:HEARTBEAT|B|0|1|1000"},
		{"CTRL:HEARTBEAT|B|0|1|1000|5000", 5000, 0, false, "CTRL:HEARTBEAT|B|0|1|1000|5000"},
		{"CTRL:HEARTBEAT|B|0|1|1000|5000|250", 5000, 250, true, "CTRL:HEARTBEAT|B|0|1|1000|5000|250"},
		{"CTRL:HEARTBEAT|B|0|1|1000|5000|later", 5000, 0, false, "CTRL:HEARTBEAT|B|0|1|1000|5000"},
	}
	for _, tc := range cases {
		env, err := DecodeEnvelope(tc.input)
		if err != nil {
			t.Fatalf("decode %q: %v", tc.input, err)
		}
		if env.JoinedAtMs != tc.joined || env.UptimeMs != tc.uptime || env.HasUptime != tc.hasUptime {
			t.Fatalf("%q: got joined=%d uptime=%d has=%v", tc.input, env.JoinedAtMs, env.UptimeMs, env.HasUptime)
		}
		if got := env.Encode(); got != tc.encoded {
			t.Fatalf("re-encode of %q: got %q want %q", tc.input, got, tc.encoded)
		}
	}
}
