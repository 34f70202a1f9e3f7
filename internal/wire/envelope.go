package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// ControlPrefix introduces a control envelope.
const ControlPrefix = "CTRL"

const fieldSep = "|"

// EnvelopeType discriminates control envelopes.
type EnvelopeType uint8

const (
	// TypeHeartbeat announces liveness, term and uptime.
	TypeHeartbeat EnvelopeType = iota + 1
	// TypeFloorRequest asks the coordinator for the floor.
	TypeFloorRequest
	// TypeFloorGrant hands the floor to Target.
	TypeFloorGrant
	// TypeFloorRelease gives the floor back.
	TypeFloorRelease
	// TypeFloorBusy tells a requester the floor is held by Owner.
	TypeFloorBusy
)

var envelopeTypeNames = map[EnvelopeType]string{
	TypeHeartbeat:    "HEARTBEAT",
	TypeFloorRequest: "FLOOR_REQUEST",
	TypeFloorGrant:   "FLOOR_GRANT",
	TypeFloorRelease: "FLOOR_RELEASE",
	TypeFloorBusy:    "FLOOR_BUSY",
}

func (t EnvelopeType) String() string {
	if name, ok := envelopeTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseEnvelopeType maps a wire name to its type.
func ParseEnvelopeType(name string) (EnvelopeType, bool) {
	for t, n := range envelopeTypeNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// Envelope is a decoded control message.
type Envelope struct {
	Type        EnvelopeType
	NodeID      string
	Term        uint64
	Seq         uint64
	TimestampMs int64

	// Target is the granted node (FLOOR_GRANT only).
	Target string
	// Owner is the current floor holder (FLOOR_BUSY only).
	Owner string

	// JoinedAtMs and UptimeMs are optional HEARTBEAT fields. A zero
	// JoinedAtMs means the sender did not advertise its join time; uptime is
	// only carried after a join time and HasUptime reports its presence.
	JoinedAtMs int64
	UptimeMs   int64
	HasUptime  bool
}

// Encode renders the envelope in wire form.
func (e Envelope) Encode() string {
	var b strings.Builder
	b.Grow(64)
	b.WriteString(ControlPrefix)
	b.WriteByte(':')
	b.WriteString(e.Type.String())
	b.WriteString(fieldSep)
	b.WriteString(e.NodeID)
	b.WriteString(fieldSep)
	b.WriteString(strconv.FormatUint(e.Term, 10))
	b.WriteString(fieldSep)
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	b.WriteString(fieldSep)
	b.WriteString(strconv.FormatInt(e.TimestampMs, 10))
	switch e.Type {
	case TypeFloorGrant:
		b.WriteString(fieldSep)
		b.WriteString(e.Target)
	case TypeFloorBusy:
		b.WriteString(fieldSep)
		b.WriteString(e.Owner)
	case TypeHeartbeat:
		if e.JoinedAtMs > 0 {
			b.WriteString(fieldSep)
			b.WriteString(strconv.FormatInt(e.JoinedAtMs, 10))
			if e.HasUptime {
				b.WriteString(fieldSep)
				b.WriteString(strconv.FormatInt(e.UptimeMs, 10))
			}
		}
	}
	return b.String()
}

// Bytes returns the encoded envelope as a frame payload.
func (e Envelope) Bytes() []byte {
	return []byte(e.Encode())
}

// DecodeEnvelope parses a control envelope. Every failure is a *DecodeError
// matching ErrUnrecognized.
func DecodeEnvelope(text string) (Envelope, error) {
	body, ok := strings.CutPrefix(text, ControlPrefix+":")
	if !ok {
		return Envelope{}, decodeErr(text, "missing control prefix")
	}
	fields := strings.Split(body, fieldSep)
	if len(fields) < 5 {
		return Envelope{}, decodeErr(text, fmt.Sprintf("expected at least 5 fields, got %d", len(fields)))
	}
	typ, ok := ParseEnvelopeType(fields[0])
	if !ok {
		return Envelope{}, decodeErr(text, fmt.Sprintf("unknown envelope type %q", fields[0]))
	}
	env := Envelope{Type: typ, NodeID: strings.TrimSpace(fields[1])}
	if env.NodeID == "" {
		return Envelope{}, decodeErr(text, "blank node id")
	}
	var err error
	if env.Term, err = strconv.ParseUint(fields[2], 10, 64); err != nil {
		return Envelope{}, decodeErr(text, "term is not an integer")
	}
	if env.Seq, err = strconv.ParseUint(fields[3], 10, 64); err != nil {
		return Envelope{}, decodeErr(text, "seq is not an integer")
	}
	if env.TimestampMs, err = strconv.ParseInt(fields[4], 10, 64); err != nil {
		return Envelope{}, decodeErr(text, "timestamp is not an integer")
	}
	extra := ""
	if len(fields) > 5 {
		extra = strings.TrimSpace(fields[5])
	}
	switch typ {
	case TypeFloorGrant:
		if extra == "" {
			return Envelope{}, decodeErr(text, "grant without target")
		}
		env.Target = extra
	case TypeFloorBusy:
		if extra == "" {
			return Envelope{}, decodeErr(text, "busy without owner")
		}
		env.Owner = extra
	case TypeHeartbeat:
		// Optional fields from newer peers; unparsable values are treated as
		// absent rather than failing the heartbeat.
		joined, err := strconv.ParseInt(extra, 10, 64)
		if err != nil || joined <= 0 {
			break
		}
		env.JoinedAtMs = joined
		if len(fields) > 6 {
			uptime, err := strconv.ParseInt(strings.TrimSpace(fields[6]), 10, 64)
			if err == nil && uptime >= 0 {
				env.UptimeMs = uptime
				env.HasUptime = true
			}
		}
	}
	return env, nil
}
