package wire

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	// AudioTag marks a payload as raw audio samples.
	AudioTag byte = 0x01
	// Ping is the liveness check.
	Ping = "ping"
	// Pong answers Ping.
	Pong = "pong"
	// LegacyPrefix introduces the pairwise floor commands.
	LegacyPrefix = "FLOOR"
)

// ErrUnrecognized is matched by every payload decode failure.
var ErrUnrecognized = errors.New("wire: unrecognized payload")

// DecodeError describes why a payload was rejected.
type DecodeError struct {
	Input  string
	Reason string
}

func (e *DecodeError) Error() string {
	return "wire: " + e.Reason
}

// Is lets errors.Is(err, ErrUnrecognized) match.
func (e *DecodeError) Is(target error) bool {
	return target == ErrUnrecognized
}

// maxErrorInput caps the input quoted in a DecodeError, cut on a rune boundary.
const maxErrorInput = 128

func decodeErr(input, reason string) error {
	if len(input) > maxErrorInput {
		n := maxErrorInput
		for n > 0 && !utf8.RuneStart(input[n]) {
			n--
		}
		input = input[:n]
	}
	return &DecodeError{Input: input, Reason: reason}
}

// LegacyCommand is a pairwise floor command.
type LegacyCommand uint8

const (
	// LegacyTaken announces that the sender took the floor.
	LegacyTaken LegacyCommand = iota + 1
	// LegacyReleased announces that the sender released the floor.
	LegacyReleased
)

func (c LegacyCommand) String() string {
	switch c {
	case LegacyTaken:
		return "TAKEN"
	case LegacyReleased:
		return "RELEASED"
	default:
		return "UNKNOWN"
	}
}

// EncodeLegacy renders a legacy floor command.
func EncodeLegacy(cmd LegacyCommand) []byte {
	return []byte(LegacyPrefix + ":" + cmd.String())
}

// DecodeLegacy parses a legacy floor command.
func DecodeLegacy(text string) (LegacyCommand, error) {
	body, ok := strings.CutPrefix(text, LegacyPrefix+":")
	if !ok {
		return 0, decodeErr(text, "missing floor prefix")
	}
	switch strings.TrimSpace(body) {
	case "TAKEN":
		return LegacyTaken, nil
	case "RELEASED":
		return LegacyReleased, nil
	default:
		return 0, decodeErr(text, "unknown floor command")
	}
}

// EncodeAudio prefixes samples with AudioTag.
func EncodeAudio(samples []byte) []byte {
	out := make([]byte, 1+len(samples))
	out[0] = AudioTag
	copy(out[1:], samples)
	return out
}

// EncodeChat returns the chat text as a payload.
func EncodeChat(text string) []byte {
	return []byte(text)
}

// Kind discriminates a decoded payload.
type Kind uint8

const (
	KindAudio Kind = iota + 1
	KindPing
	KindPong
	KindLegacy
	KindControl
	KindChat
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindLegacy:
		return "legacy"
	case KindControl:
		return "control"
	case KindChat:
		return "chat"
	default:
		return "unknown"
	}
}

// Message is a decoded frame payload. Only the field matching Kind is set.
type Message struct {
	Kind     Kind
	Audio    []byte
	Legacy   LegacyCommand
	Envelope Envelope
	Text     string
}

// Classify decodes a frame payload into a Message.
func Classify(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return Message{}, decodeErr("", "empty payload")
	}
	if payload[0] == AudioTag {
		return Message{Kind: KindAudio, Audio: payload[1:]}, nil
	}
	if !utf8.Valid(payload) {
		return Message{}, decodeErr("", "payload is not valid UTF-8")
	}
	text := string(payload)
	switch {
	case text == Ping:
		return Message{Kind: KindPing}, nil
	case text == Pong:
		return Message{Kind: KindPong}, nil
	case strings.HasPrefix(text, ControlPrefix+":"):
		env, err := DecodeEnvelope(text)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindControl, Envelope: env}, nil
	case strings.HasPrefix(text, LegacyPrefix+":"):
		cmd, err := DecodeLegacy(text)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindLegacy, Legacy: cmd}, nil
	case strings.TrimSpace(text) == "":
		return Message{}, decodeErr(text, "blank text")
	default:
		return Message{Kind: KindChat, Text: text}, nil
	}
}
