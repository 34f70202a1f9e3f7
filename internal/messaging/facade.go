// Package messaging tags and frames outbound audio, chat and control traffic
// and hands it to the peer transport, mirroring control traffic onto the
// optional broker bridge.
package messaging

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"

	"pkt.systems/lanptt/internal/svcfields"
	"pkt.systems/lanptt/internal/wire"
)

// ErrChatDisabled is returned when chat is switched off in settings.
var ErrChatDisabled = errors.New("messaging: chat disabled")

// ErrEmptyChat is returned for blank chat text.
var ErrEmptyChat = errors.New("messaging: empty chat message")

// Transport is the framed peer transport.
type Transport interface {
	Send(payload []byte) int
	SendTo(host string, payload []byte) bool
}

// Publisher mirrors control envelopes to an out-of-band channel.
type Publisher interface {
	Publish(payload []byte) error
}

// Config configures a Facade.
type Config struct {
	Transport Transport
	Broker    Publisher
	Logger    pslog.Logger
}

// Facade is the single outbound path for application traffic.
type Facade struct {
	transport Transport
	logger    pslog.Logger
	chat      atomic.Bool

	mu     sync.RWMutex
	broker Publisher
}

// New constructs a Facade with chat enabled.
func New(cfg Config) *Facade {
	f := &Facade{
		transport: cfg.Transport,
		broker:    cfg.Broker,
		logger:    svcfields.WithSubsystem(cfg.Logger, "messaging"),
	}
	f.chat.Store(true)
	return f
}

// SetPublisher attaches or detaches the control mirror.
func (f *Facade) SetPublisher(p Publisher) {
	f.mu.Lock()
	f.broker = p
	f.mu.Unlock()
}

// SetChatEnabled toggles outbound chat.
func (f *Facade) SetChatEnabled(enabled bool) {
	f.chat.Store(enabled)
}

// ChatEnabled reports whether outbound chat is allowed.
func (f *Facade) ChatEnabled() bool {
	return f.chat.Load()
}

// SendAudio tags samples as audio and broadcasts them.
func (f *Facade) SendAudio(samples []byte) int {
	if len(samples) == 0 {
		return 0
	}
	return f.transport.Send(wire.EncodeAudio(samples))
}

// SendChat broadcasts text as a chat message. Text that would be read back
// as a ping or a floor command is refused.
func (f *Facade) SendChat(text string) (int, error) {
	if !f.chat.Load() {
		return 0, ErrChatDisabled
	}
	if strings.TrimSpace(text) == "" {
		return 0, ErrEmptyChat
	}
	msg, err := wire.Classify(wire.EncodeChat(text))
	if err != nil || msg.Kind != wire.KindChat {
		return 0, &wire.DecodeError{Input: text, Reason: "text collides with a reserved message"}
	}
	return f.transport.Send(wire.EncodeChat(text)), nil
}

// Broadcast sends a raw payload to every peer.
func (f *Facade) Broadcast(payload []byte) int {
	return f.transport.Send(payload)
}

// SendTo sends a raw payload to host.
func (f *Facade) SendTo(host string, payload []byte) bool {
	return f.transport.SendTo(host, payload)
}

// SendControl broadcasts env to peers and mirrors it on the broker.
func (f *Facade) SendControl(env wire.Envelope) int {
	payload := env.Bytes()
	n := f.transport.Send(payload)
	f.mu.RLock()
	broker := f.broker
	f.mu.RUnlock()
	if broker != nil {
		if err := broker.Publish(payload); err != nil {
			f.logger.Warn("messaging.broker.publish_failed", "type", env.Type.String(), "error", err)
		}
	}
	f.logger.Trace("messaging.control.sent", "type", env.Type.String(), "peers", n, "seq", env.Seq)
	return n
}

// SendControlTo sends env to host only.
func (f *Facade) SendControlTo(host string, env wire.Envelope) bool {
	return f.transport.SendTo(host, env.Bytes())
}

// SendLegacy broadcasts a legacy floor command.
func (f *Facade) SendLegacy(cmd wire.LegacyCommand) int {
	return f.transport.Send(wire.EncodeLegacy(cmd))
}

// Ping sends a liveness ping to every peer.
func (f *Facade) Ping() int {
	return f.transport.Send([]byte(wire.Ping))
}

// Pong answers a ping from host.
func (f *Facade) Pong(host string) bool {
	return f.transport.SendTo(host, []byte(wire.Pong))
}
