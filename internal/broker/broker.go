// Package broker mirrors control envelopes over an MQTT broker so nodes on
// segments without direct TCP reachability still see heartbeats and floor
// traffic.
package broker

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"pkt.systems/pslog"

	"pkt.systems/lanptt/internal/svcfields"
	"pkt.systems/lanptt/internal/wire"
)

const (
	// DefaultTopic is the topic prefix shared by all nodes of one cluster.
	DefaultTopic = "lanptt"
	// DefaultConnectTimeout bounds the initial connection.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultPublishTimeout bounds how long Publish waits for the client to
	// hand a message off.
	DefaultPublishTimeout = 2 * time.Second
	// Host is the pseudo host address reported for broker traffic.
	Host = "mqtt"

	controlSuffix = "/control"
	publishQoS    = 0
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("broker: closed")

// Config configures a Bridge.
type Config struct {
	URL            string
	ClientID       string
	Topic          string
	SelfID         string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	Logger         pslog.Logger
}

// Bridge is a connected MQTT control-plane mirror.
type Bridge struct {
	client         mqtt.Client
	topic          string
	self           string
	publishTimeout time.Duration
	logger         pslog.Logger

	mu     sync.Mutex
	closed bool
}

// New connects to the broker at cfg.URL.
func New(cfg Config) (*Bridge, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("broker: url required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "lanptt-" + cfg.SelfID
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "broker")
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("broker.connection.lost", "error", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("broker.connected", "url", cfg.URL)
	})
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("broker: connect %s: timed out after %s", cfg.URL, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("broker: connect %s: %w", cfg.URL, err)
	}
	return &Bridge{
		client:         client,
		topic:          ControlTopic(cfg.Topic),
		self:           cfg.SelfID,
		publishTimeout: cfg.PublishTimeout,
		logger:         logger,
	}, nil
}

// ControlTopic returns the control topic under prefix.
func ControlTopic(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + controlSuffix
}

// Publish sends an encoded control envelope. It gives up after the publish
// timeout while the client is stalled, for example during a reconnect.
func (b *Bridge) Publish(payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	token := b.client.Publish(b.topic, publishQoS, false, payload)
	if !token.WaitTimeout(b.publishTimeout) {
		return fmt.Errorf("broker: publish %s: timed out after %s", b.topic, b.publishTimeout)
	}
	return token.Error()
}

// Subscribe delivers control envelopes published by other nodes to handler.
func (b *Bridge) Subscribe(handler func(env wire.Envelope)) error {
	token := b.client.Subscribe(b.topic, publishQoS, func(_ mqtt.Client, msg mqtt.Message) {
		env, ok := FromOtherNode(msg.Payload(), b.self)
		if !ok {
			return
		}
		handler(env)
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker: subscribe %s: %w", b.topic, err)
	}
	b.logger.Info("broker.subscribed", "topic", b.topic)
	return nil
}

// FromOtherNode decodes payload and reports whether it is a valid envelope
// sent by a node other than self.
func FromOtherNode(payload []byte, self string) (wire.Envelope, bool) {
	env, err := wire.DecodeEnvelope(string(payload))
	if err != nil || env.NodeID == self {
		return wire.Envelope{}, false
	}
	return env, true
}

// Close disconnects from the broker.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.client.Disconnect(250)
}
