package lanptt

import (
	"pkt.systems/pslog"

	"pkt.systems/lanptt/internal/clock"
	"pkt.systems/lanptt/internal/discovery"
	"pkt.systems/lanptt/internal/settings"
)

// Option configures an Engine.
type Option func(*options)

type options struct {
	Logger      pslog.Logger
	Clock       clock.Clock
	Listener    Listener
	Sources     []discovery.Source
	Settings    *settings.Store
	configHooks []func(*Config)
}

// WithLogger supplies the logger used by every component.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithListener receives audio, chat, floor and cluster events.
func WithListener(l Listener) Option {
	return func(o *options) {
		o.Listener = l
	}
}

// WithDiscovery adds peer discovery sources next to the configured static
// peers and mDNS.
func WithDiscovery(sources ...discovery.Source) Option {
	return func(o *options) {
		o.Sources = append(o.Sources, sources...)
	}
}

// WithSettings uses an already opened settings store instead of opening
// Config.SettingsPath.
func WithSettings(s *settings.Store) Option {
	return func(o *options) {
		o.Settings = s
	}
}

// WithFloorMode overrides Config.FloorMode.
func WithFloorMode(mode FloorMode) Option {
	return func(o *options) {
		o.configHooks = append(o.configHooks, func(cfg *Config) {
			cfg.FloorMode = mode
		})
	}
}
