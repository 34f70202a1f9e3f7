package lanptt

import (
	"pkt.systems/lanptt/internal/floor"
	"pkt.systems/lanptt/internal/membership"
)

// Degraded capabilities reported to Listener.OnDegraded.
const (
	CapabilityDiscovery = "discovery"
	CapabilityBroker    = "broker"
	CapabilitySettings  = "settings"
)

// FloorEventKind discriminates FloorEvent.
type FloorEventKind uint8

const (
	// FloorOwnerChanged reports a new owner or a freed floor.
	FloorOwnerChanged FloorEventKind = iota + 1
	// FloorPhaseChanged reports a change of the local request phase.
	FloorPhaseChanged
)

// FloorEvent describes a floor transition.
type FloorEvent struct {
	Kind     FloorEventKind
	Owner    string
	Previous string
	Reason   string
	Version  uint64
	Phase    floor.Phase
}

// Listener receives engine events.
//
// OnAudio and OnChat run inline on the goroutine reading the sending peer's
// session, in arrival order for that peer. While one of them runs, no further
// frames from that peer are read, including its control envelopes. Other
// peers and the event dispatcher are not affected. Slow consumers should
// hand the work to their own goroutine. The samples slice belongs to the
// callee.
//
// OnFloor, OnCluster and OnDegraded are delivered in order from a single
// dispatcher goroutine and may call back into the Engine.
type Listener interface {
	OnAudio(samples []byte, host string)
	OnChat(text, host string)
	OnFloor(ev FloorEvent)
	OnCluster(status membership.Status)
	OnDegraded(capability string, err error)
}

// NopListener ignores every event. Embed it to implement a subset.
type NopListener struct{}

func (NopListener) OnAudio([]byte, string)      {}
func (NopListener) OnChat(string, string)       {}
func (NopListener) OnFloor(FloorEvent)          {}
func (NopListener) OnCluster(membership.Status) {}
func (NopListener) OnDegraded(string, error)    {}
