// Package discovery finds peers on the local network and reports them as
// appearance and disappearance events.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// EventKind discriminates discovery events.
type EventKind uint8

const (
	// Appeared reports a reachable peer.
	Appeared EventKind = iota + 1
	// Disappeared reports a peer that stopped advertising.
	Disappeared
)

func (k EventKind) String() string {
	switch k {
	case Appeared:
		return "appeared"
	case Disappeared:
		return "disappeared"
	default:
		return "unknown"
	}
}

// Event is one discovery observation. Disappeared events may carry only a
// name when the host is unknown.
type Event struct {
	Kind EventKind
	Host string
	Port int
	Name string
}

// Source produces events until ctx is done.
type Source interface {
	Run(ctx context.Context, out chan<- Event) error
}

// Static announces a fixed peer list once.
type Static struct {
	peers []Event
}

// NewStatic parses host:port entries.
func NewStatic(addrs []string) (*Static, error) {
	s := &Static{}
	for _, raw := range addrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(raw)
		if err != nil {
			return nil, fmt.Errorf("discovery: peer %q: %w", raw, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("discovery: peer %q: invalid port", raw)
		}
		s.peers = append(s.peers, Event{Kind: Appeared, Host: host, Port: port, Name: raw})
	}
	return s, nil
}

// Peers returns the configured peers.
func (s *Static) Peers() []Event {
	return append([]Event(nil), s.peers...)
}

// Run emits one Appeared event per peer and waits for ctx.
func (s *Static) Run(ctx context.Context, out chan<- Event) error {
	for _, ev := range s.peers {
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}
