package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"pkt.systems/pslog"

	"pkt.systems/lanptt/internal/svcfields"
)

const (
	// DefaultService is the DNS-SD service type nodes advertise.
	DefaultService = "_lanptt._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultBrowseInterval is the pause between browse rounds.
	DefaultBrowseInterval = 5 * time.Second
	// DefaultBrowseTimeout bounds one browse round.
	DefaultBrowseTimeout = 2 * time.Second

	nodeTXTKey = "node="
)

// MDNSConfig configures an MDNS source.
type MDNSConfig struct {
	Instance       string
	Service        string
	Domain         string
	Port           int
	NodeID         string
	Advertise      bool
	BrowseInterval time.Duration
	BrowseTimeout  time.Duration
	MissedRounds   int
	Logger         pslog.Logger
}

// MDNS advertises the local node and browses for peers with multicast DNS.
type MDNS struct {
	cfg     MDNSConfig
	logger  pslog.Logger
	tracker *Tracker
}

// NewMDNS constructs an MDNS source.
func NewMDNS(cfg MDNSConfig) *MDNS {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.BrowseInterval <= 0 {
		cfg.BrowseInterval = DefaultBrowseInterval
	}
	if cfg.BrowseTimeout <= 0 {
		cfg.BrowseTimeout = DefaultBrowseTimeout
	}
	if cfg.Instance == "" {
		cfg.Instance = cfg.NodeID
	}
	return &MDNS{
		cfg:     cfg,
		logger:  svcfields.WithSubsystem(cfg.Logger, "discovery.mdns"),
		tracker: NewTracker(cfg.NodeID, cfg.MissedRounds),
	}
}

// Run advertises the node (when enabled) and reports browse results until
// ctx is done.
func (m *MDNS) Run(ctx context.Context, out chan<- Event) error {
	if m.cfg.Advertise {
		txt := []string{nodeTXTKey + m.cfg.NodeID}
		server, err := zeroconf.Register(m.cfg.Instance, m.cfg.Service, m.cfg.Domain, m.cfg.Port, txt, nil)
		if err != nil {
			return fmt.Errorf("discovery: mdns register: %w", err)
		}
		defer server.Shutdown()
		m.logger.Info("discovery.mdns.advertised", "instance", m.cfg.Instance, "service", m.cfg.Service, "port", m.cfg.Port)
	}
	ticker := time.NewTicker(m.cfg.BrowseInterval)
	defer ticker.Stop()
	for {
		sightings, err := m.browse(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, ev := range m.tracker.Round(sightings) {
			m.logger.Debug("discovery.mdns.event", "kind", ev.Kind.String(), svcfields.HostKey, ev.Host, "name", ev.Name)
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *MDNS) browse(ctx context.Context) ([]Sighting, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("discovery: mdns resolver: %w", err)
	}
	roundCtx, cancel := context.WithTimeout(ctx, m.cfg.BrowseTimeout)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(roundCtx, m.cfg.Service, m.cfg.Domain, entries); err != nil {
		return nil, fmt.Errorf("discovery: mdns browse: %w", err)
	}
	var sightings []Sighting
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return sightings, nil
			}
			if s, ok := sightingFromEntry(entry); ok {
				sightings = append(sightings, s)
			}
		case <-roundCtx.Done():
			return sightings, nil
		}
	}
}

func sightingFromEntry(entry *zeroconf.ServiceEntry) (Sighting, bool) {
	if entry == nil || len(entry.AddrIPv4) == 0 || entry.Port <= 0 {
		return Sighting{}, false
	}
	s := Sighting{
		Host: entry.AddrIPv4[0].String(),
		Port: entry.Port,
		Name: entry.Instance,
	}
	for _, txt := range entry.Text {
		if node, ok := strings.CutPrefix(txt, nodeTXTKey); ok {
			s.NodeID = node
		}
	}
	return s, true
}
