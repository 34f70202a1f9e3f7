package lanptt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"pkt.systems/lanptt/internal/broker"
	"pkt.systems/lanptt/internal/connguard"
	"pkt.systems/lanptt/internal/directory"
	"pkt.systems/lanptt/internal/discovery"
	"pkt.systems/lanptt/internal/floor"
	"pkt.systems/lanptt/internal/membership"
	"pkt.systems/lanptt/internal/transport"
	"pkt.systems/lanptt/internal/wire"
)

// FloorMode selects which floor grammar local intents are announced with.
type FloorMode string

const (
	// FloorModeArbitrated routes requests through the elected leader.
	FloorModeArbitrated FloorMode = "arbitrated"
	// FloorModeDirect announces the floor pairwise with the legacy grammar.
	FloorModeDirect FloorMode = "direct"
)

// ParseFloorMode normalises a floor mode name.
func ParseFloorMode(raw string) (FloorMode, error) {
	switch FloorMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FloorModeArbitrated:
		return FloorModeArbitrated, nil
	case FloorModeDirect:
		return FloorModeDirect, nil
	default:
		return "", fmt.Errorf("config: floor mode must be %q or %q", FloorModeArbitrated, FloorModeDirect)
	}
}

const (
	// DefaultListen is the peer transport endpoint.
	DefaultListen = ":7400"
	// DefaultHeartbeatInterval is how often HEARTBEAT is broadcast.
	DefaultHeartbeatInterval = 2 * time.Second
	// DefaultPingInterval is how often peers are pinged.
	DefaultPingInterval = 5 * time.Second
	// DefaultSweepInterval is how often stale peers and members are swept.
	DefaultSweepInterval = time.Second
	// DefaultPeerStaleAfter is the silence after which a connected peer is
	// force-disconnected.
	DefaultPeerStaleAfter = 12 * time.Second
	// DefaultMemberTimeout is the silence after which a member leaves the
	// membership table.
	DefaultMemberTimeout = 10 * time.Second
	// DefaultActiveWindow mirrors membership.DefaultActiveWindow.
	DefaultActiveWindow = membership.DefaultActiveWindow
	// DefaultDebounce mirrors directory.DefaultDebounce.
	DefaultDebounce = directory.DefaultDebounce
	// DefaultMaxFrameSize mirrors wire.DefaultMaxFrameSize.
	DefaultMaxFrameSize = wire.DefaultMaxFrameSize
	// MaxFrameSizeLimit is the largest accepted frame size setting.
	MaxFrameSizeLimit = 16 << 20
	// DefaultFloorMode is the floor grammar used for local intents.
	DefaultFloorMode = FloorModeArbitrated
	// DefaultTalkDuration is the fallback floor hold.
	DefaultTalkDuration = floor.DefaultTalkDuration
	// DefaultMDNSService is the advertised DNS-SD service type.
	DefaultMDNSService = discovery.DefaultService
	// DefaultBrokerTopic is the MQTT topic prefix.
	DefaultBrokerTopic = broker.DefaultTopic
	// DefaultMetricsListen disables the Prometheus endpoint.
	DefaultMetricsListen = ""
	// DefaultPprofListen disables the pprof endpoint.
	DefaultPprofListen = ""
	// DefaultConnGuardThreshold mirrors connguard.DefaultFailureThreshold.
	DefaultConnGuardThreshold = connguard.DefaultFailureThreshold
	// DefaultConnGuardWindow mirrors connguard.DefaultFailureWindow.
	DefaultConnGuardWindow = connguard.DefaultFailureWindow
	// DefaultConnGuardBlock mirrors connguard.DefaultBlockDuration.
	DefaultConnGuardBlock = connguard.DefaultBlockDuration
)

// Config captures the tunables of one node.
type Config struct {
	NodeID    string
	Name      string
	Listen    string
	FloorMode FloorMode
	Peers     []string

	MaxFrameSize      int
	HeartbeatInterval time.Duration
	PingInterval      time.Duration
	SweepInterval     time.Duration
	PeerStaleAfter    time.Duration
	MemberTimeout     time.Duration
	ActiveWindow      time.Duration
	Debounce          time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	ReconnectDelay    time.Duration
	TalkDuration      time.Duration

	// ConnGuardDisabled turns off blocking of hosts that keep sending
	// malformed frames.
	ConnGuardDisabled  bool
	ConnGuardThreshold int
	ConnGuardWindow    time.Duration
	ConnGuardBlock     time.Duration

	SettingsPath string

	MDNS               bool
	MDNSService        string
	MDNSBrowseInterval time.Duration

	BrokerURL   string
	BrokerTopic string

	MetricsListen          string
	PprofListen            string
	OTLPEndpoint           string
	EnableProfilingMetrics bool
}

// Validate fills defaults and rejects invalid combinations.
func (c *Config) Validate() error {
	c.NodeID = strings.TrimSpace(c.NodeID)
	if c.NodeID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("config: generate node id: %w", err)
		}
		c.NodeID = id.String()
	}
	if strings.ContainsAny(c.NodeID, "|:") {
		return fmt.Errorf("config: node id %q must not contain '|' or ':'", c.NodeID)
	}
	if strings.TrimSpace(c.Name) == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = c.NodeID
		}
		c.Name = host
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	mode, err := ParseFloorMode(string(c.FloorMode))
	if err != nil {
		return err
	}
	c.FloorMode = mode
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.MaxFrameSize < 0 || c.MaxFrameSize > MaxFrameSizeLimit {
		return fmt.Errorf("config: max frame size must be between 1 and %d bytes", MaxFrameSizeLimit)
	}
	durations := []struct {
		name  string
		value *time.Duration
		def   time.Duration
	}{
		{"heartbeat interval", &c.HeartbeatInterval, DefaultHeartbeatInterval},
		{"ping interval", &c.PingInterval, DefaultPingInterval},
		{"sweep interval", &c.SweepInterval, DefaultSweepInterval},
		{"peer stale after", &c.PeerStaleAfter, DefaultPeerStaleAfter},
		{"member timeout", &c.MemberTimeout, DefaultMemberTimeout},
		{"active window", &c.ActiveWindow, DefaultActiveWindow},
		{"debounce", &c.Debounce, DefaultDebounce},
		{"dial timeout", &c.DialTimeout, transport.DefaultDialTimeout},
		{"write timeout", &c.WriteTimeout, transport.DefaultWriteTimeout},
		{"reconnect delay", &c.ReconnectDelay, transport.DefaultReconnectDelay},
		{"talk duration", &c.TalkDuration, DefaultTalkDuration},
		{"mdns browse interval", &c.MDNSBrowseInterval, discovery.DefaultBrowseInterval},
		{"connguard window", &c.ConnGuardWindow, DefaultConnGuardWindow},
		{"connguard block", &c.ConnGuardBlock, DefaultConnGuardBlock},
	}
	for _, d := range durations {
		if *d.value == 0 {
			*d.value = d.def
		} else if *d.value < 0 {
			return fmt.Errorf("config: %s must be >= 0", d.name)
		}
	}
	if c.TalkDuration < floor.MinTalkDuration {
		c.TalkDuration = floor.MinTalkDuration
	}
	if c.ActiveWindow <= c.HeartbeatInterval {
		return fmt.Errorf("config: active window (%s) must exceed heartbeat interval (%s)", c.ActiveWindow, c.HeartbeatInterval)
	}
	if c.ConnGuardThreshold == 0 {
		c.ConnGuardThreshold = DefaultConnGuardThreshold
	}
	if c.ConnGuardThreshold < 0 {
		return fmt.Errorf("config: connguard threshold must be >= 0")
	}
	if c.MDNSService == "" {
		c.MDNSService = DefaultMDNSService
	}
	if c.BrokerTopic == "" {
		c.BrokerTopic = DefaultBrokerTopic
	}
	if _, err := discovery.NewStatic(c.Peers); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// DefaultConfigDir returns the configuration directory, honouring
// LANPTT_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("LANPTT_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".lanptt"), nil
}

// DefaultConfigPath returns the default CLI config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultSettingsPath returns the default user settings file location.
func DefaultSettingsPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.yaml"), nil
}
