package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/lanptt"
	"pkt.systems/lanptt/internal/discovery"
	"pkt.systems/lanptt/internal/transport"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage lanptt configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.lanptt/config.yaml"
	if path, err := lanptt.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default lanptt configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := lanptt.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config path: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	NodeID                 string   `yaml:"node-id"`
	Name                   string   `yaml:"name"`
	Listen                 string   `yaml:"listen"`
	FloorMode              string   `yaml:"floor-mode"`
	Peers                  []string `yaml:"peer"`
	MaxFrameSize           string   `yaml:"max-frame-size"`
	HeartbeatInterval      string   `yaml:"heartbeat-interval"`
	PingInterval           string   `yaml:"ping-interval"`
	SweepInterval          string   `yaml:"sweep-interval"`
	PeerStaleAfter         string   `yaml:"peer-stale-after"`
	MemberTimeout          string   `yaml:"member-timeout"`
	ActiveWindow           string   `yaml:"active-window"`
	Debounce               string   `yaml:"debounce"`
	DialTimeout            string   `yaml:"dial-timeout"`
	WriteTimeout           string   `yaml:"write-timeout"`
	ReconnectDelay         string   `yaml:"reconnect-delay"`
	TalkDuration           string   `yaml:"talk-duration"`
	ConnGuard              bool     `yaml:"connguard"`
	ConnGuardThreshold     int      `yaml:"connguard-threshold"`
	ConnGuardWindow        string   `yaml:"connguard-window"`
	ConnGuardBlock         string   `yaml:"connguard-block"`
	Settings               string   `yaml:"settings"`
	MDNS                   bool     `yaml:"mdns"`
	MDNSService            string   `yaml:"mdns-service"`
	MDNSBrowseInterval     string   `yaml:"mdns-browse-interval"`
	BrokerURL              string   `yaml:"broker-url"`
	BrokerTopic            string   `yaml:"broker-topic"`
	MetricsListen          string   `yaml:"metrics-listen"`
	PprofListen            string   `yaml:"pprof-listen"`
	EnableProfilingMetrics bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	LogLevel               string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:             lanptt.DefaultListen,
		FloorMode:          string(lanptt.DefaultFloorMode),
		MaxFrameSize:       humanizeBytes(lanptt.DefaultMaxFrameSize),
		HeartbeatInterval:  lanptt.DefaultHeartbeatInterval.String(),
		PingInterval:       lanptt.DefaultPingInterval.String(),
		SweepInterval:      lanptt.DefaultSweepInterval.String(),
		PeerStaleAfter:     lanptt.DefaultPeerStaleAfter.String(),
		MemberTimeout:      lanptt.DefaultMemberTimeout.String(),
		ActiveWindow:       lanptt.DefaultActiveWindow.String(),
		Debounce:           lanptt.DefaultDebounce.String(),
		DialTimeout:        transport.DefaultDialTimeout.String(),
		WriteTimeout:       transport.DefaultWriteTimeout.String(),
		ReconnectDelay:     transport.DefaultReconnectDelay.String(),
		TalkDuration:       lanptt.DefaultTalkDuration.String(),
		ConnGuard:          true,
		ConnGuardThreshold: lanptt.DefaultConnGuardThreshold,
		ConnGuardWindow:    lanptt.DefaultConnGuardWindow.String(),
		ConnGuardBlock:     lanptt.DefaultConnGuardBlock.String(),
		Settings:           defaultSettingsPath(),
		MDNS:               true,
		MDNSService:        lanptt.DefaultMDNSService,
		MDNSBrowseInterval: discovery.DefaultBrowseInterval.String(),
		BrokerTopic:        lanptt.DefaultBrokerTopic,
		MetricsListen:      lanptt.DefaultMetricsListen,
		PprofListen:        lanptt.DefaultPprofListen,
		LogLevel:           "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
