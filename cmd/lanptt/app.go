package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/lanptt"
	"pkt.systems/lanptt/internal/svcfields"
	"pkt.systems/lanptt/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("LANPTT_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "lanptt")
	cmd := newRootCommand(baseLogger)
	rootInvocation := targetsRoot(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// targetsRoot reports whether args run the node rather than a subcommand.
func targetsRoot(root *cobra.Command, args []string) bool {
	for _, arg := range args {
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "-") {
			continue
		}
		for _, sub := range root.Commands() {
			if arg == sub.Name() || sub.HasAlias(arg) {
				return false
			}
		}
	}
	return true
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := lanptt.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "lanptt",
		Short:         "lanptt is a LAN push-to-talk node with leader-arbitrated floor control and text chat",
		SilenceErrors: true,
		Example: `
  # Join peers found with mDNS and chat from the terminal
  lanptt

  # Two nodes without multicast
  lanptt --listen :7400 --peer 192.168.1.20:7400

  # Pairwise floor control for peers that only speak TAKEN/RELEASED
  lanptt --floor-mode direct --peer 192.168.1.20:7400

  # Mirror control traffic over MQTT and expose Prometheus metrics
  lanptt --broker-url tcp://broker.lan:1883 --metrics-listen :9464
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			var cfg lanptt.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			var con *console
			opts := []lanptt.Option{lanptt.WithLogger(logger)}
			if !viper.GetBool("no-console") {
				con = newConsole(cmd.InOrStdin(), cmd.OutOrStdout())
				opts = append(opts, lanptt.WithListener(con))
			}
			engine, err := lanptt.NewEngine(cfg, opts...)
			if err != nil {
				return err
			}
			if err := engine.Start(ctx); err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := engine.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			cliLogger.Info("node running",
				"node", engine.NodeID(),
				"listen", engine.Addr().String(),
				"floor_mode", string(engine.Config().FloorMode),
			)
			if con == nil {
				<-ctx.Done()
				return nil
			}
			return con.Run(ctx, engine)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.lanptt/config.yaml)")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("node-id", "", "stable node id (defaults to a fresh UUIDv7)")
	flags.String("name", "", "advertised node name (defaults to the hostname)")
	flags.String("listen", lanptt.DefaultListen, "peer transport listen address")
	flags.String("floor-mode", string(lanptt.DefaultFloorMode), "floor grammar for local requests (arbitrated, direct)")
	flags.StringSlice("peer", nil, "static peer host:port (repeatable)")
	flags.String("max-frame-size", humanizeBytes(lanptt.DefaultMaxFrameSize), "largest accepted frame payload (e.g. 256KiB)")
	flags.Duration("heartbeat-interval", lanptt.DefaultHeartbeatInterval, "interval between HEARTBEAT broadcasts")
	flags.Duration("ping-interval", lanptt.DefaultPingInterval, "interval between liveness pings")
	flags.Duration("sweep-interval", lanptt.DefaultSweepInterval, "interval between stale peer and member sweeps")
	flags.Duration("peer-stale-after", lanptt.DefaultPeerStaleAfter, "silence after which a connected peer is dropped")
	flags.Duration("member-timeout", lanptt.DefaultMemberTimeout, "silence after which a member leaves the cluster")
	flags.Duration("active-window", lanptt.DefaultActiveWindow, "how recently a member must be heard from to count in elections")
	flags.Duration("debounce", lanptt.DefaultDebounce, "recent traffic window that suppresses disconnect signals")
	flags.Duration("dial-timeout", transport.DefaultDialTimeout, "outbound connect timeout")
	flags.Duration("write-timeout", transport.DefaultWriteTimeout, "per-frame write timeout")
	flags.Duration("reconnect-delay", transport.DefaultReconnectDelay, "delay before redialing a lost outbound peer")
	flags.Duration("talk-duration", lanptt.DefaultTalkDuration, "fallback floor hold when no release arrives")
	flags.Bool("connguard", true, "block hosts that keep sending malformed frames")
	flags.Int("connguard-threshold", lanptt.DefaultConnGuardThreshold, "framing violations that block a host")
	flags.Duration("connguard-window", lanptt.DefaultConnGuardWindow, "window framing violations are counted over")
	flags.Duration("connguard-block", lanptt.DefaultConnGuardBlock, "how long a blocked host is refused")
	flags.String("settings", defaultSettingsPath(), "user settings file (talk-duration, chat-enabled, mdns-enabled); empty disables")
	flags.Bool("mdns", true, "advertise and browse peers with mDNS")
	flags.String("mdns-service", lanptt.DefaultMDNSService, "DNS-SD service type")
	flags.Duration("mdns-browse-interval", 0, "pause between mDNS browse rounds (0 uses the default)")
	flags.String("broker-url", "", "MQTT broker URL mirroring control traffic (empty disables)")
	flags.String("broker-topic", lanptt.DefaultBrokerTopic, "MQTT topic prefix")
	flags.String("metrics-listen", lanptt.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", lanptt.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("no-console", false, "run without the interactive stdin console")

	lookup := func(name string) *pflag.Flag {
		if flag := flags.Lookup(name); flag != nil {
			return flag
		}
		return persistentFlags.Lookup(name)
	}
	bindFlag := func(name string) {
		flag := lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("LANPTT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"config", "log-level",
		"node-id", "name", "listen", "floor-mode", "peer", "max-frame-size",
		"heartbeat-interval", "ping-interval", "sweep-interval", "peer-stale-after", "member-timeout",
		"active-window", "debounce", "dial-timeout", "write-timeout", "reconnect-delay", "talk-duration",
		"connguard", "connguard-threshold", "connguard-window", "connguard-block",
		"settings", "mdns", "mdns-service", "mdns-browse-interval",
		"broker-url", "broker-topic",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"no-console",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func defaultSettingsPath() string {
	path, err := lanptt.DefaultSettingsPath()
	if err != nil {
		return ""
	}
	return path
}

func bindConfig(cfg *lanptt.Config) error {
	cfg.NodeID = strings.TrimSpace(viper.GetString("node-id"))
	cfg.Name = strings.TrimSpace(viper.GetString("name"))
	cfg.Listen = viper.GetString("listen")
	mode, err := lanptt.ParseFloorMode(viper.GetString("floor-mode"))
	if err != nil {
		return err
	}
	cfg.FloorMode = mode
	cfg.Peers = splitList(viper.GetStringSlice("peer"))
	if raw := strings.TrimSpace(viper.GetString("max-frame-size")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse max-frame-size: %w", err)
		}
		if size > lanptt.MaxFrameSizeLimit {
			return fmt.Errorf("max-frame-size %s exceeds %s", raw, humanizeBytes(lanptt.MaxFrameSizeLimit))
		}
		cfg.MaxFrameSize = int(size)
	}
	cfg.HeartbeatInterval = viper.GetDuration("heartbeat-interval")
	cfg.PingInterval = viper.GetDuration("ping-interval")
	cfg.SweepInterval = viper.GetDuration("sweep-interval")
	cfg.PeerStaleAfter = viper.GetDuration("peer-stale-after")
	cfg.MemberTimeout = viper.GetDuration("member-timeout")
	cfg.ActiveWindow = viper.GetDuration("active-window")
	cfg.Debounce = viper.GetDuration("debounce")
	cfg.DialTimeout = viper.GetDuration("dial-timeout")
	cfg.WriteTimeout = viper.GetDuration("write-timeout")
	cfg.ReconnectDelay = viper.GetDuration("reconnect-delay")
	cfg.TalkDuration = viper.GetDuration("talk-duration")
	cfg.ConnGuardDisabled = !viper.GetBool("connguard")
	cfg.ConnGuardThreshold = viper.GetInt("connguard-threshold")
	cfg.ConnGuardWindow = viper.GetDuration("connguard-window")
	cfg.ConnGuardBlock = viper.GetDuration("connguard-block")
	if path := strings.TrimSpace(viper.GetString("settings")); path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return fmt.Errorf("expand settings path %q: %w", path, err)
		}
		cfg.SettingsPath = expanded
	}
	cfg.MDNS = viper.GetBool("mdns")
	cfg.MDNSService = viper.GetString("mdns-service")
	cfg.MDNSBrowseInterval = viper.GetDuration("mdns-browse-interval")
	cfg.BrokerURL = strings.TrimSpace(viper.GetString("broker-url"))
	cfg.BrokerTopic = viper.GetString("broker-topic")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	return nil
}

// splitList flattens comma separated entries so env values like
// LANPTT_PEER="a:1,b:2" behave like repeated flags.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
