package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"

	"pkt.systems/lanptt"
	"pkt.systems/lanptt/internal/version"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NoopLogger())
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestTargetsRoot(t *testing.T) {
	root := newRootCommand(pslog.NoopLogger())
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flags", args: []string{"--listen", ":7401", "--mdns=false"}, want: true},
		{name: "subcommand", args: []string{"config", "gen"}, want: false},
		{name: "subcommand after flag", args: []string{"--log-level=debug", "version"}, want: false},
		{name: "after terminator", args: []string{"--", "version"}, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := targetsRoot(root, tc.args); got != tc.want {
				t.Fatalf("targetsRoot(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestBindConfigFromFlags(t *testing.T) {
	root := newRootCommand(pslog.NoopLogger())
	flags := root.Flags()
	set := func(name, value string) {
		t.Helper()
		if err := flags.Set(name, value); err != nil {
			t.Fatalf("set %s: %v", name, err)
		}
	}
	set("max-frame-size", "64KiB")
	set("peer", "10.0.0.2:7400,10.0.0.3:7400")
	set("floor-mode", "direct")
	set("talk-duration", "12s")
	set("settings", "")
	set("connguard", "false")
	set("connguard-threshold", "4")

	var cfg lanptt.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.MaxFrameSize != 64<<10 {
		t.Fatalf("expected 64KiB frame size, got %d", cfg.MaxFrameSize)
	}
	if len(cfg.Peers) != 2 || cfg.Peers[1] != "10.0.0.3:7400" {
		t.Fatalf("unexpected peers %v", cfg.Peers)
	}
	if cfg.FloorMode != lanptt.FloorModeDirect {
		t.Fatalf("expected direct floor mode, got %q", cfg.FloorMode)
	}
	if cfg.TalkDuration != 12*time.Second {
		t.Fatalf("expected 12s talk duration, got %s", cfg.TalkDuration)
	}
	if !cfg.ConnGuardDisabled || cfg.ConnGuardThreshold != 4 {
		t.Fatalf("unexpected connguard config disabled=%v threshold=%d", cfg.ConnGuardDisabled, cfg.ConnGuardThreshold)
	}
	if cfg.SettingsPath != "" {
		t.Fatalf("expected settings disabled, got %q", cfg.SettingsPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate bound config: %v", err)
	}
}

func TestBindConfigRejectsOversizedFrames(t *testing.T) {
	root := newRootCommand(pslog.NoopLogger())
	if err := root.Flags().Set("max-frame-size", "1GiB"); err != nil {
		t.Fatalf("set: %v", err)
	}
	var cfg lanptt.Config
	if err := bindConfig(&cfg); err == nil || !strings.Contains(err.Error(), "max-frame-size") {
		t.Fatalf("expected max-frame-size error, got %v", err)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList([]string{" a:1 , b:2", "", "c:3"})
	want := []string{"a:1", "b:2", "c:3"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("splitList=%v want %v", got, want)
	}
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode generated config: %v", err)
	}
	if got.Listen != lanptt.DefaultListen {
		t.Fatalf("expected listen %q, got %q", lanptt.DefaultListen, got.Listen)
	}
	if got.MaxFrameSize != "256KiB" {
		t.Fatalf("expected humanized frame size, got %q", got.MaxFrameSize)
	}
	if got.FloorMode != string(lanptt.FloorModeArbitrated) || !got.MDNS {
		t.Fatalf("unexpected defaults %+v", got)
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path); err != nil {
		t.Fatalf("first gen: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path); err == nil {
		t.Fatal("expected overwrite refusal")
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path, "--force"); err != nil {
		t.Fatalf("forced gen: %v", err)
	}
}
