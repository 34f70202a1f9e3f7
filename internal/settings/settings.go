// Package settings loads the user-facing node settings from a YAML file and
// reloads them when the file changes on disk.
package settings

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"

	"pkt.systems/lanptt/internal/svcfields"
)

const (
	// DefaultTalkDuration is the fallback floor hold when unset.
	DefaultTalkDuration = 30 * time.Second
	// MinTalkDuration is the lowest accepted talk duration.
	MinTalkDuration = time.Second
	// DefaultSettleDelay is the quiet period after the last file event
	// before Watch reloads.
	DefaultSettleDelay = 50 * time.Millisecond
)

// Settings are the values a user may change while the node runs.
type Settings struct {
	TalkDuration time.Duration `yaml:"talk-duration"`
	ChatEnabled  bool          `yaml:"chat-enabled"`
	MDNSEnabled  bool          `yaml:"mdns-enabled"`
}

// Defaults returns the settings used when no file exists.
func Defaults() Settings {
	return Settings{
		TalkDuration: DefaultTalkDuration,
		ChatEnabled:  true,
		MDNSEnabled:  true,
	}
}

func (s Settings) normalized() Settings {
	if s.TalkDuration <= 0 {
		s.TalkDuration = DefaultTalkDuration
	}
	if s.TalkDuration < MinTalkDuration {
		s.TalkDuration = MinTalkDuration
	}
	return s
}

// Parse decodes settings from YAML, starting from Defaults.
func Parse(data []byte) (Settings, error) {
	s := Defaults()
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("settings: decode: %w", err)
	}
	return s.normalized(), nil
}

// Store holds the current settings backed by a file.
type Store struct {
	path   string
	logger pslog.Logger
	settle time.Duration

	mu      sync.Mutex
	current Settings
}

// Open loads path. A missing file yields Defaults. An empty path yields an
// in-memory store that never reloads.
func Open(path string, logger pslog.Logger) (*Store, error) {
	s := &Store{
		path:    path,
		logger:  svcfields.WithSubsystem(logger, "settings"),
		settle:  DefaultSettleDelay,
		current: Defaults(),
	}
	if path == "" {
		return s, nil
	}
	loaded, err := s.load()
	if err != nil {
		return nil, err
	}
	s.current = loaded
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Current returns the current settings.
func (s *Store) Current() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Save writes next to the backing file and makes it current.
func (s *Store) Save(next Settings) error {
	next = next.normalized()
	if s.path != "" {
		data, err := yaml.Marshal(fileSettings{
			TalkDuration: next.TalkDuration.String(),
			ChatEnabled:  next.ChatEnabled,
			MDNSEnabled:  next.MDNSEnabled,
		})
		if err != nil {
			return fmt.Errorf("settings: encode: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return fmt.Errorf("settings: prepare directory: %w", err)
		}
		tmp := s.path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("settings: write %s: %w", tmp, err)
		}
		if err := os.Rename(tmp, s.path); err != nil {
			return fmt.Errorf("settings: replace %s: %w", s.path, err)
		}
	}
	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	return nil
}

type fileSettings struct {
	TalkDuration string `yaml:"talk-duration"`
	ChatEnabled  bool   `yaml:"chat-enabled"`
	MDNSEnabled  bool   `yaml:"mdns-enabled"`
}

func (s *Store) load() (Settings, error) {
	next, _, err := s.read()
	return next, err
}

// read loads the file and reports whether it was blank.
func (s *Store) read() (Settings, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Defaults(), false, nil
	}
	if err != nil {
		return Settings{}, false, fmt.Errorf("settings: read %s: %w", s.path, err)
	}
	next, err := Parse(data)
	return next, len(bytes.TrimSpace(data)) == 0, err
}

// Reload re-reads the backing file and reports whether the settings
// changed. A file that fails to parse leaves the current settings in place.
func (s *Store) Reload() (Settings, bool, error) {
	return s.reload(false)
}

func (s *Store) reload(keepOnBlank bool) (Settings, bool, error) {
	if s.path == "" {
		return s.Current(), false, nil
	}
	next, blank, err := s.read()
	if err != nil {
		return s.Current(), false, err
	}
	if blank && keepOnBlank {
		s.logger.Debug("settings.reload.skipped", "path", s.path, "reason", "blank file")
		return s.Current(), false, nil
	}
	s.mu.Lock()
	changed := next != s.current
	s.current = next
	s.mu.Unlock()
	return next, changed, nil
}

// Watch reloads the file once it has been quiet for the settle delay after
// a write, create or rename, and calls fn with changed settings. A blank
// file, as seen mid-write, keeps the current settings. Watch blocks until
// ctx is done.
func (s *Store) Watch(ctx context.Context, fn func(Settings)) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("settings: prepare directory %q: %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings: create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("settings: watch %q: %w", dir, err)
	}
	name := filepath.Clean(s.path)
	timer := time.NewTimer(s.settle)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(s.settle)
		case <-timer.C:
			next, changed, err := s.reload(true)
			if err != nil {
				s.logger.Warn("settings.reload.failed", "path", s.path, "error", err)
				continue
			}
			if !changed {
				continue
			}
			s.logger.Info("settings.reloaded",
				"talk_duration", next.TalkDuration,
				"chat_enabled", next.ChatEnabled,
				"mdns_enabled", next.MDNSEnabled,
			)
			if fn != nil {
				fn(next)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("settings.watch.error", "error", err)
		}
	}
}
