// Package directory tracks which peer hosts are connected, when they were
// last heard from and what name they advertise. Disconnect signals are
// debounced against recent traffic so a redundant path dropping does not
// flap a peer that is still talking on another one.
package directory

import (
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/lanptt/internal/clock"
	"pkt.systems/lanptt/internal/svcfields"
)

// DefaultDebounce is the silence required before a disconnect is honoured.
const DefaultDebounce = 2500 * time.Millisecond

// Peer is one directory entry.
type Peer struct {
	Host       string
	Name       string
	Port       int
	Connected  bool
	LastDataAt time.Time
}

// Config configures a Directory.
type Config struct {
	Debounce time.Duration
	Clock    clock.Clock
	Logger   pslog.Logger
}

// Directory is the authoritative peer table.
type Directory struct {
	debounce time.Duration
	clock    clock.Clock
	logger   pslog.Logger

	mu          sync.Mutex
	peers       map[string]*Peer
	published   []Peer
	subscribers map[int]chan []Peer
	nextSub     int
	transitions []func(host string, connected bool)
}

// New constructs an empty Directory.
func New(cfg Config) *Directory {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	return &Directory{
		debounce:    cfg.Debounce,
		clock:       clock.Ensure(cfg.Clock),
		logger:      svcfields.WithSubsystem(cfg.Logger, "directory"),
		peers:       make(map[string]*Peer),
		subscribers: make(map[int]chan []Peer),
	}
}

// OnTransition registers fn to be called whenever a host flips between
// connected and disconnected. Callbacks run after the directory lock is
// released.
func (d *Directory) OnTransition(fn func(host string, connected bool)) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	d.transitions = append(d.transitions, fn)
	d.mu.Unlock()
}

// MarkConnected marks host connected on port, keeping its advertised name.
func (d *Directory) MarkConnected(host string, port int) {
	if host == "" {
		return
	}
	now := d.clock.Now()
	d.mutate(func() []transition {
		p := d.entry(host)
		was := p.Connected
		p.Connected = true
		if port > 0 {
			p.Port = port
		}
		p.LastDataAt = now
		if !was {
			return []transition{{host: host, connected: true}}
		}
		return nil
	})
}

// MarkDisconnected marks host disconnected unless data arrived within the
// debounce window before now. It reports whether the entry is now
// disconnected.
func (d *Directory) MarkDisconnected(host string, now time.Time) bool {
	var honoured bool
	d.mutate(func() []transition {
		p, ok := d.peers[host]
		if !ok {
			return nil
		}
		if !d.silentLongEnough(p, now) {
			d.logger.Debug("directory.disconnect.debounced", svcfields.HostKey, host, "silence", now.Sub(p.LastDataAt))
			return nil
		}
		honoured = true
		if !p.Connected {
			return nil
		}
		p.Connected = false
		return []transition{{host: host, connected: false}}
	})
	return honoured
}

// MarkDisconnectedByName applies MarkDisconnected to every entry advertising
// name and returns the hosts that became disconnected.
func (d *Directory) MarkDisconnectedByName(name string, now time.Time) []string {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	var hosts []string
	d.mutate(func() []transition {
		var out []transition
		for host, p := range d.peers {
			if p.Name != name || !p.Connected || !d.silentLongEnough(p, now) {
				continue
			}
			p.Connected = false
			hosts = append(hosts, host)
			out = append(out, transition{host: host, connected: false})
		}
		return out
	})
	sort.Strings(hosts)
	return hosts
}

// RecordAdvertisedName sets the advertised name for host.
func (d *Directory) RecordAdvertisedName(host, name string) {
	if host == "" {
		return
	}
	d.mutate(func() []transition {
		d.entry(host).Name = name
		return nil
	})
}

// RecordActivity notes inbound traffic from host: the entry becomes connected
// and its receive time is refreshed.
func (d *Directory) RecordActivity(host string) {
	if host == "" {
		return
	}
	now := d.clock.Now()
	d.mutate(func() []transition {
		p := d.entry(host)
		p.LastDataAt = now
		if p.Connected {
			return nil
		}
		p.Connected = true
		return []transition{{host: host, connected: true}}
	})
}

// SweepStale disconnects every connected entry silent for longer than
// maxSilence and returns the affected hosts.
func (d *Directory) SweepStale(maxSilence time.Duration, now time.Time) []string {
	var hosts []string
	d.mutate(func() []transition {
		var out []transition
		for host, p := range d.peers {
			if !p.Connected || now.Sub(p.LastDataAt) <= maxSilence {
				continue
			}
			p.Connected = false
			hosts = append(hosts, host)
			out = append(out, transition{host: host, connected: false})
		}
		return out
	})
	if len(hosts) > 0 {
		sort.Strings(hosts)
		d.logger.Info("directory.sweep.stale", "hosts", hosts, "max_silence", maxSilence)
	}
	return hosts
}

// Lookup returns the entry for host.
func (d *Directory) Lookup(host string) (Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[host]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Snapshot returns all entries, connected first, then by name and host.
func (d *Directory) Snapshot() []Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// Subscribe returns a channel receiving the peer list whenever its content
// changes. Slow readers only see the latest list. The current list is
// delivered immediately.
func (d *Directory) Subscribe() (<-chan []Peer, func()) {
	ch := make(chan []Peer, 1)
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subscribers[id] = ch
	ch <- slices.Clone(d.published)
	d.mu.Unlock()
	return ch, func() {
		d.mu.Lock()
		if _, ok := d.subscribers[id]; ok {
			delete(d.subscribers, id)
			close(ch)
		}
		d.mu.Unlock()
	}
}

type transition struct {
	host      string
	connected bool
}

func (d *Directory) mutate(fn func() []transition) {
	d.mu.Lock()
	changes := fn()
	d.publishLocked()
	callbacks := slices.Clone(d.transitions)
	d.mu.Unlock()
	for _, change := range changes {
		if change.connected {
			d.logger.Info("directory.peer.connected", svcfields.HostKey, change.host)
		} else {
			d.logger.Info("directory.peer.disconnected", svcfields.HostKey, change.host)
		}
		for _, cb := range callbacks {
			cb(change.host, change.connected)
		}
	}
}

func (d *Directory) entry(host string) *Peer {
	p, ok := d.peers[host]
	if !ok {
		p = &Peer{Host: host}
		d.peers[host] = p
	}
	return p
}

func (d *Directory) silentLongEnough(p *Peer, now time.Time) bool {
	return p.LastDataAt.IsZero() || now.Sub(p.LastDataAt) > d.debounce
}

// publishLocked pushes the list to subscribers when its visible content
// differs from the last publication. Receive timestamps are not part of the
// comparison so traffic alone never republishes.
func (d *Directory) publishLocked() {
	next := d.snapshotLocked()
	if slices.EqualFunc(next, d.published, samePublished) {
		return
	}
	d.published = next
	for _, ch := range d.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- slices.Clone(next)
	}
}

func samePublished(a, b Peer) bool {
	return a.Host == b.Host && a.Name == b.Name && a.Port == b.Port && a.Connected == b.Connected
}

func (d *Directory) snapshotLocked() []Peer {
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Connected != out[j].Connected {
			return out[i].Connected
		}
		ni, nj := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if ni != nj {
			return ni < nj
		}
		return out[i].Host < out[j].Host
	})
	return out
}
