package discovery

import "sort"

// DefaultMissedRounds is how many browse rounds a peer may be absent from
// before it is reported gone.
const DefaultMissedRounds = 3

// Sighting is one peer seen during a browse round.
type Sighting struct {
	Host   string
	Port   int
	Name   string
	NodeID string
}

type tracked struct {
	Sighting
	missed int
}

// Tracker turns browse rounds into Appeared and Disappeared events.
type Tracker struct {
	selfID string
	limit  int
	peers  map[string]*tracked
}

// NewTracker returns a Tracker that ignores selfID.
func NewTracker(selfID string, missedRounds int) *Tracker {
	if missedRounds <= 0 {
		missedRounds = DefaultMissedRounds
	}
	return &Tracker{selfID: selfID, limit: missedRounds, peers: make(map[string]*tracked)}
}

// Round records the sightings of one browse round and returns the resulting
// events ordered by host.
func (t *Tracker) Round(sightings []Sighting) []Event {
	var events []Event
	present := make(map[string]struct{}, len(sightings))
	for _, s := range sightings {
		if s.Host == "" || (s.NodeID != "" && s.NodeID == t.selfID) {
			continue
		}
		present[s.Host] = struct{}{}
		cur, ok := t.peers[s.Host]
		if ok && cur.Port == s.Port && cur.Name == s.Name {
			cur.missed = 0
			continue
		}
		t.peers[s.Host] = &tracked{Sighting: s}
		events = append(events, Event{Kind: Appeared, Host: s.Host, Port: s.Port, Name: s.Name})
	}
	for host, cur := range t.peers {
		if _, ok := present[host]; ok {
			continue
		}
		cur.missed++
		if cur.missed < t.limit {
			continue
		}
		delete(t.peers, host)
		events = append(events, Event{Kind: Disappeared, Host: host, Port: cur.Port, Name: cur.Name})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Host < events[j].Host })
	return events
}

// Known returns the number of tracked peers.
func (t *Tracker) Known() int {
	return len(t.peers)
}
