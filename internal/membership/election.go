package membership

import (
	"sort"
	"time"
)

// Role is the local node's position in the cluster.
type Role uint8

const (
	// RolePeer follows the elected leader.
	RolePeer Role = iota
	// RoleLeader coordinates floor arbitration.
	RoleLeader
)

func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "peer"
}

// Elect picks the leader among members heard from within window of now.
// The local node is always a candidate: when it is missing from the active
// set it is added with zero uptime. The winner maximises uptime, then the
// earliest first-seen time, then the smallest node id. active counts the
// distinct candidates and is never below one.
func Elect(members []Member, selfID string, now time.Time, window time.Duration) (leader string, active int) {
	candidates := make(map[string]Member, len(members)+1)
	for _, m := range members {
		if m.NodeID == "" || now.Sub(m.LastSeen) > window {
			continue
		}
		if prev, ok := candidates[m.NodeID]; ok && !outranks(m, prev) {
			continue
		}
		candidates[m.NodeID] = m
	}
	if _, ok := candidates[selfID]; !ok && selfID != "" {
		candidates[selfID] = Member{NodeID: selfID, FirstSeen: now, LastSeen: now}
	}
	ranked := make([]Member, 0, len(candidates))
	for _, m := range candidates {
		ranked = append(ranked, m)
	}
	sort.Slice(ranked, func(i, j int) bool { return outranks(ranked[i], ranked[j]) })
	active = len(ranked)
	if active == 0 {
		return "", 1
	}
	return ranked[0].NodeID, active
}

func outranks(a, b Member) bool {
	if a.Uptime != b.Uptime {
		return a.Uptime > b.Uptime
	}
	if !a.FirstSeen.Equal(b.FirstSeen) {
		return a.FirstSeen.Before(b.FirstSeen)
	}
	return a.NodeID < b.NodeID
}
