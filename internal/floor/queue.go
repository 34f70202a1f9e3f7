package floor

import (
	"slices"
	"sort"
	"sync"
)

// Target is a resolvable floor request.
type Target struct {
	NodeID string
	Host   string
}

// Queue is the FIFO of pending floor requests together with the node to
// host mapping learned from heartbeats.
type Queue struct {
	mu     sync.Mutex
	order  []string
	queued map[string]struct{}
	hosts  map[string]string
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{
		queued: make(map[string]struct{}),
		hosts:  make(map[string]string),
	}
}

// MapNode records that node is reachable at host.
func (q *Queue) MapNode(node, host string) {
	if node == "" || host == "" {
		return
	}
	q.mu.Lock()
	q.hosts[node] = host
	q.mu.Unlock()
}

// HostOf returns the host mapped to node.
func (q *Queue) HostOf(node string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	host, ok := q.hosts[node]
	return host, ok
}

// Enqueue appends node unless it is already queued.
func (q *Queue) Enqueue(node string) bool {
	if node == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queued[node]; ok {
		return false
	}
	q.queued[node] = struct{}{}
	q.order = append(q.order, node)
	return true
}

// PollNextTarget pops entries in order and returns the first whose host is
// known. Entries without a host are dropped.
func (q *Queue) PollNextTarget() (Target, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.order) > 0 {
		node := q.order[0]
		q.order = q.order[1:]
		delete(q.queued, node)
		if host, ok := q.hosts[node]; ok {
			return Target{NodeID: node, Host: host}, true
		}
	}
	return Target{}, false
}

// RemoveNode cancels the pending request of node.
func (q *Queue) RemoveNode(node string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(node)
}

func (q *Queue) removeLocked(node string) bool {
	if _, ok := q.queued[node]; !ok {
		return false
	}
	delete(q.queued, node)
	q.order = slices.DeleteFunc(q.order, func(n string) bool { return n == node })
	return true
}

// RemoveHost purges every mapping and queue entry tied to host and returns
// the affected node ids in sorted order.
func (q *Queue) RemoveHost(host string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var nodes []string
	for node, h := range q.hosts {
		if h != host {
			continue
		}
		nodes = append(nodes, node)
		delete(q.hosts, node)
		q.removeLocked(node)
	}
	sort.Strings(nodes)
	return nodes
}

// Pending returns the queued node ids in order.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.order)
}

// Len reports the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
