// Package membership implements the soft-state peer table shared by every
// node: a map of known peers plus a set of explicitly blocked ids, as
// described by spec.md §3 ("Membership table").
package membership

import (
	"fmt"
	"regexp"
	"sync"
	"time"
)

// Role identifies which of the three node roles a peer plays.
type Role int

const (
	RoleUndefined Role = iota
	RoleWorker
	RoleAggregator
	RoleCoordinator
)

// String renders a Role the way it appears on the wire (Node/type attribute).
func (r Role) String() string {
	switch r {
	case RoleWorker:
		return "Worker"
	case RoleAggregator:
		return "Aggregator"
	case RoleCoordinator:
		return "Coordinator"
	default:
		return "Undefined"
	}
}

// ParseRole parses the wire representation of a Role; unknown strings yield
// RoleUndefined.
func ParseRole(s string) Role {
	switch s {
	case "Worker":
		return RoleWorker
	case "Aggregator":
		return RoleAggregator
	case "Coordinator":
		return RoleCoordinator
	default:
		return RoleUndefined
	}
}

// NodeInfo describes one peer as observed by the local node. It is mutable
// and shared between the receiver (updates LastSeen) and the scheduler
// (reads Busy/ProcessorCount); all access must go through Table.
type NodeInfo struct {
	ID                string    // opaque globally unique identifier
	Name              string    // human-readable name
	Host              string    // network host
	Port              int       // network port
	Role              Role      // Worker, Aggregator, or Coordinator
	ProcessorCount    int       // capability hint
	Busy              bool      // true while running exactly one job
	Fixed             bool      // suppresses timeout eviction (set for the aggregator's own entry)
	LastSeen          time.Time // updated on every received message from this peer
	FreeSince         time.Time // time Busy last transitioned to false
	CompletedJobs     int       // lifetime completed-job counter
	LastCompletedTask string    // task name of the most recently completed job (affinity hint)
}

// Addr renders the identity key for this peer: host:port.
func (n NodeInfo) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// Clone returns a value copy, safe to hand to callers outside the Table's
// lock.
func (n NodeInfo) Clone() NodeInfo {
	return n
}

// linkLocalIPv4 matches the IPv6 zone-qualified embedded-IPv4 form
// (e.g. "::ffff:192.168.1.5%3") so it can be canonicalized to the bare IPv4
// address before insertion into the table, per spec.md §6 "Addressing".
var linkLocalIPv4 = regexp.MustCompile(`:(\d+\.\d+\.\d+\.\d+)%.*$`)

// CanonicalizeHost rewrites an IPv6 link-local form embedding an IPv4
// address down to the bare IPv4 address; other hosts pass through unchanged.
func CanonicalizeHost(host string) string {
	if m := linkLocalIPv4.FindStringSubmatch(host); m != nil {
		return m[1]
	}
	return host
}

// Kind distinguishes the three membership change events.
type Kind int

const (
	NodeAdded Kind = iota
	NodeRemoved
	NodeUpdated
)

// Event is published whenever a peer is added, removed (explicitly blocked
// or aged out), or meaningfully updated (role/name/busy change). The
// coordinator's scheduler and the aggregator's broadcast trigger each consume
// this stream in their own goroutine; the monitor only produces events (via
// EvictStale) and does not read them.
type Event struct {
	Kind Kind
	Node NodeInfo
}

// Table is the map id -> *NodeInfo plus the blocked-id set described by
// spec.md §3. All methods are safe for concurrent use by multiple
// goroutines (receiver, dispatcher, monitor, scheduler).
type Table struct {
	mu      sync.RWMutex
	peers   map[string]*NodeInfo
	blocked map[string]struct{}
	events  chan Event
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{
		peers:   make(map[string]*NodeInfo),
		blocked: make(map[string]struct{}),
		events:  make(chan Event, 256),
	}
}

// Events returns the receive-only event stream. Consumers must drain it
// promptly: once the internal buffer (256 events) is full, further events
// are dropped rather than blocking the caller that produced them (the
// dispatcher and monitor must never stall on a slow consumer).
func (t *Table) Events() <-chan Event {
	return t.events
}

func (t *Table) publish(ev Event) {
	select {
	case t.events <- ev:
	default:
	}
}

// EnsureFixed inserts or refreshes a fixed (non-evictable) entry, used by
// every node for its own aggregator's entry and by the aggregator for its
// own self entry, per spec.md §3 invariant 1.
func (t *Table) EnsureFixed(info NodeInfo) {
	info.Fixed = true
	info.LastSeen = time.Now()
	t.mu.Lock()
	_, existed := t.peers[info.ID]
	info.Addr() // no-op touch so Addr stays computed consistently with key
	t.peers[info.ID] = &info
	t.mu.Unlock()
	if !existed {
		t.publish(Event{Kind: NodeAdded, Node: info})
	}
}

// Upsert registers or refreshes a peer (a "Registry" control message, or
// implicit registration on first receipt of any addressed message). It is a
// no-op if the peer is blocked. Re-registering a known peer updates LastSeen
// and any changed descriptive fields without creating a duplicate entry
// (idempotence law 7 in spec.md §8).
func (t *Table) Upsert(info NodeInfo) {
	t.mu.Lock()
	if _, blocked := t.blocked[info.ID]; blocked {
		t.mu.Unlock()
		return
	}

	existing, ok := t.peers[info.ID]
	now := time.Now()
	info.LastSeen = now
	if !ok {
		t.peers[info.ID] = &info
		t.mu.Unlock()
		t.publish(Event{Kind: NodeAdded, Node: info})
		return
	}

	changed := existing.Role != info.Role || existing.Name != info.Name || existing.Busy != info.Busy
	if existing.Busy && !info.Busy {
		info.FreeSince = now
	} else {
		info.FreeSince = existing.FreeSince
	}
	info.CompletedJobs = existing.CompletedJobs
	info.LastCompletedTask = existing.LastCompletedTask
	info.Fixed = existing.Fixed
	*existing = info
	snapshot := *existing
	t.mu.Unlock()

	if changed {
		t.publish(Event{Kind: NodeUpdated, Node: snapshot})
	}
}

// Touch refreshes LastSeen for an already-known peer without altering any
// other field. Unknown ids are ignored.
func (t *Table) Touch(id string) {
	t.mu.Lock()
	if n, ok := t.peers[id]; ok {
		n.LastSeen = time.Now()
	}
	t.mu.Unlock()
}

// Get returns a copy of the peer with the given id, or false if unknown.
func (t *Table) Get(id string) (NodeInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.peers[id]
	if !ok {
		return NodeInfo{}, false
	}
	return n.Clone(), true
}

// SetBusy flips the busy flag for the given peer, used by the coordinator's
// scheduler on dispatch and on reschedule.
func (t *Table) SetBusy(id string, busy bool) {
	t.mu.Lock()
	if n, ok := t.peers[id]; ok {
		if n.Busy && !busy {
			n.FreeSince = time.Now()
		}
		n.Busy = busy
	}
	t.mu.Unlock()
}

// RecordCompletion increments a peer's completed-job counter and records the
// task name for the affinity heuristic (spec.md §4.2).
func (t *Table) RecordCompletion(id, taskName string) {
	t.mu.Lock()
	if n, ok := t.peers[id]; ok {
		n.CompletedJobs++
		n.LastCompletedTask = taskName
	}
	t.mu.Unlock()
}

// Remove deletes a peer's entry unconditionally without adding it to the
// blocked set (explicit Block commands go through Block instead). It
// publishes a NodeRemoved event.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	n, ok := t.peers[id]
	if ok {
		delete(t.peers, id)
	}
	t.mu.Unlock()
	if ok {
		t.publish(Event{Kind: NodeRemoved, Node: *n})
	}
}

// Block moves id to the blocked set and removes any existing entry for it.
// Two Block commands for the same id are idempotent (spec.md §8 law 8): the
// second call is a no-op beyond re-asserting membership in the blocked set.
func (t *Table) Block(id string) {
	t.mu.Lock()
	t.blocked[id] = struct{}{}
	n, ok := t.peers[id]
	if ok {
		delete(t.peers, id)
	}
	t.mu.Unlock()
	if ok {
		t.publish(Event{Kind: NodeRemoved, Node: *n})
	}
}

// Unblock removes id from the blocked set, allowing future Upsert calls to
// register it again.
func (t *Table) Unblock(id string) {
	t.mu.Lock()
	delete(t.blocked, id)
	t.mu.Unlock()
}

// IsBlocked reports whether id is currently blocked.
func (t *Table) IsBlocked(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.blocked[id]
	return ok
}

// EvictStale removes every non-fixed peer whose LastSeen age exceeds grace,
// publishing a NodeRemoved event for each (spec.md §4.1 monitor step (b),
// §8 invariant 1). It returns the removed peers.
func (t *Table) EvictStale(grace time.Duration) []NodeInfo {
	now := time.Now()
	var removed []NodeInfo

	t.mu.Lock()
	for id, n := range t.peers {
		if n.Fixed {
			continue
		}
		if now.Sub(n.LastSeen) > grace {
			removed = append(removed, *n)
			delete(t.peers, id)
		}
	}
	t.mu.Unlock()

	for _, n := range removed {
		t.publish(Event{Kind: NodeRemoved, Node: n})
	}
	return removed
}

// All returns a value-copy snapshot of every known peer, in no particular
// order (the table need not be sorted, per spec.md §4.2 dispatch policy).
func (t *Table) All() []NodeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]NodeInfo, 0, len(t.peers))
	for _, n := range t.peers {
		out = append(out, *n)
	}
	return out
}

// IdleWorkers returns every currently known worker with Busy == false,
// used by the aggregator's Resource broadcast (spec.md §4.4).
func (t *Table) IdleWorkers() []NodeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []NodeInfo
	for _, n := range t.peers {
		if n.Role == RoleWorker && !n.Busy {
			out = append(out, *n)
		}
	}
	return out
}

// CandidateWorkers returns every currently known, unblocked, idle worker,
// used by the coordinator's dispatch policy (spec.md §4.2, invariant 4).
func (t *Table) CandidateWorkers() []NodeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []NodeInfo
	for id, n := range t.peers {
		if n.Role != RoleWorker || n.Busy {
			continue
		}
		if _, blocked := t.blocked[id]; blocked {
			continue
		}
		out = append(out, *n)
	}
	return out
}
