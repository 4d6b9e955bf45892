// Package aggregator implements the aggregator role's afterTick hook:
// deciding when to broadcast a batched Resource message enumerating idle
// workers, per spec.md §4.4.
package aggregator

import (
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/gridwork/jobgrid/internal/clog"
	"github.com/gridwork/jobgrid/internal/membership"
	"github.com/gridwork/jobgrid/internal/wire"
)

const (
	// FullInterval is the maximum time between broadcasts regardless of
	// membership churn.
	FullInterval = 10 * time.Second
	// AddRemoveDebounce bounds how soon a node add/remove may trigger an
	// extra broadcast.
	AddRemoveDebounce = 500 * time.Millisecond
	// UpdateDebounce bounds how soon a node update (role/name/busy change)
	// may trigger an extra broadcast.
	UpdateDebounce = 1 * time.Second
	// BatchSize is the maximum number of Node children per Resource
	// datagram.
	BatchSize = 10
)

// Sender is the subset of *node.Engine the broadcaster needs.
type Sender interface {
	SendToAll(msg any, role *membership.Role) error
}

// Broadcaster decides, once per monitor tick, whether to emit one or more
// batched Resource datagrams, and does so when triggered. WatchMembership
// and AfterTick run in separate goroutines for the aggregator's whole
// lifetime (spec.md §9), so every field below is guarded by mu, the same
// own-mutex discipline membership.Table and scheduler.Scheduler follow
// (spec.md §5).
type Broadcaster struct {
	table  *membership.Table
	sender Sender
	clock  clock.Clock
	log    *clog.CLogger

	mu               sync.Mutex
	lastBroadcast    time.Time
	pendingAddRemove bool
	pendingUpdate    bool
	sinceAddRemove   time.Time
	sinceUpdate      time.Time
}

// New creates a Broadcaster. clk may be nil, defaulting to clock.WallClock.
func New(table *membership.Table, sender Sender, clk clock.Clock, log *clog.CLogger) *Broadcaster {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Broadcaster{table: table, sender: sender, clock: clk, log: log}
}

// WatchMembership consumes table's event stream, recording add/remove/update
// occurrences for AfterTick's trigger evaluation. Meant to run in its own
// goroutine, independent of the monitor's AfterTick call (spec.md §9).
func (b *Broadcaster) WatchMembership(done <-chan struct{}) {
	events := b.table.Events()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			now := b.clock.Now()
			b.mu.Lock()
			switch ev.Kind {
			case membership.NodeAdded, membership.NodeRemoved:
				b.pendingAddRemove = true
				b.sinceAddRemove = now
			case membership.NodeUpdated:
				b.pendingUpdate = true
				b.sinceUpdate = now
			}
			b.mu.Unlock()
		}
	}
}

// AfterTick evaluates the three triggers of spec.md §4.4 and broadcasts a
// batched Resource sequence if any fires. Meant to be installed as the
// engine's Hooks.AfterTick for an aggregator.
func (b *Broadcaster) AfterTick(now time.Time) {
	b.mu.Lock()
	if b.lastBroadcast.IsZero() {
		b.lastBroadcast = now
	}

	trigger := now.Sub(b.lastBroadcast) >= FullInterval
	if !trigger && b.pendingAddRemove && now.Sub(b.sinceAddRemove) >= AddRemoveDebounce {
		trigger = true
	}
	if !trigger && b.pendingUpdate && now.Sub(b.sinceUpdate) >= UpdateDebounce {
		trigger = true
	}
	if !trigger {
		b.mu.Unlock()
		return
	}

	b.lastBroadcast = now
	b.pendingAddRemove = false
	b.pendingUpdate = false
	b.mu.Unlock()

	b.broadcast()
}

// broadcast enumerates idle workers and sends them as Resource datagrams
// batched at most BatchSize per datagram, with a final short batch for any
// remainder (spec.md §4.4, scenario S6).
func (b *Broadcaster) broadcast() {
	idle := b.table.IdleWorkers()
	if len(idle) == 0 {
		return
	}

	coordinator := membership.RoleCoordinator
	for start := 0; start < len(idle); start += BatchSize {
		end := start + BatchSize
		if end > len(idle) {
			end = len(idle)
		}
		nodes := make([]wire.Node, 0, end-start)
		for _, n := range idle[start:end] {
			nodes = append(nodes, wire.Node{
				Type:           n.Role.String(),
				Name:           n.Name,
				Ip:             n.Host,
				Port:           n.Port,
				Guid:           n.ID,
				Busy:           n.Busy,
				ProcessorCount: n.ProcessorCount,
				JobWorking:     n.LastCompletedTask,
			})
		}
		msg := wire.Resource{Type: wire.ResourceType, Nodes: nodes}
		if err := b.sender.SendToAll(msg, &coordinator); err != nil {
			b.log.Errorf("Broadcaster: Resource batch send had failures: %v", err)
		}
	}
}
