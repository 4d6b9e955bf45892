package node

import (
	"context"

	"github.com/gridwork/jobgrid/internal/membership"
	"github.com/gridwork/jobgrid/internal/wire"
)

// runMonitor wakes every TickInterval and performs the liveness/heartbeat
// bookkeeping of spec.md §4.1 "Monitor", then calls the role-specific
// AfterTick hook.
func (e *Engine) runMonitor(ctx context.Context) {
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.Clock.After(TickInterval):
		}
		tick++

		e.ensureAggregatorEntry()
		e.Table.EvictStale(PeerGrace)

		if tick%HeartbeatTicks == 0 {
			e.broadcastHeartbeat()
		}

		if e.hooks.AfterTick != nil {
			e.hooks.AfterTick(e)
		}
	}
}

// ensureAggregatorEntry keeps this node's own placeholder entry for its
// aggregator present and fixed (spec.md §3 invariant: "Every coordinator and
// worker keeps an entry for its aggregator with the same property").
// Aggregators register their own fixed entry once at Start instead.
func (e *Engine) ensureAggregatorEntry() {
	if e.Role == membership.RoleAggregator || e.aggregatorAddr == "" {
		return
	}
	if _, ok := e.Table.Get(e.aggregatorID); ok {
		return
	}
	host, port, err := splitHostPort(e.aggregatorAddr)
	if err != nil {
		return
	}
	e.Table.EnsureFixed(membership.NodeInfo{
		ID:   e.aggregatorID,
		Host: host,
		Port: port,
		Role: membership.RoleAggregator,
	})
}

// broadcastHeartbeat sends a Registry control message to every known peer,
// proving this node alive to them (spec.md §4.1 monitor step (c)).
func (e *Engine) broadcastHeartbeat() {
	self := e.selfNode()
	msg := wire.Control{
		Command: wire.CommandRegistry,
		Node:    &self,
	}
	if err := e.SendToAll(msg, nil); err != nil {
		e.Log.Errorf("Monitor: heartbeat broadcast had failures: %v", err)
	}
}
