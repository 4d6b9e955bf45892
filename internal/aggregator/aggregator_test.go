package aggregator

import (
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwork/jobgrid/internal/clog"
	"github.com/gridwork/jobgrid/internal/membership"
	"github.com/gridwork/jobgrid/internal/wire"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []wire.Resource
}

func (f *fakeSender) SendToAll(msg any, role *membership.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := msg.(wire.Resource); ok {
		f.sent = append(f.sent, r)
	}
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func addIdleWorkers(tab *membership.Table, n int) {
	for i := 0; i < n; i++ {
		tab.Upsert(membership.NodeInfo{
			ID:   "w" + string(rune('a'+i)),
			Host: "10.0.0.1",
			Port: 7020 + i,
			Role: membership.RoleWorker,
			Busy: false,
		})
	}
}

func TestAfterTick_FullIntervalTriggersBroadcast(t *testing.T) {
	tab := membership.NewTable()
	addIdleWorkers(tab, 1)
	sender := &fakeSender{}
	start := time.Now()
	clk := testclock.NewClock(start)
	b := New(tab, sender, clk, clog.New(nil))

	b.AfterTick(start)
	assert.Equal(t, 0, sender.count(), "the first call only seeds lastBroadcast")

	b.AfterTick(start.Add(FullInterval))
	assert.Equal(t, 1, sender.count())
}

func TestAfterTick_NoTriggerBeforeAnyInterval(t *testing.T) {
	tab := membership.NewTable()
	addIdleWorkers(tab, 1)
	sender := &fakeSender{}
	start := time.Now()
	clk := testclock.NewClock(start)
	b := New(tab, sender, clk, clog.New(nil))

	b.AfterTick(start)
	b.AfterTick(start.Add(FullInterval / 2))
	assert.Equal(t, 0, sender.count())
}

func TestAfterTick_NodeAddDebounceTriggersEarly(t *testing.T) {
	tab := membership.NewTable()
	sender := &fakeSender{}
	start := time.Now()
	clk := testclock.NewClock(start)
	b := New(tab, sender, clk, clog.New(nil))
	b.AfterTick(start)

	done := make(chan struct{})
	go b.WatchMembership(done)
	defer close(done)

	addIdleWorkers(tab, 1)
	time.Sleep(20 * time.Millisecond) // let WatchMembership observe the event

	afterDebounce := start.Add(AddRemoveDebounce + 10*time.Millisecond)
	b.AfterTick(afterDebounce)
	assert.Equal(t, 1, sender.count())
}

func TestBroadcast_BatchesAtTenNodesPerDatagram(t *testing.T) {
	tab := membership.NewTable()
	addIdleWorkers(tab, 25)
	sender := &fakeSender{}
	start := time.Now()
	clk := testclock.NewClock(start)
	b := New(tab, sender, clk, clog.New(nil))

	b.AfterTick(start)
	b.AfterTick(start.Add(FullInterval))

	require.Equal(t, 3, sender.count(), "25 idle workers batched at 10 per datagram yields 3 datagrams")

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Len(t, sender.sent[0].Nodes, 10)
	assert.Len(t, sender.sent[1].Nodes, 10)
	assert.Len(t, sender.sent[2].Nodes, 5)
}

func TestBroadcast_NoIdleWorkersSendsNothing(t *testing.T) {
	tab := membership.NewTable()
	sender := &fakeSender{}
	start := time.Now()
	clk := testclock.NewClock(start)
	b := New(tab, sender, clk, clog.New(nil))

	b.AfterTick(start)
	b.AfterTick(start.Add(FullInterval))

	assert.Equal(t, 0, sender.count())
}
