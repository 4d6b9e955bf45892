package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwork/jobgrid/internal/membership"
	"github.com/gridwork/jobgrid/internal/wire"
)

func startTestEngine(t *testing.T, cfg Config) (*Engine, func()) {
	t.Helper()
	e := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Start(ctx)
		close(done)
	}()
	// Give the receiver/dispatcher/monitor goroutines a moment to bind and
	// start serving before the test sends anything.
	time.Sleep(30 * time.Millisecond)
	return e, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("engine did not stop within the grace period")
		}
	}
}

func TestAnnounce_RegistersSenderOnPeer(t *testing.T) {
	aggregator, stopAgg := startTestEngine(t, Config{
		ID: "agg", Name: "agg", Role: membership.RoleAggregator,
		ListenHost: "127.0.0.1", ListenPort: 17001,
	})
	defer stopAgg()

	worker, stopWorker := startTestEngine(t, Config{
		ID: "w1", Name: "w1", Role: membership.RoleWorker,
		ListenHost: "127.0.0.1", ListenPort: 17002,
		AggregatorAddr: "127.0.0.1:17001", AggregatorID: "agg",
	})
	defer stopWorker()

	worker.Announce(aggregator.Addr())

	require.Eventually(t, func() bool {
		_, ok := aggregator.Table.Get("w1")
		return ok
	}, time.Second, 10*time.Millisecond)

	got, ok := aggregator.Table.Get("w1")
	require.True(t, ok)
	assert.Equal(t, membership.RoleWorker, got.Role)
	assert.Equal(t, "127.0.0.1", got.Host)
	assert.Equal(t, 17002, got.Port)
}

func TestOnJobSubmit_RoutesEmbeddedJobToHook(t *testing.T) {
	var received *wire.Job
	receivedCh := make(chan struct{})

	coordinator, stop := startTestEngine(t, Config{
		ID: "c1", Name: "c1", Role: membership.RoleCoordinator,
		ListenHost: "127.0.0.1", ListenPort: 17003,
		AggregatorAddr: "127.0.0.1:17001", AggregatorID: "agg",
		Hooks: Hooks{
			OnJobSubmit: func(e *Engine, j wire.Job, fromAddr string) {
				jCopy := j
				received = &jCopy
				close(receivedCh)
			},
		},
	})
	defer stop()

	submitter, stopSubmitter := startTestEngine(t, Config{
		ID: "sub1", Name: "sub1", Role: membership.RoleWorker,
		ListenHost: "127.0.0.1", ListenPort: 17004,
	})
	defer stopSubmitter()

	msg := wire.JobManage{
		Command: wire.CommandJobSubmit,
		Job:     &wire.Job{Command: "/bin/true", TaskName: "build", WedgeName: "cmd"},
	}
	require.NoError(t, submitter.SendTo(coordinator.Addr(), msg))

	select {
	case <-receivedCh:
	case <-time.After(time.Second):
		t.Fatal("OnJobSubmit hook was never invoked")
	}

	require.NotNil(t, received)
	assert.Equal(t, "build", received.TaskName)
	assert.Equal(t, "/bin/true", received.Command)
}

func TestQuery_RoundTripsThroughOnJobQueryHook(t *testing.T) {
	coordinator, stop := startTestEngine(t, Config{
		ID: "c2", Name: "c2", Role: membership.RoleCoordinator,
		ListenHost: "127.0.0.1", ListenPort: 17005,
		AggregatorAddr: "127.0.0.1:17001", AggregatorID: "agg",
		Hooks: Hooks{
			OnJobQuery: func(e *Engine, taskFilter string) (int, int, int) {
				return 2, 1, 0
			},
		},
	})
	defer stop()

	querier, stopQuerier := startTestEngine(t, Config{
		ID: "q1", Name: "q1", Role: membership.RoleWorker,
		ListenHost: "127.0.0.1", ListenPort: 17006,
	})
	defer stopQuerier()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := querier.Query(ctx, coordinator.Addr(), "")
	require.NoError(t, err)

	assert.Equal(t, 2, reply.Running)
	assert.Equal(t, 1, reply.Dispatched)
	assert.Equal(t, 0, reply.NonScheduled)
}

func TestRecordCommandRun_DrivesCleanupCommandOnStop(t *testing.T) {
	var cleaned []string
	e := New(Config{
		ID: "w2", Name: "w2", Role: membership.RoleWorker,
		ListenHost: "127.0.0.1", ListenPort: 17007,
		Hooks: Hooks{
			CleanupCommand: func(command string) {
				cleaned = append(cleaned, command)
			},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Start(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)

	e.RecordCommandRun("/bin/true")
	e.RecordCommandRun("/bin/true")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop within the grace period")
	}

	assert.Equal(t, []string{"/bin/true"}, cleaned)
}
