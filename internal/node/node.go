// Package node implements the shared base engine every node role (worker,
// aggregator, coordinator) runs, per spec.md §4.1. Role differences are
// expressed as a small capability bundle of hooks (spec.md §9's redesign of
// the source's class-inheritance model) rather than as inheritance.
package node

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/gridwork/jobgrid/internal/clog"
	"github.com/gridwork/jobgrid/internal/membership"
	"github.com/gridwork/jobgrid/internal/wire"
)

const (
	// PeerGrace is the liveness window after which a non-fixed peer is
	// evicted (spec.md §5).
	PeerGrace = 60 * time.Second
	// TickInterval is the monitor's wake-up period (spec.md §4.1).
	TickInterval = 1 * time.Second
	// HeartbeatTicks is the number of monitor ticks between Registry
	// heartbeat broadcasts: 10 ticks of TickInterval, a 10s heartbeat period.
	HeartbeatTicks = 10
	// QueryTimeout bounds a Query round trip (spec.md §5).
	QueryTimeout = 3 * time.Second
	// StopJoinBound is how long Stop waits for activities to exit before
	// giving up on them (spec.md §4.1/§5).
	StopJoinBound = 10 * time.Second
)

// Hooks is the capability bundle distinguishing aggregator, coordinator, and
// worker behavior on top of the shared engine, per spec.md §9.
type Hooks struct {
	// AfterTick runs once per monitor tick, after the engine's own
	// liveness/heartbeat bookkeeping. Aggregators use it to decide on
	// Resource broadcasts; coordinators drive their scheduler from their
	// own goroutine instead (the scheduler has its own timing need, 100ms,
	// distinct from the 1s monitor tick) but may still use AfterTick for
	// lightweight bookkeeping. The worker binary installs no AfterTick hook,
	// so an idle worker prints no keepalive output.
	AfterTick func(e *Engine)

	// OnJobScheduleReply handles a Control/JobSchedule acknowledgement
	// (coordinator-side): the worker accepted (OK) or rejected (Fail) a
	// dispatched job.
	OnJobScheduleReply func(e *Engine, guid, result string)

	// OnJobDoneReply handles a Control/JobDone acknowledgement
	// (coordinator-side): the worker finished (OK) or failed (Fail) a job.
	OnJobDoneReply func(e *Engine, guid, result string)

	// OnResource handles a Resource broadcast (coordinator-side): each
	// child Node is treated as a registry update, per spec.md §4.1.
	OnResource func(e *Engine, nodes []wire.Node)

	// OnJobSubmit handles an externally submitted job (coordinator-side).
	OnJobSubmit func(e *Engine, j wire.Job, fromAddr string)

	// OnJobQuery answers a JobQuery (coordinator-side), returning counts
	// optionally filtered by task name.
	OnJobQuery func(e *Engine, taskFilter string) (running, dispatched, nonScheduled int)

	// OnJobStatusReply surfaces an unsolicited JobStatus reply that did not
	// correlate to a pending Query call.
	OnJobStatusReply func(e *Engine, jm wire.JobManage)

	// OnJobOffer handles an inbound `<Job>` message (worker-side): accept
	// if idle, reject otherwise.
	OnJobOffer func(e *Engine, j wire.Job, fromAddr string)

	// CleanupCommand is invoked once per distinct command path that ever
	// ran, at shutdown (spec.md §3 "Command-ran set", §4.1 Stop).
	CleanupCommand func(command string)
}

// Config configures a new Engine.
type Config struct {
	ID             string
	Name           string
	Role           membership.Role
	ListenHost     string
	ListenPort     int
	ProcessorCount int
	// AggregatorAddr is the known aggregator address every coordinator and
	// worker registers with. Empty for the aggregator itself.
	AggregatorAddr string
	AggregatorID   string
	Clock          clock.Clock // nil defaults to clock.WallClock
	Hooks          Hooks
}

// Engine is the shared base every node role runs, per spec.md §4.1. It binds
// one UDP socket and runs the receiver, dispatcher, and monitor activities;
// role-specific components (scheduler, worker runtime, aggregator broadcast)
// are driven by Hooks and by consuming Table.Events() independently.
type Engine struct {
	ID             string
	Name           string
	Role           membership.Role
	Host           string
	Port           int
	ProcessorCount int

	Table *membership.Table
	Log   *clog.CLogger
	Clock clock.Clock

	hooks Hooks

	conn     *net.UDPConn
	closeOne sync.Once

	inbound chan inboundMsg

	pauseJobs atomic.Bool // set by StartWork/StopWork control commands

	selfBusy   atomic.Bool // this node's own busy flag, mirrored into outgoing Node descriptors
	selfTaskMu sync.Mutex
	selfTask   string // this node's own last-completed task name (affinity hint)

	pendingMu sync.Mutex
	pending   map[string]chan wire.JobManage

	commandsMu sync.Mutex
	commandsRan map[string]int

	aggregatorID   string
	aggregatorAddr string

	cancel  context.CancelFunc
	group   *errgroup.Group
	groupWG chan struct{} // closed once group.Wait() returns
}

// New creates an Engine ready for Start.
func New(cfg Config) *Engine {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &Engine{
		ID:             cfg.ID,
		Name:           cfg.Name,
		Role:           cfg.Role,
		Host:           cfg.ListenHost,
		Port:           cfg.ListenPort,
		ProcessorCount: cfg.ProcessorCount,
		Table:          membership.NewTable(),
		Log: clog.New(map[string]any{
			"role": cfg.Role.String(),
			"id":   uuid.NewString()[:8],
		}),
		Clock:          clk,
		hooks:          cfg.Hooks,
		inbound:        make(chan inboundMsg, 1024),
		pending:        make(map[string]chan wire.JobManage),
		commandsRan:    make(map[string]int),
		aggregatorID:   cfg.AggregatorID,
		aggregatorAddr: cfg.AggregatorAddr,
	}
}

// InstallHooks sets the role-specific capability bundle. It must be called
// before Start; Hooks fields left nil behave as no-ops.
func (e *Engine) InstallHooks(hooks Hooks) {
	e.hooks = hooks
}

// Addr renders this engine's own identity key (host:port).
func (e *Engine) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Start binds the UDP socket and launches the receiver, dispatcher, and
// monitor activities. It blocks until ctx is canceled and every activity has
// exited (or StopJoinBound has elapsed for the activity that is slowest to
// react to cancellation), then runs wedge cleanup and closes the socket, per
// spec.md §4.1.
func (e *Engine) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", e.Addr())
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	e.conn = conn

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	// An aggregator registers its own fixed self entry here; coordinators and
	// workers get their fixed placeholder entry for the known aggregator from
	// the monitor (ensureAggregatorEntry) on its first tick.
	if e.Role == membership.RoleAggregator {
		e.Table.EnsureFixed(membership.NodeInfo{
			ID: e.ID, Name: e.Name, Host: e.Host, Port: e.Port,
			Role: membership.RoleAggregator, ProcessorCount: e.ProcessorCount,
		})
	}

	g, gctx := errgroup.WithContext(runCtx)
	e.group = g
	e.groupWG = make(chan struct{})

	g.Go(func() error { e.runReceiver(gctx); return nil })
	g.Go(func() error { e.runDispatcher(gctx); return nil })
	g.Go(func() error { e.runMonitor(gctx); return nil })

	// Prove ourselves alive to the aggregator immediately; implicit
	// registration (spec.md §3) takes it from here via heartbeats.
	if e.Role != membership.RoleAggregator && e.aggregatorAddr != "" {
		e.Announce(e.aggregatorAddr)
	}

	<-ctx.Done()
	return e.Stop()
}

// Announce sends a Registry control message carrying this node's own
// descriptor to addr, the mechanism by which a coordinator or worker first
// makes itself known to its aggregator (spec.md §3 "implicit registration").
func (e *Engine) Announce(addr string) {
	self := e.selfNode()
	if err := e.SendTo(addr, wire.Control{Command: wire.CommandRegistry, Node: &self}); err != nil {
		e.Log.Errorf("Announce to %s: %v", addr, err)
	}
}

// Stop signals every activity via the cancellation context, unblocks the
// receiver with a sentinel datagram sent to itself, and waits up to
// StopJoinBound for all activities to exit before proceeding regardless,
// then invokes wedge cleanup for every distinct command that ever ran and
// closes the socket, per spec.md §4.1.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}

	// Unblock the receiver even if it is mid-ReadFromUDP.
	if e.conn != nil {
		if addr, err := net.ResolveUDPAddr("udp", e.Addr()); err == nil {
			_, _ = e.conn.WriteToUDP([]byte(Sentinel), addr)
		}
	}

	go func() {
		_ = e.group.Wait()
		close(e.groupWG)
	}()
	select {
	case <-e.groupWG:
	case <-time.After(StopJoinBound):
		e.Log.Errorf("Stop: activities did not exit within %v, proceeding anyway", StopJoinBound)
	}

	if e.hooks.CleanupCommand != nil {
		e.commandsMu.Lock()
		commands := make([]string, 0, len(e.commandsRan))
		for c := range e.commandsRan {
			commands = append(commands, c)
		}
		e.commandsMu.Unlock()
		for _, c := range commands {
			e.hooks.CleanupCommand(c)
		}
	}

	e.closeSocket()
	return nil
}

func (e *Engine) closeSocket() {
	e.closeOne.Do(func() {
		if e.conn != nil {
			_ = e.conn.Close()
		}
	})
}

// Sentinel re-exports wire.Sentinel for convenience within this package.
const Sentinel = wire.Sentinel

// RecordCommandRun notes that the given command path has run at least once,
// so Stop's wedge cleanup pass will visit it (spec.md §3 "Command-ran set").
func (e *Engine) RecordCommandRun(command string) {
	e.commandsMu.Lock()
	e.commandsRan[command]++
	e.commandsMu.Unlock()
}

// PauseJobs reports whether StopWork has been received without a subsequent
// StartWork.
func (e *Engine) PauseJobs() bool {
	return e.pauseJobs.Load()
}

// SetSelfBusy records this node's own busy flag so it is reflected in the
// Node descriptor attached to outgoing Control/Report messages and
// heartbeats. Used by the worker runtime.
func (e *Engine) SetSelfBusy(busy bool) {
	e.selfBusy.Store(busy)
}

// SetSelfLastTask records this node's own last-completed task name, the
// affinity hint read by a coordinator's dispatch policy.
func (e *Engine) SetSelfLastTask(taskName string) {
	e.selfTaskMu.Lock()
	e.selfTask = taskName
	e.selfTaskMu.Unlock()
}

func (e *Engine) selfStatus() (bool, string) {
	e.selfTaskMu.Lock()
	t := e.selfTask
	e.selfTaskMu.Unlock()
	return e.selfBusy.Load(), t
}
