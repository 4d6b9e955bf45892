// Package workerrun implements the worker-side job runtime of spec.md §4.3:
// the run queue, a single execution activity draining it, and the
// accept/reject decision on an inbound Job offer.
package workerrun

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gridwork/jobgrid/internal/clog"
	"github.com/gridwork/jobgrid/internal/job"
	"github.com/gridwork/jobgrid/internal/wedge"
	"github.com/gridwork/jobgrid/internal/wire"
)

// Sender is the subset of *node.Engine the runtime needs to report job
// outcomes upstream.
type Sender interface {
	SendTo(addr string, msg any) error
}

// Runtime drains jobs accepted onto this worker one at a time. Exactly one
// job may be LocalRunning (or the busy flag set) at once, enforced by an
// atomic test-and-set on Accept rather than a check-then-set race, resolving
// spec.md §9's open acceptance-race question: the dispatcher goroutine is
// itself single-threaded, so the first Job offer to reach Accept wins and
// every later concurrent offer observes busy already set and is rejected.
type Runtime struct {
	busy atomic.Bool

	queue chan *job.Job

	sender Sender
	wedges *wedge.Registry
	log    *clog.CLogger

	paused        func() bool // reads the engine's pause-jobs flag
	onBusy        func(busy bool)
	recordCommand func(command string)

	lastTaskMu sync.Mutex
	lastTask   string
}

// New creates a Runtime. paused reports the engine-wide pause-jobs flag;
// onBusy, if non-nil, is called whenever this worker's own busy flag
// transitions, so the caller can mirror it into outgoing Node descriptors and
// the membership table; recordCommand, if non-nil, is called with a job's
// command path whenever it is about to run, feeding the command-ran set that
// drives wedge cleanup at shutdown (spec.md §3 "Command-ran set").
func New(sender Sender, wedges *wedge.Registry, log *clog.CLogger, paused func() bool, onBusy func(bool), recordCommand func(string)) *Runtime {
	return &Runtime{
		queue:         make(chan *job.Job, 1),
		sender:        sender,
		wedges:        wedges,
		log:           log,
		paused:        paused,
		onBusy:        onBusy,
		recordCommand: recordCommand,
	}
}

// Accept implements spec.md §4.3's first paragraph: it atomically tests and
// sets the busy flag, replying JobSchedule=OK and enqueuing j (now
// LocalRunning) if this worker was idle, or JobSchedule=Fail otherwise. addr
// is the coordinator's return address from the inbound datagram, recorded on
// the job so later reports (JobDone, Info/Error) know where to go.
func (rt *Runtime) Accept(addr string, j job.Job) {
	if !rt.busy.CompareAndSwap(false, true) {
		rt.reply(addr, j.ID, wire.ResultFail)
		return
	}
	rt.setBusy(true)

	j.Coordinator = addr
	j.MarkLocalRunning("")
	rt.reply(addr, j.ID, wire.ResultOK)

	select {
	case rt.queue <- &j:
	default:
		// Invariant 1 guarantees at most one outstanding job; a full queue
		// here would mean Accept raced with itself, which CompareAndSwap
		// above already rules out.
		rt.log.Errorf("Runtime: run queue unexpectedly full, dropping job %s", j.ID)
		rt.setBusy(false)
	}
}

func (rt *Runtime) reply(addr, guid, result string) {
	msg := wire.Control{Command: wire.CommandJobSchedule, Guid: guid, Result: result}
	if err := rt.sender.SendTo(addr, msg); err != nil {
		rt.log.Errorf("Runtime: replying JobSchedule=%s for %s to %s: %v", result, guid, addr, err)
	}
}

func (rt *Runtime) setBusy(busy bool) {
	rt.busy.Store(busy)
	if rt.onBusy != nil {
		rt.onBusy(busy)
	}
}

// LastCompletedTask returns the task name of the most recently completed
// job, the affinity hint mirrored into this worker's own Node descriptor.
func (rt *Runtime) LastCompletedTask() string {
	rt.lastTaskMu.Lock()
	defer rt.lastTaskMu.Unlock()
	return rt.lastTask
}

// Run drains the run queue one job at a time until ctx is canceled,
// implementing spec.md §4.3's numbered execution steps.
func (rt *Runtime) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-rt.queue:
			rt.execute(ctx, j)
		}
	}
}

func (rt *Runtime) execute(ctx context.Context, j *job.Job) {
	defer rt.setBusy(false)

	if rt.paused != nil && rt.paused() {
		rt.report(j.Coordinator, wire.CommandInfo, fmt.Sprintf("job %s skipped: jobs paused", j.ID))
		rt.sendDone(j, wire.ResultFail)
		return
	}

	w := rt.wedges.ByName(j.WedgeName)
	runner, ok := w.(wedge.Runner)
	if w == nil || !ok {
		rt.report(j.Coordinator, wire.CommandError, fmt.Sprintf("job %s: no runnable wedge %q", j.ID, j.WedgeName))
		rt.sendDone(j, wire.ResultFail)
		return
	}

	if rt.recordCommand != nil {
		rt.recordCommand(j.Command)
	}

	cancel := make(chan struct{})
	stop := context.AfterFunc(ctx, func() { close(cancel) })
	ok2, err := runner.ProcessJob(ctx, j, cancel)
	stop()

	if err != nil {
		rt.report(j.Coordinator, wire.CommandError, fmt.Sprintf("job %s: %v", j.ID, err))
		rt.sendDone(j, wire.ResultFail)
		return
	}
	if !ok2 {
		rt.sendDone(j, wire.ResultFail)
		return
	}

	if j.DoneFile != "" {
		if _, err := os.Stat(j.DoneFile); err != nil {
			rt.report(j.Coordinator, wire.CommandError, fmt.Sprintf("job %s: done-file %s missing after success", j.ID, j.DoneFile))
			rt.sendDone(j, wire.ResultFail)
			return
		}
	}

	rt.lastTaskMu.Lock()
	rt.lastTask = j.TaskName
	rt.lastTaskMu.Unlock()

	rt.sendDone(j, wire.ResultOK)
}

func (rt *Runtime) report(addr, command, message string) {
	if addr == "" {
		return
	}
	if err := rt.sender.SendTo(addr, wire.Report{Command: command, Message: message}); err != nil {
		rt.log.Errorf("Runtime: reporting %s to %s: %v", command, addr, err)
	}
}

func (rt *Runtime) sendDone(j *job.Job, result string) {
	if j.Coordinator == "" {
		return
	}
	msg := wire.Control{Command: wire.CommandJobDone, Guid: j.ID, Result: result}
	if err := rt.sender.SendTo(j.Coordinator, msg); err != nil {
		rt.log.Errorf("Runtime: sending JobDone=%s for %s to %s: %v", result, j.ID, j.Coordinator, err)
	}
}
