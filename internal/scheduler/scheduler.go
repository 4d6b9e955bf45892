// Package scheduler implements the coordinator-side job scheduler: the
// scheduling/done maps and the 100ms prepare/dispatch/timeout/drain cycle of
// spec.md §4.2.
package scheduler

import (
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/gridwork/jobgrid/internal/clog"
	"github.com/gridwork/jobgrid/internal/job"
	"github.com/gridwork/jobgrid/internal/membership"
	"github.com/gridwork/jobgrid/internal/wire"
)

const (
	// Tick is the scheduler's wake-up period.
	Tick = 100 * time.Millisecond
	// DispatchAckTimeout bounds how long a Dispatched job waits for a
	// JobSchedule acknowledgement before it is returned to Unscheduled.
	DispatchAckTimeout = 10 * time.Second
	// RunningTimeout bounds how long a RemoteRunning or LocalRunning job may
	// run before it is returned to Unscheduled.
	RunningTimeout = 3600 * time.Second
)

// Sender is the subset of *node.Engine the scheduler needs to dispatch jobs
// and is satisfied by *node.Engine; kept as an interface so the scheduler can
// be unit tested without a live UDP socket.
type Sender interface {
	SendTo(addr string, msg any) error
}

// Scheduler owns the scheduling and done maps for one coordinator and drives
// them through the cycle described by spec.md §4.2. It is safe to construct
// with a nil CleanupJob; Run then skips the hook call but still clears the
// done set.
type Scheduler struct {
	mu         sync.Mutex
	scheduling map[string]*job.Job // id -> job this coordinator is responsible for
	done       map[string]*job.Job // id -> job awaiting cleanup

	table  *membership.Table
	sender Sender
	clock  clock.Clock
	log    *clog.CLogger

	// CleanupJob is invoked once per job draining out of the done set, the
	// coordinator-side "cleanupJob" role hook named in spec.md §4.2 step 4.
	CleanupJob func(j *job.Job)
}

// New creates a Scheduler. clk may be nil, defaulting to clock.WallClock.
func New(table *membership.Table, sender Sender, clk clock.Clock, log *clog.CLogger) *Scheduler {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Scheduler{
		scheduling: make(map[string]*job.Job),
		done:       make(map[string]*job.Job),
		table:      table,
		sender:     sender,
		clock:      clk,
		log:        log,
	}
}

// Submit adds a freshly created job to the scheduling map in status
// Unscheduled, per spec.md §4.1's JobSubmit dispatcher entry.
func (s *Scheduler) Submit(j *job.Job) {
	s.mu.Lock()
	s.scheduling[j.ID] = j
	s.mu.Unlock()
}

// OnJobScheduleReply handles a worker's JobSchedule acknowledgement: OK
// advances the job to RemoteRunning, Fail (or any other result value) returns
// it to Unscheduled so the next cycle can redispatch it to a different worker.
// Replies for unknown ids or for jobs no longer Dispatched are ignored.
func (s *Scheduler) OnJobScheduleReply(guid, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.scheduling[guid]
	if !ok || j.Status != job.Dispatched {
		return
	}
	if result == wire.ResultOK {
		j.MarkRemoteRunning()
		return
	}
	s.reschedule(j)
}

// OnJobDoneReply handles a worker's JobDone report: OK moves the job to the
// done set for the cleanup hook, Fail returns it to Unscheduled for retry
// (spec.md §4.1's JobDone dispatcher entry, §9's done-file-timing decision:
// the worker's result attribute alone is authoritative here).
func (s *Scheduler) OnJobDoneReply(guid, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.scheduling[guid]
	if !ok {
		return
	}
	if result == wire.ResultOK {
		if worker, ok := s.table.Get(j.RunningNode); ok {
			s.table.RecordCompletion(worker.ID, j.TaskName)
		}
		j.MarkDone()
		delete(s.scheduling, guid)
		s.done[guid] = j
		return
	}
	s.reschedule(j)
}

// Query returns the counts spec.md §4.1's JobQuery dispatcher entry replies
// with, optionally restricted to jobs whose TaskName matches taskFilter (the
// empty string matches every job).
func (s *Scheduler) Query(taskFilter string) (running, dispatched, nonScheduled int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.scheduling {
		if taskFilter != "" && j.TaskName != taskFilter {
			continue
		}
		switch j.Status {
		case job.RemoteRunning, job.LocalRunning:
			running++
		case job.Dispatched:
			dispatched++
		case job.Unscheduled:
			nonScheduled++
		}
	}
	return running, dispatched, nonScheduled
}

// reschedule returns j to Unscheduled. Callers must hold s.mu.
func (s *Scheduler) reschedule(j *job.Job) {
	if j.RunningNode != "" {
		s.table.SetBusy(j.RunningNode, false)
	}
	j.Reschedule()
}

// RescheduleLost transitions every scheduling job running on the given node
// id back to Unscheduled, the reaction to a membership.NodeRemoved event
// described by spec.md §4.2 "Rescheduling on peer loss".
func (s *Scheduler) RescheduleLost(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.scheduling {
		if j.RunningNode == nodeID && (j.Status == job.Dispatched || j.Status == job.RemoteRunning) {
			j.Reschedule()
		}
	}
}

// WatchMembership consumes table's event stream until the caller closes done,
// rescheduling any job running on
// a node that disappears. It is meant to run in its own goroutine, an
// independent consumer of the event stream per spec.md §9.
func (s *Scheduler) WatchMembership(done <-chan struct{}) {
	events := s.table.Events()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == membership.NodeRemoved {
				s.RescheduleLost(ev.Node.ID)
			}
		}
	}
}

// Run blocks draining the scheduler's 100ms cycle until done is closed,
// implementing the Prepare/Dispatch/Local-timeouts/Drain-done steps of
// spec.md §4.2.
func (s *Scheduler) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-s.clock.After(Tick):
		}
		s.tick()
	}
}

func (s *Scheduler) tick() {
	toDispatch, toDrain := s.prepare()

	for _, j := range toDispatch {
		s.dispatch(j)
	}

	for _, j := range toDrain {
		if s.CleanupJob != nil {
			s.CleanupJob(j)
		}
		s.mu.Lock()
		delete(s.done, j.ID)
		s.mu.Unlock()
	}
}

// prepare walks the scheduling map once, advancing timed-out jobs and
// collecting jobs ready to dispatch this cycle plus done jobs ready to drain,
// per spec.md §4.2 step 1.
func (s *Scheduler) prepare() (toDispatch []*job.Job, toDrain []*job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.scheduling {
		switch j.Status {
		case job.Unscheduled:
			toDispatch = append(toDispatch, j)
		case job.Dispatched:
			if j.Age() > DispatchAckTimeout {
				s.reschedule(j)
			}
		case job.RemoteRunning, job.LocalRunning:
			if j.Age() > RunningTimeout {
				s.reschedule(j)
			}
		case job.Done:
			delete(s.scheduling, j.ID)
			s.done[j.ID] = j
		}
	}

	for _, j := range s.done {
		toDrain = append(toDrain, j)
	}
	return toDispatch, toDrain
}

// dispatch picks a worker for j via the policy in choose, sends it the job,
// and marks the worker busy and the job Dispatched. If no candidate worker is
// available it is left Unscheduled for the next cycle (spec.md §4.2 step 2).
func (s *Scheduler) dispatch(j *job.Job) {
	candidates := s.table.CandidateWorkers()
	worker, ok := choose(candidates, j.TaskName)
	if !ok {
		return
	}

	msg := wire.Job{
		Guid:      j.ID,
		Command:   j.Command,
		Arguments: j.Arguments,
		TaskName:  j.TaskName,
		WedgeName: j.WedgeName,
		Name:      j.Name,
		DoneFile:  j.DoneFile,
	}
	if err := s.sender.SendTo(worker.Addr(), msg); err != nil {
		if s.log != nil {
			s.log.Errorf("Scheduler: dispatching job %s to %s: %v", j.ID, worker.Addr(), err)
		}
		return
	}

	s.table.SetBusy(worker.ID, true)

	s.mu.Lock()
	j.MarkDispatched(worker.ID)
	s.mu.Unlock()
}

// choose implements the worker-selection policy of spec.md §4.2: prefer the
// highest-completed-count candidate whose LastCompletedTask matches taskName
// (affinity), else the highest-completed-count candidate overall
// (best-capacity), else no candidate. Ties are broken by iteration order,
// since candidates is not required to be sorted.
func choose(candidates []membership.NodeInfo, taskName string) (membership.NodeInfo, bool) {
	var bestCapacity membership.NodeInfo
	haveBestCapacity := false
	var affinity membership.NodeInfo
	haveAffinity := false

	for _, c := range candidates {
		if !haveBestCapacity || c.CompletedJobs > bestCapacity.CompletedJobs {
			bestCapacity = c
			haveBestCapacity = true
		}
		if c.LastCompletedTask == taskName {
			if !haveAffinity || c.CompletedJobs > affinity.CompletedJobs {
				affinity = c
				haveAffinity = true
			}
		}
	}

	if haveAffinity {
		return affinity, true
	}
	if haveBestCapacity {
		return bestCapacity, true
	}
	return membership.NodeInfo{}, false
}
