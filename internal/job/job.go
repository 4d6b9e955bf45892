// Package job defines the Job value type and its status state machine, per
// spec.md §3 ("Job") and §4.2/§4.3 (the transitions driven by the
// coordinator's scheduler and the worker's run queue).
package job

import (
	"time"

	"github.com/google/uuid"
)

// Status is one state in a Job's life cycle.
type Status int

const (
	Unscheduled Status = iota
	Dispatched
	RemoteRunning
	LocalRunning
	Done
)

// String renders a Status the way it appears in logs and JobQuery replies.
func (s Status) String() string {
	switch s {
	case Unscheduled:
		return "Unscheduled"
	case Dispatched:
		return "Dispatched"
	case RemoteRunning:
		return "RemoteRunning"
	case LocalRunning:
		return "LocalRunning"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// Job is a unit of work submitted to a coordinator, per spec.md §3. It is
// created at submission, owned by the accepting coordinator, referenced (but
// not owned) by the worker executing it, and destroyed only once
// acknowledged done.
type Job struct {
	ID          string // globally unique identifier
	Name        string // human name
	TaskName    string // groups related jobs for the affinity heuristic
	WedgeName   string // selects the executor
	Command     string // command path
	Arguments   string // command arguments
	DoneFile    string // optional integrity-check path; empty if unused
	Coordinator string // host:port of the owning coordinator, used as the reply address

	RunningNode string // id of the node currently running this job; cleared on reschedule
	Status      Status
	LastChange  time.Time
}

// New creates a job in status Unscheduled with a fresh id, owned by the
// given coordinator.
func New(coordinator, name, taskName, wedgeName, command, arguments, doneFile string) *Job {
	return &Job{
		ID:          uuid.NewString(),
		Name:        name,
		TaskName:    taskName,
		WedgeName:   wedgeName,
		Command:     command,
		Arguments:   arguments,
		DoneFile:    doneFile,
		Coordinator: coordinator,
		Status:      Unscheduled,
		LastChange:  time.Now(),
	}
}

// transition moves the job to a new status and stamps LastChange. It is the
// single place status ever changes so LastChange can never be forgotten.
func (j *Job) transition(s Status) {
	j.Status = s
	j.LastChange = time.Now()
}

// MarkDispatched moves the job to Dispatched, running on the given worker.
func (j *Job) MarkDispatched(workerID string) {
	j.RunningNode = workerID
	j.transition(Dispatched)
}

// MarkRemoteRunning moves the job to RemoteRunning after a worker
// acknowledged acceptance (JobSchedule=OK).
func (j *Job) MarkRemoteRunning() {
	j.transition(RemoteRunning)
}

// MarkLocalRunning moves the job to LocalRunning, running on the given
// (local) node, for a role that also executes jobs itself.
func (j *Job) MarkLocalRunning(nodeID string) {
	j.RunningNode = nodeID
	j.transition(LocalRunning)
}

// Reschedule resets the job to Unscheduled and clears RunningNode, the only
// way RunningNode is cleared (spec.md §3 "Job").
func (j *Job) Reschedule() {
	j.RunningNode = ""
	j.transition(Unscheduled)
}

// MarkDone moves the job to Done.
func (j *Job) MarkDone() {
	j.transition(Done)
}

// Age reports how long the job has been in its current status.
func (j *Job) Age() time.Duration {
	return time.Since(j.LastChange)
}
