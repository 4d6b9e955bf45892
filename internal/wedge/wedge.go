// Package wedge defines the pluggable executor interface jobs run through,
// per spec.md §4.5.
package wedge

import (
	"context"

	"github.com/gridwork/jobgrid/internal/job"
)

// Wedge is a named plug-in holding the logic to create and run one category
// of job. Name matches against Job.WedgeName.
type Wedge interface {
	// Name returns the identifier matched against Job.WedgeName.
	Name() string

	// CreateJob default-constructs a job typed to this wedge, used when a
	// generic submission needs shape.
	CreateJob(coordinator, name, taskName string) *job.Job

	// Execute is a one-shot, node-start-time hook for warm-up; a no-op
	// implementation is valid.
	Execute(node, data string) error

	// CleanUp erases any per-command scratch state at shutdown, for the
	// given command path.
	CleanUp(command string)
}

// Runner is implemented by worker-side wedges in addition to Wedge.
type Runner interface {
	Wedge

	// ProcessJob runs j to completion or until cancel is closed, returning
	// whether the run should be reported as successful (spec.md §4.3 step 2).
	// The worker runtime checks job.DoneFile existence itself after a
	// successful return, whether or not the implementation also checks it.
	ProcessJob(ctx context.Context, j *job.Job, cancel <-chan struct{}) (bool, error)
}
