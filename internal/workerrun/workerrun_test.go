package workerrun

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwork/jobgrid/internal/clog"
	"github.com/gridwork/jobgrid/internal/job"
	"github.com/gridwork/jobgrid/internal/wedge"
	"github.com/gridwork/jobgrid/internal/wire"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
}

type sentMsg struct {
	addr string
	msg  any
}

func (f *fakeSender) SendTo(addr string, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{addr: addr, msg: msg})
	return nil
}

func (f *fakeSender) controlsFor(command string) []wire.Control {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Control
	for _, s := range f.sent {
		if c, ok := s.msg.(wire.Control); ok && c.Command == command {
			out = append(out, c)
		}
	}
	return out
}

// fakeWedge is a minimal wedge.Runner whose ProcessJob behavior is
// controlled per test.
type fakeWedge struct {
	name    string
	process func(ctx context.Context, j *job.Job, cancel <-chan struct{}) (bool, error)
}

func (w *fakeWedge) Name() string                                          { return w.name }
func (w *fakeWedge) CreateJob(coordinator, name, taskName string) *job.Job { return nil }
func (w *fakeWedge) Execute(node, data string) error                       { return nil }
func (w *fakeWedge) CleanUp(command string)                                {}
func (w *fakeWedge) ProcessJob(ctx context.Context, j *job.Job, cancel <-chan struct{}) (bool, error) {
	return w.process(ctx, j, cancel)
}

func newTestRuntime(t *testing.T, sender Sender, reg *wedge.Registry) *Runtime {
	t.Helper()
	return New(sender, reg, clog.New(nil), func() bool { return false }, nil, nil)
}

func TestAccept_SecondOfferRejectedWhileBusy(t *testing.T) {
	sender := &fakeSender{}
	reg := wedge.NewRegistry()
	blockUntilDone := make(chan struct{})
	reg.Register(&fakeWedge{name: "cmd", process: func(ctx context.Context, j *job.Job, cancel <-chan struct{}) (bool, error) {
		<-blockUntilDone
		return true, nil
	}})

	rt := newTestRuntime(t, sender, reg)
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	go rt.Run(ctx)

	first := job.New("coord:7010", "first", "build", "cmd", "/bin/true", "", "")
	rt.Accept("coord:7010", *first)

	// Give the Run goroutine a chance to dequeue and enter execute before the
	// second offer arrives, matching scenario S2's race.
	time.Sleep(20 * time.Millisecond)

	second := job.New("coord:7010", "second", "build", "cmd", "/bin/true", "", "")
	rt.Accept("coord:7010", *second)

	close(blockUntilDone)
	time.Sleep(20 * time.Millisecond)

	replies := sender.controlsFor(wire.CommandJobSchedule)
	require.Len(t, replies, 2)

	byGuid := map[string]string{}
	for _, r := range replies {
		byGuid[r.Guid] = r.Result
	}
	assert.Equal(t, wire.ResultOK, byGuid[first.ID])
	assert.Equal(t, wire.ResultFail, byGuid[second.ID])
}

func TestAccept_IdleWorkerAcceptsAndRepliesOK(t *testing.T) {
	sender := &fakeSender{}
	reg := wedge.NewRegistry()
	reg.Register(&fakeWedge{name: "cmd", process: func(ctx context.Context, j *job.Job, cancel <-chan struct{}) (bool, error) {
		return true, nil
	}})

	rt := newTestRuntime(t, sender, reg)
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	go rt.Run(ctx)

	j := job.New("coord:7010", "job", "build", "cmd", "/bin/true", "", "")
	rt.Accept("coord:7010", *j)

	time.Sleep(20 * time.Millisecond)

	replies := sender.controlsFor(wire.CommandJobSchedule)
	require.Len(t, replies, 1)
	assert.Equal(t, wire.ResultOK, replies[0].Result)

	dones := sender.controlsFor(wire.CommandJobDone)
	require.Len(t, dones, 1)
	assert.Equal(t, wire.ResultOK, dones[0].Result)
}

func TestExecute_PausedSkipsJobAndReportsFail(t *testing.T) {
	sender := &fakeSender{}
	reg := wedge.NewRegistry()
	called := false
	reg.Register(&fakeWedge{name: "cmd", process: func(ctx context.Context, j *job.Job, cancel <-chan struct{}) (bool, error) {
		called = true
		return true, nil
	}})

	rt := New(sender, reg, clog.New(nil), func() bool { return true }, nil, nil)
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	go rt.Run(ctx)

	j := job.New("coord:7010", "job", "build", "cmd", "/bin/true", "", "")
	rt.Accept("coord:7010", *j)

	time.Sleep(20 * time.Millisecond)

	assert.False(t, called, "a paused worker must never invoke the wedge")
	dones := sender.controlsFor(wire.CommandJobDone)
	require.Len(t, dones, 1)
	assert.Equal(t, wire.ResultFail, dones[0].Result)
}

func TestExecute_MissingWedgeReportsFail(t *testing.T) {
	sender := &fakeSender{}
	reg := wedge.NewRegistry()

	rt := newTestRuntime(t, sender, reg)
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	go rt.Run(ctx)

	j := job.New("coord:7010", "job", "build", "nosuchwedge", "/bin/true", "", "")
	rt.Accept("coord:7010", *j)

	time.Sleep(20 * time.Millisecond)

	dones := sender.controlsFor(wire.CommandJobDone)
	require.Len(t, dones, 1)
	assert.Equal(t, wire.ResultFail, dones[0].Result)
}

func TestExecute_MissingDoneFileReportsFail(t *testing.T) {
	sender := &fakeSender{}
	reg := wedge.NewRegistry()
	reg.Register(&fakeWedge{name: "cmd", process: func(ctx context.Context, j *job.Job, cancel <-chan struct{}) (bool, error) {
		return true, nil
	}})

	rt := newTestRuntime(t, sender, reg)
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	go rt.Run(ctx)

	j := job.New("coord:7010", "job", "build", "cmd", "/bin/true", "", "/tmp/definitely-not-there-workerrun-test.ok")
	rt.Accept("coord:7010", *j)

	time.Sleep(20 * time.Millisecond)

	dones := sender.controlsFor(wire.CommandJobDone)
	require.Len(t, dones, 1)
	assert.Equal(t, wire.ResultFail, dones[0].Result)
}

func TestExecute_SuccessUpdatesLastCompletedTask(t *testing.T) {
	sender := &fakeSender{}
	reg := wedge.NewRegistry()
	reg.Register(&fakeWedge{name: "cmd", process: func(ctx context.Context, j *job.Job, cancel <-chan struct{}) (bool, error) {
		return true, nil
	}})

	var recorded []string
	rt := New(sender, reg, clog.New(nil), func() bool { return false }, nil, func(command string) {
		recorded = append(recorded, command)
	})
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	go rt.Run(ctx)

	j := job.New("coord:7010", "job", "build", "cmd", "/bin/true", "", "")
	rt.Accept("coord:7010", *j)

	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, "build", rt.LastCompletedTask())
	assert.Equal(t, []string{"/bin/true"}, recorded)
}
