package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_StartsUnscheduled(t *testing.T) {
	j := New("coord:7010", "build", "t1", "cmd", "/bin/true", "_", "")
	assert.Equal(t, Unscheduled, j.Status)
	assert.NotEmpty(t, j.ID)
	assert.Empty(t, j.RunningNode)
}

func TestLifecycle_DispatchAcceptComplete(t *testing.T) {
	j := New("coord:7010", "build", "t1", "cmd", "/bin/true", "_", "")

	j.MarkDispatched("w1")
	require.Equal(t, Dispatched, j.Status)
	assert.Equal(t, "w1", j.RunningNode)

	j.MarkRemoteRunning()
	assert.Equal(t, RemoteRunning, j.Status)
	assert.Equal(t, "w1", j.RunningNode, "RunningNode persists through RemoteRunning")

	j.MarkDone()
	assert.Equal(t, Done, j.Status)
}

func TestReschedule_ClearsRunningNode(t *testing.T) {
	j := New("coord:7010", "build", "t1", "cmd", "/bin/true", "_", "")
	j.MarkDispatched("w1")

	j.Reschedule()

	assert.Equal(t, Unscheduled, j.Status)
	assert.Empty(t, j.RunningNode, "Reschedule is the only place RunningNode is cleared")
}

func TestAge_AdvancesOnTransition(t *testing.T) {
	j := New("coord:7010", "build", "t1", "cmd", "/bin/true", "_", "")
	first := j.LastChange

	j.MarkDispatched("w1")

	assert.True(t, j.LastChange.After(first) || j.LastChange.Equal(first))
	assert.GreaterOrEqual(t, j.Age(), time.Duration(0))
}
