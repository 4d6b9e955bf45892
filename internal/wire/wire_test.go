package wire

import (
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_JobRoundTrip(t *testing.T) {
	j := Job{
		Guid:      "abc-123",
		Command:   "/bin/true",
		Arguments: "-x _",
		TaskName:  "build",
		WedgeName: "cmd",
		Name:      "build job",
		DoneFile:  "/tmp/x.ok",
	}

	encoded, err := Encode(j)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	root, err := RootName(decoded)
	require.NoError(t, err)
	assert.Equal(t, "Job", root)

	var got Job
	require.NoError(t, unmarshal(decoded, &got))
	assert.Equal(t, j.Guid, got.Guid)
	assert.Equal(t, j.Command, got.Command)
	assert.Equal(t, j.Arguments, got.Arguments)
	assert.Equal(t, j.TaskName, got.TaskName)
	assert.Equal(t, j.WedgeName, got.WedgeName)
	assert.Equal(t, j.Name, got.Name)
	assert.Equal(t, j.DoneFile, got.DoneFile)
}

func TestRootName_SniffsEachMessageType(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want string
	}{
		{name: "Control", v: Control{Command: CommandRegistry}, want: "Control"},
		{name: "Report", v: Report{Command: CommandInfo}, want: "Report"},
		{name: "Resource", v: Resource{Type: ResourceType}, want: "Resource"},
		{name: "JobManage", v: JobManage{Command: CommandJobQuery}, want: "JobManage"},
		{name: "Job", v: Job{Guid: "x"}, want: "Job"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.v)
			require.NoError(t, err)
			decoded, err := Decode(encoded)
			require.NoError(t, err)
			root, err := RootName(decoded)
			require.NoError(t, err)
			assert.Equal(t, tt.want, root)
		})
	}
}

func TestDecode_DoesNotPanicOnSentinel(t *testing.T) {
	// Sentinel is plain ASCII text, not XML; callers must check for it before
	// calling Decode, but Decode itself must not panic on it.
	_, err := Decode([]byte(Sentinel))
	_ = err // UTF-16LE decoding of odd-length ASCII may or may not error; either is acceptable
}

func TestControl_OmitsEmptyOptionalAttributes(t *testing.T) {
	c := Control{Command: CommandBlock, Guid: "w1"}
	encoded, err := Encode(c)
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	var got Control
	require.NoError(t, unmarshal(decoded, &got))
	assert.Equal(t, "", got.Result)
	assert.Nil(t, got.Node)
}

func unmarshal(decoded string, v any) error {
	return xml.Unmarshal([]byte(decoded), v)
}
