package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwork/jobgrid/internal/membership"
)

func TestValidate_AggregatesMultipleMissingFields(t *testing.T) {
	cfg := &NodeConfig{}
	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "node role has not been provided")
	assert.Contains(t, msg, "invalid value for listen port")
	assert.Contains(t, msg, "aggregator address has not been provided")
	assert.Contains(t, msg, "aggregator id has not been provided")
}

func TestValidate_AggregatorRoleDoesNotRequireAggregatorFields(t *testing.T) {
	cfg := &NodeConfig{Role: membership.RoleAggregator, ListenPort: 7000}
	err := cfg.Validate()
	assert.NoError(t, err)
}

func TestValidate_RejectsMalformedAggregatorAddr(t *testing.T) {
	cfg := &NodeConfig{
		Role:           membership.RoleWorker,
		ListenPort:     7020,
		AggregatorAddr: "not-a-host-port",
		AggregatorID:   "agg",
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not host:port")
}

func TestValidate_FillsDefaults(t *testing.T) {
	cfg := &NodeConfig{
		Role:           membership.RoleWorker,
		ListenPort:     7020,
		AggregatorAddr: "10.0.0.1:7000",
		AggregatorID:   "agg",
	}
	err := cfg.Validate()
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.ID)
	assert.Equal(t, "0.0.0.0", cfg.ListenHost)
	assert.Greater(t, cfg.ProcessorCount, 0)
	require.NotNil(t, cfg.Clock)
	require.NotNil(t, cfg.Logger)
}

func TestValidate_PreservesExplicitID(t *testing.T) {
	cfg := &NodeConfig{
		ID:             "fixed-id",
		Role:           membership.RoleWorker,
		ListenPort:     7020,
		AggregatorAddr: "10.0.0.1:7000",
		AggregatorID:   "agg",
	}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "fixed-id", cfg.ID)
}

func TestAddr_JoinsHostAndPort(t *testing.T) {
	cfg := &NodeConfig{ListenHost: "10.0.0.1", ListenPort: 7020}
	assert.Equal(t, "10.0.0.1:7020", cfg.Addr())
}
