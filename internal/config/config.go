// Package config validates the settings shared by every node binary
// (aggregator, coordinator, worker), grounded on the linksrus services'
// Config.validate pattern: defaults are filled in, missing required values
// are aggregated with go-multierror rather than failing fast on the first
// one.
package config

import (
	"net"
	"strconv"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/gridwork/jobgrid/internal/membership"
)

// NodeConfig holds the settings common to every node role.
type NodeConfig struct {
	// ID is this node's own identifier. If empty, Validate generates one.
	ID string
	// Name is a human-readable label for logs and Node descriptors.
	Name string
	// Role is this node's role in the grid.
	Role membership.Role
	// ListenHost and ListenPort are the local UDP bind address.
	ListenHost string
	ListenPort int
	// ProcessorCount is the capability hint advertised to the aggregator. If
	// zero, Validate fills it in from the host's actual processor count.
	ProcessorCount int
	// AggregatorAddr is host:port of the known aggregator. Required for
	// coordinators and workers; ignored for the aggregator itself.
	AggregatorAddr string
	// AggregatorID is the aggregator's own identifier, required alongside
	// AggregatorAddr so a fixed placeholder entry can be created before the
	// first heartbeat arrives.
	AggregatorID string

	Clock  clock.Clock
	Logger *logrus.Entry
}

// Validate fills in defaults and returns an aggregated error describing
// every missing or invalid required field, rather than stopping at the
// first one.
func (cfg *NodeConfig) Validate() error {
	var err error

	if cfg.Role == membership.RoleUndefined {
		err = multierror.Append(err, xerrors.Errorf("node role has not been provided"))
	}
	if cfg.ListenPort <= 0 {
		err = multierror.Append(err, xerrors.Errorf("invalid value for listen port"))
	}
	if cfg.Role != membership.RoleAggregator {
		if cfg.AggregatorAddr == "" {
			err = multierror.Append(err, xerrors.Errorf("aggregator address has not been provided"))
		} else if _, _, perr := net.SplitHostPort(cfg.AggregatorAddr); perr != nil {
			err = multierror.Append(err, xerrors.Errorf("aggregator address %q is not host:port: %w", cfg.AggregatorAddr, perr))
		}
		if cfg.AggregatorID == "" {
			err = multierror.Append(err, xerrors.Errorf("aggregator id has not been provided"))
		}
	}

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.ListenHost == "" {
		cfg.ListenHost = "0.0.0.0"
	}
	if cfg.ProcessorCount <= 0 {
		if counts, cerr := cpu.Counts(true); cerr == nil && counts > 0 {
			cfg.ProcessorCount = counts
		} else {
			cfg.ProcessorCount = 1
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return err
}

// Addr renders host:port for ListenHost/ListenPort, mainly for log messages
// (the actual bind uses the two fields directly, since 0.0.0.0 is valid to
// bind but not a meaningful identity key).
func (cfg *NodeConfig) Addr() string {
	return net.JoinHostPort(cfg.ListenHost, strconv.Itoa(cfg.ListenPort))
}
