/*
Starts an aggregator node: the registry and gossip hub that holds a
membership table and periodically broadcasts the subset of known idle
worker nodes to all coordinators.

For usage details, run aggregator with the command line flag -h or --help.
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/gridwork/jobgrid/internal/aggregator"
	"github.com/gridwork/jobgrid/internal/clog"
	"github.com/gridwork/jobgrid/internal/config"
	"github.com/gridwork/jobgrid/internal/membership"
	"github.com/gridwork/jobgrid/internal/node"
)

var (
	appName = "jobgrid-aggregator"
	appSha  = "populated-at-link-time"
)

func main() {
	if err := makeApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "aggregator: %v\n", err)
		os.Exit(1)
	}
}

func makeApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = appSha
	app.Usage = "registry and gossip hub for a job-execution grid"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "host", Value: "0.0.0.0", EnvVar: "JOBGRID_HOST", Usage: "local address to bind the UDP socket to"},
		cli.IntFlag{Name: "port", Value: 7000, EnvVar: "JOBGRID_PORT", Usage: "local UDP port to bind to"},
		cli.StringFlag{Name: "name", Value: "aggregator", EnvVar: "JOBGRID_NAME", Usage: "human-readable name advertised to peers"},
		cli.BoolFlag{Name: "l", Usage: "show logging output (for debugging)"},
		cli.BoolFlag{Name: "json-log", EnvVar: "JOBGRID_JSON_LOG", Usage: "emit logs as JSON instead of text"},
	}
	app.Action = runMain
	return app
}

func runMain(c *cli.Context) error {
	if c.Bool("l") {
		clog.Enable()
	}
	clog.Configure(c.Bool("json-log"), logrus.InfoLevel)

	cfg := config.NodeConfig{
		ID:         uuid.NewString(),
		Name:       c.String("name"),
		Role:       membership.RoleAggregator,
		ListenHost: c.String("host"),
		ListenPort: c.Int("port"),
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	fmt.Printf("Starting aggregator %s on %s...\n", cfg.ID, cfg.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := node.New(node.Config{
		ID:             cfg.ID,
		Name:           cfg.Name,
		Role:           cfg.Role,
		ListenHost:     cfg.ListenHost,
		ListenPort:     cfg.ListenPort,
		ProcessorCount: cfg.ProcessorCount,
		Clock:          cfg.Clock,
	})

	broadcaster := aggregator.New(engine.Table, engine, cfg.Clock, engine.Log)
	watchDone := make(chan struct{})
	go broadcaster.WatchMembership(watchDone)
	defer close(watchDone)

	engine.InstallHooks(node.Hooks{
		AfterTick: func(e *node.Engine) {
			broadcaster.AfterTick(e.Clock.Now())
		},
	})

	signaled := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer close(signaled)
		fmt.Printf("Terminating aggregator on signal %v...\n", <-sigCh)
	}()

	completed := make(chan error, 1)
	go func() { completed <- engine.Start(ctx) }()

	for {
		select {
		case <-signaled:
			signaled = nil
			cancel()
		case err := <-completed:
			return err
		}
	}
}
