/*
Starts a coordinator node: accepts externally submitted jobs, picks a
worker, dispatches, and tracks outcome and retries via the job state
machine.

For usage details, run coordinator with the command line flag -h or --help.
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

	"github.com/gridwork/jobgrid/internal/clog"
	"github.com/gridwork/jobgrid/internal/config"
	"github.com/gridwork/jobgrid/internal/job"
	"github.com/gridwork/jobgrid/internal/membership"
	"github.com/gridwork/jobgrid/internal/node"
	"github.com/gridwork/jobgrid/internal/scheduler"
	"github.com/gridwork/jobgrid/internal/wire"
)

var (
	appName = "jobgrid-coordinator"
	appSha  = "populated-at-link-time"
)

func main() {
	if err := makeApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
		os.Exit(1)
	}
}

func makeApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = appSha
	app.Usage = "dispatches submitted jobs to idle workers"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "host", Value: "0.0.0.0", EnvVar: "JOBGRID_HOST", Usage: "local address to bind the UDP socket to"},
		cli.IntFlag{Name: "port", Value: 7010, EnvVar: "JOBGRID_PORT", Usage: "local UDP port to bind to"},
		cli.StringFlag{Name: "name", Value: "coordinator", EnvVar: "JOBGRID_NAME", Usage: "human-readable name advertised to peers"},
		cli.StringFlag{Name: "aggregator", EnvVar: "JOBGRID_AGGREGATOR", Usage: "address (host:port) of the aggregator"},
		cli.StringFlag{Name: "aggregator-id", EnvVar: "JOBGRID_AGGREGATOR_ID", Usage: "id of the aggregator"},
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
		ID:             uuid.NewString(),
		Name:           c.String("name"),
		Role:           membership.RoleCoordinator,
		ListenHost:     c.String("host"),
		ListenPort:     c.Int("port"),
		AggregatorAddr: c.String("aggregator"),
		AggregatorID:   c.String("aggregator-id"),
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	fmt.Printf("Starting coordinator %s on %s, aggregator at %s...\n", cfg.ID, cfg.Addr(), cfg.AggregatorAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := node.New(node.Config{
		ID:             cfg.ID,
		Name:           cfg.Name,
		Role:           cfg.Role,
		ListenHost:     cfg.ListenHost,
		ListenPort:     cfg.ListenPort,
		ProcessorCount: cfg.ProcessorCount,
		AggregatorAddr: cfg.AggregatorAddr,
		AggregatorID:   cfg.AggregatorID,
		Clock:          cfg.Clock,
	})

	sched := scheduler.New(engine.Table, engine, cfg.Clock, engine.Log)

	watchDone := make(chan struct{})
	go sched.WatchMembership(watchDone)
	defer close(watchDone)

	schedDone := make(chan struct{})
	go sched.Run(schedDone)
	defer close(schedDone)

	engine.InstallHooks(node.Hooks{
		OnJobScheduleReply: func(e *node.Engine, guid, result string) { sched.OnJobScheduleReply(guid, result) },
		OnJobDoneReply:     func(e *node.Engine, guid, result string) { sched.OnJobDoneReply(guid, result) },
		OnJobSubmit: func(e *node.Engine, wj wire.Job, fromAddr string) {
			j := job.New(e.Addr(), wj.Name, wj.TaskName, wj.WedgeName, wj.Command, wj.Arguments, wj.DoneFile)
			if wj.Guid != "" {
				j.ID = wj.Guid
			}
			sched.Submit(j)
		},
		OnJobQuery: func(e *node.Engine, taskFilter string) (running, dispatched, nonScheduled int) {
			return sched.Query(taskFilter)
		},
	})

	signaled := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer close(signaled)
		fmt.Printf("Terminating coordinator on signal %v...\n", <-sigCh)
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
