/*
Starts a worker (execution) node: advertises itself, accepts at most one
job at a time, runs it via the command-line wedge, and reports completion
or failure.

For usage details, run worker with the command line flag -h or --help.
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
	"github.com/gridwork/jobgrid/internal/wedge"
	"github.com/gridwork/jobgrid/internal/wedge/cmdwedge"
	"github.com/gridwork/jobgrid/internal/wire"
	"github.com/gridwork/jobgrid/internal/workerrun"
)

var (
	appName = "jobgrid-worker"
	appSha  = "populated-at-link-time"
)

func main() {
	if err := makeApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func makeApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = appSha
	app.Usage = "runs at most one command-line job at a time for a coordinator"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "host", Value: "0.0.0.0", EnvVar: "JOBGRID_HOST", Usage: "local address to bind the UDP socket to"},
		cli.IntFlag{Name: "port", Value: 7020, EnvVar: "JOBGRID_PORT", Usage: "local UDP port to bind to"},
		cli.StringFlag{Name: "name", Value: "worker", EnvVar: "JOBGRID_NAME", Usage: "human-readable name advertised to peers"},
		cli.StringFlag{Name: "aggregator", EnvVar: "JOBGRID_AGGREGATOR", Usage: "address (host:port) of the aggregator"},
		cli.StringFlag{Name: "aggregator-id", EnvVar: "JOBGRID_AGGREGATOR_ID", Usage: "id of the aggregator"},
		cli.StringFlag{Name: "scratch-dir", Value: "./jobgrid-scratch", EnvVar: "JOBGRID_SCRATCH_DIR", Usage: "local directory commands are deployed into before running"},
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
		Role:           membership.RoleWorker,
		ListenHost:     c.String("host"),
		ListenPort:     c.Int("port"),
		AggregatorAddr: c.String("aggregator"),
		AggregatorID:   c.String("aggregator-id"),
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(c.String("scratch-dir"), 0o755); err != nil {
		return fmt.Errorf("worker: creating scratch dir: %w", err)
	}

	fmt.Printf("Starting worker %s on %s, aggregator at %s...\n", cfg.ID, cfg.Addr(), cfg.AggregatorAddr)

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

	wedges := wedge.NewRegistry()
	cmdw := cmdwedge.New(c.String("scratch-dir"), engine.Log)
	wedges.Register(cmdw)

	var runtime *workerrun.Runtime
	runtime = workerrun.New(engine, wedges, engine.Log,
		engine.PauseJobs,
		func(busy bool) {
			if !busy {
				engine.SetSelfLastTask(runtime.LastCompletedTask())
			}
			engine.SetSelfBusy(busy)
		},
		engine.RecordCommandRun,
	)

	runDone := make(chan struct{})
	go func() {
		runtime.Run(ctx)
		close(runDone)
	}()
	defer func() { <-runDone }()

	engine.InstallHooks(node.Hooks{
		OnJobOffer: func(e *node.Engine, wj wire.Job, fromAddr string) {
			j := job.Job{
				ID:        wj.Guid,
				Name:      wj.Name,
				TaskName:  wj.TaskName,
				WedgeName: wj.WedgeName,
				Command:   wj.Command,
				Arguments: wj.Arguments,
				DoneFile:  wj.DoneFile,
			}
			runtime.Accept(fromAddr, j)
		},
		CleanupCommand: func(command string) {
			for _, w := range wedges.All() {
				w.CleanUp(command)
			}
		},
	})

	signaled := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer close(signaled)
		fmt.Printf("Terminating worker on signal %v...\n", <-sigCh)
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
