/*
Submits a command-line job to a coordinator, or queries the status of
jobs already submitted to it.

For usage details, run submit with the command line flag -h or --help.
*/
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/gridwork/jobgrid/internal/submission"
	"github.com/gridwork/jobgrid/internal/wire"
)

var (
	appName = "jobgrid-submit"
	appSha  = "populated-at-link-time"
)

func main() {
	if err := makeApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		os.Exit(1)
	}
}

func makeApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = appSha
	app.Usage = "submits jobs to a coordinator and queries their status"
	app.Commands = []cli.Command{
		{
			Name:      "job",
			Usage:     "submit a command-line job",
			ArgsUsage: "command [arguments...]",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "coordinator", EnvVar: "JOBGRID_COORDINATOR", Usage: "address (host:port) of the coordinator"},
				cli.StringFlag{Name: "name", Usage: "human name for the job"},
				cli.StringFlag{Name: "task", Usage: "task name grouping related jobs for the affinity heuristic"},
				cli.StringFlag{Name: "wedge", Value: "cmd", Usage: "wedge name selecting the executor"},
				cli.StringFlag{Name: "done-file", Usage: "optional path whose existence at completion is an integrity check"},
			},
			Action: submitJob,
		},
		{
			Name:  "status",
			Usage: "query running/dispatched/non-scheduled job counts",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "coordinator", EnvVar: "JOBGRID_COORDINATOR", Usage: "address (host:port) of the coordinator"},
				cli.StringFlag{Name: "task", Usage: "restrict the query to jobs with this task name"},
			},
			Action: queryStatus,
		},
	}
	return app
}

func submitJob(c *cli.Context) error {
	coordinator := c.String("coordinator")
	if coordinator == "" {
		return fmt.Errorf("submit: -coordinator is required")
	}
	if c.NArg() == 0 {
		return fmt.Errorf("submit: a command is required")
	}

	client, err := submission.Dial()
	if err != nil {
		return err
	}
	defer client.Close()

	args := c.Args()
	j := wire.Job{
		Command:   args[0],
		Arguments: joinArgs(args[1:]),
		Name:      c.String("name"),
		TaskName:  c.String("task"),
		WedgeName: c.String("wedge"),
		DoneFile:  c.String("done-file"),
	}

	if err := client.Submit(coordinator, j); err != nil {
		return err
	}
	fmt.Printf("Submitted job %q to %s\n", j.Command, coordinator)
	return nil
}

func queryStatus(c *cli.Context) error {
	coordinator := c.String("coordinator")
	if coordinator == "" {
		return fmt.Errorf("submit: -coordinator is required")
	}

	client, err := submission.Dial()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	running, dispatched, nonScheduled, err := client.QueryStatus(ctx, coordinator, c.String("task"))
	if err != nil {
		return err
	}
	fmt.Printf("running=%d dispatched=%d non-scheduled=%d\n", running, dispatched, nonScheduled)
	return nil
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}
