// Command gantry runs DAGs, schedules them on cron expressions and manages
// human approval checkpoints.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:                  "gantry",
		Usage:                 "Run and schedule workflow DAGs with human approval gates",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Execute a DAG from a YAML file",
				ArgsUsage: "<dag-file>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Validate and print the execution plan without running tasks",
					},
					&cli.StringFlag{
						Name:  "tenant",
						Usage: "Override the DAG's tenant",
					},
					&cli.StringFlag{
						Name:  "run-id",
						Usage: "Custom run ID (auto-generated if not provided)",
					},
				},
				Action: runAction,
			},
			{
				Name:      "resume",
				Usage:     "Resume a suspended DAG run after its checkpoint is approved",
				ArgsUsage: "<dag-file> <run-id>",
				Action:    resumeAction,
			},
			{
				Name:  "scheduler",
				Usage: "Tick schedules and drain due DAG runs",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "schedules",
						Usage:    "Directory of schedule YAML files",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "dags",
						Usage:    "Directory of DAG YAML files",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "once",
						Usage: "Run a single tick and drain, then exit",
					},
				},
				Action: schedulerAction,
			},
			{
				Name:    "checkpoints",
				Aliases: []string{"cp"},
				Usage:   "Manage human approval checkpoints",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "List checkpoints",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "tenant", Usage: "Filter by tenant"},
							&cli.StringFlag{Name: "status", Usage: "Filter by status (pending|approved|rejected|expired)"},
						},
						Action: checkpointListAction,
					},
					{
						Name:      "approve",
						Usage:     "Approve a pending checkpoint",
						ArgsUsage: "<checkpoint-id>",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "by", Usage: "Actor recorded as the approver", Required: true},
							&cli.StringFlag{Name: "role", Usage: "Role presented by the actor", Required: true},
							&cli.StringFlag{Name: "data", Usage: "Approval data as a JSON object"},
						},
						Action: checkpointApproveAction,
					},
					{
						Name:      "reject",
						Usage:     "Reject a pending checkpoint",
						ArgsUsage: "<checkpoint-id>",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "by", Usage: "Actor recorded as the rejecter", Required: true},
							&cli.StringFlag{Name: "role", Usage: "Role presented by the actor", Required: true},
							&cli.StringFlag{Name: "reason", Usage: "Rejection reason", Required: true},
						},
						Action: checkpointRejectAction,
					},
					{
						Name:   "expire",
						Usage:  "Expire all pending checkpoints past their TTL",
						Action: checkpointExpireAction,
					},
					{
						Name:      "history",
						Usage:     "Show the transition history of a checkpoint",
						ArgsUsage: "<checkpoint-id>",
						Action:    checkpointHistoryAction,
					},
				},
			},
			{
				Name:      "events",
				Usage:     "Print the event log for a run",
				ArgsUsage: "<run-id>",
				Action:    eventsAction,
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
