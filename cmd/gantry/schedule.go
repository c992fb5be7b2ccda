package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/gantryhq/gantry/internal/scheduler"
)

func schedulerAction(ctx context.Context, cmd *cli.Command) error {
	cfg := loadConfig()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	dags, err := scheduler.LoadDAGDir(cmd.String("dags"))
	if err != nil {
		return err
	}
	defs, err := scheduler.LoadScheduleDir(cmd.String("schedules"))
	if err != nil {
		return err
	}

	sched, err := scheduler.New(defs, dags, a.runner, a.events, a.gates, scheduler.Config{
		TickInterval:      cfg.tickInterval(),
		MaxParallel:       cfg.MaxParallel,
		MaxRetriesDefault: cfg.MaxRetries,
	}, a.logger)
	if err != nil {
		return err
	}

	if cmd.Bool("once") {
		enqueued, results := sched.RunOnce(ctx, time.Now())
		fmt.Printf("enqueued=%d executed=%d\n", enqueued, len(results))
		for _, res := range results {
			printJSON(res)
		}
		return nil
	}

	// Serve returns context.Canceled on a clean signal-driven shutdown.
	if err := sched.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
