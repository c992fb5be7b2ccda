package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/gantryhq/gantry/internal/engine"
	"github.com/gantryhq/gantry/internal/scheduler"
)

func runAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("usage: gantry run <dag-file>")
	}

	def, err := scheduler.LoadDAGFile(cmd.Args().First())
	if err != nil {
		return err
	}

	cfg := loadConfig()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.runner.RunDAG(ctx, def, engine.Options{
		RunID:             cmd.String("run-id"),
		Tenant:            cmd.String("tenant"),
		DryRun:            cmd.Bool("dry-run"),
		MaxRetriesDefault: cfg.MaxRetries,
	})
	if res != nil {
		printJSON(res)
	}
	if err != nil {
		return err
	}
	if res.Suspended {
		fmt.Fprintf(os.Stderr, "run suspended; approve checkpoint %s then run:\n  gantry resume %s %s\n",
			res.CheckpointID, cmd.Args().First(), res.RunID)
	}
	return nil
}

func resumeAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return fmt.Errorf("usage: gantry resume <dag-file> <run-id>")
	}

	def, err := scheduler.LoadDAGFile(cmd.Args().First())
	if err != nil {
		return err
	}

	cfg := loadConfig()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.runner.ResumeDAG(ctx, def, cmd.Args().Get(1), engine.Options{
		MaxRetriesDefault: cfg.MaxRetries,
	})
	if res != nil {
		printJSON(res)
	}
	return err
}

func eventsAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("usage: gantry events <run-id>")
	}

	a, err := newApp(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer a.Close()

	events, err := a.events.Events(cmd.Args().First())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(out))
}
