package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/gantryhq/gantry/internal/checkpoint"
	"github.com/gantryhq/gantry/pkg/schema"
)

func checkpointListAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer a.Close()

	cps, err := a.gates.List(ctx, checkpoint.Filter{
		Tenant: cmd.String("tenant"),
		Status: schema.CheckpointStatus(cmd.String("status")),
	})
	if err != nil {
		return err
	}
	printJSON(cps)
	return nil
}

func checkpointApproveAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("usage: gantry checkpoints approve <checkpoint-id>")
	}

	var data map[string]any
	if raw := cmd.String("data"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return fmt.Errorf("--data is not a JSON object: %w", err)
		}
	}

	a, err := newApp(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer a.Close()

	cp, err := a.gates.Approve(ctx, cmd.Args().First(), cmd.String("by"), cmd.String("role"), data)
	if err != nil {
		return err
	}
	printJSON(cp)
	fmt.Printf("approved; resume the run with:\n  gantry resume <dag-file> %s\n", cp.DAGRunID)
	return nil
}

func checkpointRejectAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("usage: gantry checkpoints reject <checkpoint-id>")
	}

	a, err := newApp(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer a.Close()

	cp, err := a.gates.Reject(ctx, cmd.Args().First(), cmd.String("by"), cmd.String("role"), cmd.String("reason"))
	if err != nil {
		return err
	}
	printJSON(cp)
	return nil
}

func checkpointExpireAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer a.Close()

	expired, err := a.gates.ExpirePending(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Printf("expired %d checkpoint(s)\n", len(expired))
	printJSON(expired)
	return nil
}

func checkpointHistoryAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("usage: gantry checkpoints history <checkpoint-id>")
	}

	a, err := newApp(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer a.Close()

	transitions, err := a.gates.Transitions(ctx, cmd.Args().First())
	if err != nil {
		return err
	}
	printJSON(transitions)
	return nil
}
