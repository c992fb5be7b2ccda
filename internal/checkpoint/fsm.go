package checkpoint

import "github.com/gantryhq/gantry/pkg/schema"

// validTransitions is the checkpoint state machine: pending is initial,
// the other three states are terminal.
var validTransitions = map[schema.CheckpointStatus][]schema.CheckpointStatus{
	schema.CheckpointPending:  {schema.CheckpointApproved, schema.CheckpointRejected, schema.CheckpointExpired},
	schema.CheckpointApproved: {},
	schema.CheckpointRejected: {},
	schema.CheckpointExpired:  {},
}

func canTransition(from, to schema.CheckpointStatus) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
