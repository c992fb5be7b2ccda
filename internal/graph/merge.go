package graph

import "fmt"

// MergePayloads flattens upstream task outputs into a single parameter
// mapping, namespacing each key as "{task_id}__{key}" so sibling outputs
// cannot collide. The task's own declared params win on conflict.
func MergePayloads(params map[string]any, upstream map[string]map[string]any) map[string]any {
	merged := make(map[string]any, len(params)+len(upstream))

	for taskID, output := range upstream {
		for key, value := range output {
			merged[fmt.Sprintf("%s__%s", taskID, key)] = value
		}
	}

	// Declared params take precedence over merged upstream keys.
	for key, value := range params {
		merged[key] = value
	}

	return merged
}
