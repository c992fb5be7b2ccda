package graph

import (
	"github.com/gantryhq/gantry/pkg/schema"
)

// DAG is the in-memory directed acyclic graph representation of a DAG
// definition. Built once per run, used by the Runner to determine execution
// order. Never mutated during execution.
type DAG struct {
	Name    string
	Tenant  string
	Tasks   map[string]*schema.TaskDefinition // task ID → definition
	Order   []string                          // declaration order of task IDs
	Edges   map[string][]string               // task ID → dependencies (depends_on)
	Reverse map[string][]string               // task ID → dependents
	Sorted  []string                          // topological order
}

// Parse validates a DAG definition and builds an executable DAG.
// It checks for duplicate task IDs, missing dependencies and cycles, then
// performs a topological sort using Kahn's algorithm. Tie-breaking among
// ready tasks is by declaration order, so repeated calls on the same
// definition yield the same order.
func Parse(def *schema.DAGDefinition) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "dag definition is nil")
	}

	dag := &DAG{
		Name:    def.Name,
		Tenant:  def.TenantID,
		Tasks:   make(map[string]*schema.TaskDefinition, len(def.Tasks)),
		Order:   make([]string, 0, len(def.Tasks)),
		Edges:   make(map[string][]string, len(def.Tasks)),
		Reverse: make(map[string][]string, len(def.Tasks)),
	}

	// First pass: register all tasks and check for duplicates.
	for i := range def.Tasks {
		task := &def.Tasks[i]

		if task.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "task at index %d has empty ID", i)
		}
		if _, exists := dag.Tasks[task.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeDuplicateTask, "duplicate task ID: %s", task.ID)
		}
		dag.Tasks[task.ID] = task
		dag.Order = append(dag.Order, task.ID)
	}

	// Second pass: build adjacency lists and validate dependencies.
	for _, id := range dag.Order {
		task := dag.Tasks[id]
		seen := make(map[string]bool, len(task.DependsOn))
		deps := make([]string, 0, len(task.DependsOn))
		for _, dep := range task.DependsOn {
			if _, exists := dag.Tasks[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeMissingDependency,
					"task %s depends on non-existent task: %s", id, dep)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "task %s depends on itself", id)
			}
			if seen[dep] {
				continue // duplicate depends_on entries are harmless
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
		dag.Edges[id] = deps
	}

	sorted, err := toposort(dag)
	if err != nil {
		return nil, err
	}
	dag.Sorted = sorted

	return dag, nil
}

// toposort runs Kahn's algorithm over the DAG. Ready tasks are dequeued in
// declaration order. Fewer sorted nodes than tasks means a cycle.
func toposort(dag *DAG) ([]string, error) {
	inDegree := make(map[string]int, len(dag.Tasks))
	for id := range dag.Tasks {
		inDegree[id] = len(dag.Edges[id])
	}

	pos := make(map[string]int, len(dag.Order))
	for i, id := range dag.Order {
		pos[id] = i
	}

	queue := make([]string, 0, len(dag.Order))
	for _, id := range dag.Order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	sorted := make([]string, 0, len(dag.Tasks))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, dep := range dag.Reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = insertByPos(queue, dep, pos)
			}
		}
	}

	if len(sorted) != len(dag.Tasks) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "dag contains a dependency cycle")
	}
	return sorted, nil
}

// insertByPos inserts id into queue keeping it sorted by declaration index.
func insertByPos(queue []string, id string, pos map[string]int) []string {
	i := len(queue)
	for i > 0 && pos[queue[i-1]] > pos[id] {
		i--
	}
	queue = append(queue, "")
	copy(queue[i+1:], queue[i:])
	queue[i] = id
	return queue
}
