package scheduler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/gantryhq/gantry/pkg/schema"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadDAGFile reads and validates one DAG definition from a YAML file.
func LoadDAGFile(path string) (*schema.DAGDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read dag file %s: %s", path, err.Error()).WithCause(err)
	}

	var def schema.DAGDefinition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse dag file %s: %s", path, err.Error()).WithCause(err)
	}
	if err := validate.Struct(&def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid dag file %s: %s", path, err.Error()).WithCause(err)
	}

	// YAML approval schemas arrive as generic maps; the checkpoint store
	// wants raw JSON.
	for i := range def.Tasks {
		ap := def.Tasks[i].Approval
		if ap == nil || ap.RawInputSchema == nil {
			continue
		}
		js, err := json.Marshal(ap.RawInputSchema)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"task %s: encode approval input schema: %s", def.Tasks[i].ID, err.Error()).WithCause(err)
		}
		ap.InputSchema = js
	}
	return &def, nil
}

// LoadDAGDir loads every *.yml / *.yaml file in dir as a DAG definition,
// keyed by DAG name.
func LoadDAGDir(dir string) (map[string]*schema.DAGDefinition, error) {
	paths, err := yamlFiles(dir)
	if err != nil {
		return nil, err
	}

	dags := make(map[string]*schema.DAGDefinition, len(paths))
	for _, path := range paths {
		def, err := LoadDAGFile(path)
		if err != nil {
			return nil, err
		}
		if _, ok := dags[def.Name]; ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate dag name %q in %s", def.Name, path)
		}
		dags[def.Name] = def
	}
	return dags, nil
}

// scheduleFile is the on-disk shape: either a single schedule document or a
// list under a top-level schedules key.
type scheduleFile struct {
	Schedules []schema.ScheduleDefinition `yaml:"schedules"`
}

// LoadScheduleDir loads every *.yml / *.yaml file in dir as schedule
// definitions. Schedule IDs must be unique across the directory.
func LoadScheduleDir(dir string) ([]schema.ScheduleDefinition, error) {
	paths, err := yamlFiles(dir)
	if err != nil {
		return nil, err
	}

	var all []schema.ScheduleDefinition
	seen := make(map[string]string)
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeSchedule, "read schedule file %s: %s", path, err.Error()).WithCause(err)
		}

		var file scheduleFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeSchedule, "parse schedule file %s: %s", path, err.Error()).WithCause(err)
		}
		defs := file.Schedules
		if len(defs) == 0 {
			var single schema.ScheduleDefinition
			if err := yaml.Unmarshal(raw, &single); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeSchedule, "parse schedule file %s: %s", path, err.Error()).WithCause(err)
			}
			defs = []schema.ScheduleDefinition{single}
		}

		for _, def := range defs {
			if err := validate.Struct(&def); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeSchedule,
					"invalid schedule in %s: %s", path, err.Error()).WithCause(err)
			}
			if prev, ok := seen[def.ID]; ok {
				return nil, schema.NewErrorf(schema.ErrCodeSchedule,
					"duplicate schedule id %q in %s (first seen in %s)", def.ID, path, prev)
			}
			seen[def.ID] = path
			all = append(all, def)
		}
	}
	return all, nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read dir %s: %s", dir, err.Error()).WithCause(err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yml" || ext == ".yaml" {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	return paths, nil
}
