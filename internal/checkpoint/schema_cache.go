package checkpoint

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaCache compiles checkpoint input schemas (JSON Schema Draft 2020-12)
// and caches them by source text. Safe for concurrent use.
type schemaCache struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{cache: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) compile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each schema gets a unique URL to avoid resource collisions.
	url := fmt.Sprintf("gantry://input-schema/%d", len(c.cache))
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	c.cache[key] = compiled
	return compiled, nil
}

// validate checks data against the given schema source.
func (c *schemaCache) validate(schemaBytes []byte, data map[string]any) error {
	compiled, err := c.compile(schemaBytes)
	if err != nil {
		return err
	}

	// Round-trip through JSON so numbers become json.Number, as the
	// jsonschema library expects.
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return err
	}
	return compiled.Validate(doc)
}
