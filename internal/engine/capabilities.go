package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"signoff/internal/config"
	"signoff/internal/domain"
)

// Capability is a registered (server, operation) pair plans may target.
type Capability struct {
	Server    string
	Operation string
	Category  string
	RiskFloor string
	schema    *jsonschema.Schema
}

// CapabilityTable resolves operations at plan-creation time.
type CapabilityTable struct {
	caps map[string]Capability
}

func NewCapabilityTable(defs []config.Capability) (*CapabilityTable, error) {
	t := &CapabilityTable{caps: map[string]Capability{}}
	for _, d := range defs {
		key := domain.Operation{Server: d.Server, Name: d.Operation}.Key()
		if _, dup := t.caps[key]; dup {
			return nil, fmt.Errorf("capability %s registered twice", key)
		}
		c := Capability{Server: d.Server, Operation: d.Operation, Category: d.Category, RiskFloor: d.RiskFloor}
		if len(d.Schema) > 0 {
			schema, err := compileSchema(key, d.Schema)
			if err != nil {
				return nil, err
			}
			c.schema = schema
		}
		t.caps[key] = c
	}
	return t, nil
}

func compileSchema(key string, def map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("capability %s schema: %w", key, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://signoff.local/capabilities/%s.schema.json", key)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("capability %s schema load failed: %w", key, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("capability %s schema compile failed: %w", key, err)
	}
	return schema, nil
}

// Resolve checks that op is registered and its params satisfy the schema.
// It returns the params normalized to their JSON form.
func (t *CapabilityTable) Resolve(op domain.Operation) (Capability, map[string]any, error) {
	c, ok := t.caps[op.Key()]
	if !ok {
		return Capability{}, nil, domain.ValidationError{Field: "operation", Reason: fmt.Sprintf("unknown capability %s", op.Key())}
	}
	params, err := normalizeParams(op.Params)
	if err != nil {
		return Capability{}, nil, domain.ValidationError{Field: "params", Reason: err.Error()}
	}
	if c.schema != nil {
		if err := c.schema.Validate(params); err != nil {
			return Capability{}, nil, domain.ValidationError{Field: "params", Reason: fmt.Sprintf("%s: %v", op.Key(), err)}
		}
	}
	return c, params, nil
}

// Keys lists registered capabilities in sorted order.
func (t *CapabilityTable) Keys() []string {
	out := make([]string, 0, len(t.caps))
	for k := range t.caps {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeParams(in map[string]any) (map[string]any, error) {
	if in == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
