package adapter

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/antigravity-dev/maestro/internal/runbook"
)

// Registry maps tool ids to adapters. It is populated during process startup
// and frozen before the first run executes; lookups after Freeze are
// lock-free reads.
type Registry struct {
	mu       sync.Mutex
	frozen   bool
	adapters map[string]*entry
}

type entry struct {
	adapter *Adapter
	schema  *jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]*entry)}
}

// Register adds an adapter. The argument schema is compiled here so a bad
// schema fails at startup, not mid-run.
func (r *Registry) Register(a *Adapter) error {
	if err := runbook.ValidateToolID(a.ID); err != nil {
		return fmt.Errorf("register adapter: %w", err)
	}
	if a.Invoke == nil {
		return fmt.Errorf("register adapter %q: nil invoke func", a.ID)
	}
	if a.Compensation != "" {
		if err := runbook.ValidateToolID(a.Compensation); err != nil {
			return fmt.Errorf("register adapter %q: compensation: %w", a.ID, err)
		}
	}
	switch a.Classification {
	case ClassRead, ClassWrite, ClassDestructive:
	default:
		return fmt.Errorf("register adapter %q: unknown classification %q", a.ID, a.Classification)
	}

	var schema *jsonschema.Schema
	if a.ArgsSchema != nil {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(a.ID+".schema.json", a.ArgsSchema); err != nil {
			return fmt.Errorf("register adapter %q: add schema: %w", a.ID, err)
		}
		var err error
		schema, err = c.Compile(a.ID + ".schema.json")
		if err != nil {
			return fmt.Errorf("register adapter %q: compile schema: %w", a.ID, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register adapter %q: registry is frozen", a.ID)
	}
	if _, dup := r.adapters[a.ID]; dup {
		return fmt.Errorf("register adapter %q: duplicate tool id", a.ID)
	}
	r.adapters[a.ID] = &entry{adapter: a, schema: schema}
	return nil
}

// Freeze makes the registry read-only. Called once after startup wiring.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns the adapter for a tool id.
func (r *Registry) Get(toolID string) (*Adapter, bool) {
	r.mu.Lock()
	e, ok := r.adapters[toolID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// Catalog returns all registered tool ids, sorted.
func (r *Registry) Catalog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SchemaViolation describes a failed argument validation.
type SchemaViolation struct {
	// Pointer is the JSON pointer of the first failing instance location.
	Pointer string
	Message string
}

// ValidateArgs checks args against the adapter's compiled schema. A nil
// return means the args conform (or the adapter declared no schema).
func (r *Registry) ValidateArgs(toolID string, args map[string]any) *SchemaViolation {
	r.mu.Lock()
	e, ok := r.adapters[toolID]
	r.mu.Unlock()
	if !ok || e.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	err := e.schema.Validate(normalize(args))
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return &SchemaViolation{Pointer: "", Message: err.Error()}
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	return &SchemaViolation{
		Pointer: "/" + strings.Join(leaf.InstanceLocation, "/"),
		Message: leaf.Error(),
	}
}

// normalize makes arbitrary arg maps acceptable to the schema validator:
// integer-typed values are widened to the JSON number domain.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
