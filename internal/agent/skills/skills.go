// Package skills implements the Skill Registry: the name→callable map that
// the Planner, Executor, and Reviewer invoke skills through. Declarative
// metadata (schema, permission, normalizer) lives in package tools; this
// package owns the runtime callable contract and the registry that joins the
// two.
package skills

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"deskagent/internal/agent/tools"
)

// Result is the tagged-variant return value of a skill invocation, replacing
// the untyped dict a dynamically-typed implementation would return. Exactly
// one of the two constructors should be used to build a Result.
type Result struct {
	// Success is false when the skill reports a runtime failure.
	Success bool
	// Message is a short human-readable summary, shown to the user in
	// progress breadcrumbs and review verdicts.
	Message string
	// Data is the raw return value: a map, a slice, or a scalar.
	Data any
}

// Ok builds a successful Result.
func Ok(message string, data any) Result {
	return Result{Success: true, Message: message, Data: data}
}

// Err builds a failed Result. Skills must return this instead of panicking or
// returning a Go error; the Executor's success analysis only looks at the
// Result shape.
func Err(message string) Result {
	return Result{Success: false, Message: message}
}

// Invoker is the runtime callable contract for a skill. Implementations must
// not panic; any failure is reported through Result.
type Invoker interface {
	// Invoke executes the skill with already-normalized, schema-validated
	// arguments.
	Invoke(ctx context.Context, args map[string]any) (Result, error)
}

// InvokerFunc adapts a plain function to the Invoker interface.
type InvokerFunc func(ctx context.Context, args map[string]any) (Result, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, args map[string]any) (Result, error) {
	return f(ctx, args)
}

// entry pairs a skill's declarative Spec with its runtime Invoker.
type entry struct {
	spec    *tools.Spec
	invoker Invoker
}

// Registry is the immutable-after-boot name→Invoker map described by
// spec.md §4.3. It is safe for concurrent reads; Register is expected to be
// called only during startup, but takes the write lock, so it is itself safe
// to call concurrently with Get/Normalize.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a skill to the registry, compiling its JSON Schema. It
// returns an error if a skill with the same name is already registered or if
// the schema fails to compile.
func (r *Registry) Register(spec *tools.Spec, invoker Invoker) error {
	if spec == nil {
		return fmt.Errorf("skills: nil spec")
	}
	if spec.Name == "" {
		return fmt.Errorf("skills: spec has no name")
	}
	if invoker == nil {
		return fmt.Errorf("skills: %q has no invoker", spec.Name)
	}
	if err := spec.Compile(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[spec.Name]; exists {
		return fmt.Errorf("skills: %q already registered", spec.Name)
	}
	r.entries[spec.Name] = entry{spec: spec, invoker: invoker}
	return nil
}

// Get returns the entry for name, or ok==false if the skill is not
// registered. The "missing_skill" error itself is raised by Normalize (and
// so by Invoke), which the Executor turns into a failed step.
func (r *Registry) Get(name string) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.invoker, true
}

// Spec returns the declarative Spec for name, or ok==false if absent.
func (r *Registry) Spec(name string) (*tools.Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.spec, true
}

// Permission returns the permission tag for name, or "" if the skill is not
// registered.
func (r *Registry) Permission(name string) tools.Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return ""
	}
	return e.spec.Permission
}

// Normalize rewrites args according to name's normalizer (if any) and then
// validates the result against the skill's JSON Schema.
func (r *Registry) Normalize(name string, args map[string]any) (map[string]any, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, tools.New(tools.KindMissingSkill, fmt.Sprintf("missing_skill:%s", name))
	}
	out := args
	if e.spec.Normalize != nil {
		normalized, err := e.spec.Normalize(args)
		if err != nil {
			return nil, tools.NewWithCause(tools.KindSkillRuntime, "normalize arguments", err)
		}
		out = normalized
	}
	if err := validateRequired(e.spec, out); err != nil {
		return nil, err
	}
	if err := e.spec.Validate(out); err != nil {
		return nil, tools.NewWithCause(tools.KindSkillRuntime, "validate arguments", err)
	}
	return out, nil
}

func validateRequired(spec *tools.Spec, args map[string]any) error {
	for _, name := range spec.Required {
		if _, ok := args[name]; !ok {
			return tools.Errorf(tools.KindSkillRuntime, "missing required argument %q for skill %q", name, spec.Name)
		}
	}
	return nil
}

// ListBrief returns the name+description view the Planner consumes, sorted by
// name for deterministic prompt assembly.
func (r *Registry) ListBrief() []tools.BriefEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tools.BriefEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.spec.Brief())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListFull returns the full schema view the Executor consumes when asking the
// LLM to bind a step's arguments, sorted by name.
func (r *Registry) ListFull() []tools.FullEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tools.FullEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.spec.Full())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke normalizes args, validates them, and calls the skill's Invoker. This
// is the single call site the Executor uses so schema validation and
// missing-skill handling are never bypassed. It applies no read-only gate;
// the Planner checks tools.IsReadOnlyGate before calling it.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (Result, error) {
	normalized, err := r.Normalize(name, args)
	if err != nil {
		return Result{}, err
	}
	invoker, ok := r.Get(name)
	if !ok {
		return Result{}, tools.New(tools.KindMissingSkill, fmt.Sprintf("missing_skill:%s", name))
	}
	return invoker.Invoke(ctx, normalized)
}
