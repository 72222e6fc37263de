// Package tools declares the Skill Registry's static metadata: permissions,
// JSON-schema parameter specs, and the argument normalizers that collapse the
// many ways a planner LLM spells the same argument into the names a skill
// actually declares.
package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Permission tags a skill as read-only or mutating. The Planner's sub-loop
// (see package planner) does not consult this tag: its gate is the name
// check in IsReadOnlyGate.
type Permission string

const (
	// Read marks a skill that performs no mutating side effects.
	Read Permission = "read"
	// Write marks a skill that may mutate state outside the process.
	Write Permission = "write"
)

// Normalizer rewrites a raw argument map produced by an LLM into the shape a
// skill's schema declares, collapsing documented aliases (e.g. "paths",
// "file_paths", "files", "items" all mean the same thing to a batch skill).
// A normalizer must not mutate its input; it returns a new map.
type Normalizer func(args map[string]any) (map[string]any, error)

// Spec is the immutable, declarative half of a Skill Registry entry: schema,
// permission, and normalizer. The callable half lives behind skills.Invoker
// so that metadata can be listed (for the Planner's brief view and the
// Executor's full view) without constructing or holding a callable.
type Spec struct {
	// Name is the unique skill identifier, e.g. "read_url" or "create_folder".
	Name string
	// Description is shown to the Planner in the brief skill listing.
	Description string
	// Required lists the parameter names that must be present after
	// normalization.
	Required []string
	// Parameters is the JSON Schema (as a decoded document) describing the
	// skill's argument object. It is compiled once at registration time.
	Parameters map[string]any
	// Permission is read or write.
	Permission Permission
	// Normalize rewrites aliased argument keys into the declared parameter
	// names. May be nil, meaning no rewriting is necessary.
	Normalize Normalizer

	schema *jsonschema.Schema
}

// BriefEntry is what the Planner sees: name and description only.
type BriefEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// FullEntry is what the Executor sees when asking the LLM to bind a step's
// arguments: name, description, required list, and the parameter schema.
type FullEntry struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Required    []string       `json:"required"`
	Parameters  map[string]any `json:"parameters"`
	Permission  Permission     `json:"permission"`
}

// Compile compiles the Spec's JSON Schema document so Validate can be called
// repeatedly without re-parsing the schema on every invocation.
// skills.Registry.Register calls this automatically.
func (s *Spec) Compile() error {
	if s.Parameters == nil {
		return nil
	}
	raw, err := json.Marshal(s.Parameters)
	if err != nil {
		return fmt.Errorf("tools: marshal schema for %q: %w", s.Name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("tools: decode schema for %q: %w", s.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	const resource = "mem://skill-schema"
	if err := compiler.AddResource(resource, doc); err != nil {
		return fmt.Errorf("tools: add schema resource for %q: %w", s.Name, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("tools: compile schema for %q: %w", s.Name, err)
	}
	s.schema = schema
	return nil
}

// Validate checks a normalized argument map against the Spec's JSON Schema.
// A Spec with no Parameters always validates.
func (s *Spec) Validate(args map[string]any) error {
	if s.schema == nil {
		return nil
	}
	return s.schema.Validate(args)
}

// Brief projects the Spec into the Planner-facing view.
func (s *Spec) Brief() BriefEntry {
	return BriefEntry{Name: s.Name, Description: s.Description}
}

// Full projects the Spec into the Executor-facing view.
func (s *Spec) Full() FullEntry {
	return FullEntry{
		Name:        s.Name,
		Description: s.Description,
		Required:    s.Required,
		Parameters:  s.Parameters,
		Permission:  s.Permission,
	}
}

// IsReadOnlyGate reports whether a skill name satisfies the Planner sub-loop's
// read-only gate predicate: the name must start with one of a fixed set of
// read-ish prefixes and must not contain any of a fixed set of mutating verbs.
// This mirrors spec.md's read-only gate exactly; it is a pure name check so it
// can be applied even to names absent from the Registry.
func IsReadOnlyGate(name string) bool {
	if !hasAnyPrefix(name, readPrefixes) {
		return false
	}
	return !containsAny(name, mutatingSubstrings)
}

var readPrefixes = []string{"read_", "get_", "list_", "search_", "query_", "check_"}

var mutatingSubstrings = []string{
	"delete", "remove", "update", "write", "create", "append",
	"set_", "move_", "copy_", "upload", "push", "merge",
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}
