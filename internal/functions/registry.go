// Package functions holds the operations the conversation model may call
// mid-call, and the dispatcher that validates, runs and logs them.
package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	validator "github.com/santhosh-tekuri/jsonschema/v5"
	"google.golang.org/genai"

	"github.com/haasonsaas/callbridge/internal/storage"
)

var (
	ErrNotFound      = errors.New("function not found")
	ErrAuthRequired  = errors.New("authentication required")
	ErrInvalidArgs   = errors.New("invalid arguments")
	ErrDuplicateName = errors.New("function already registered")
)

// ExecContext is what a handler knows about the call that invoked it.
type ExecContext struct {
	CallID       string
	AgentID      string
	UserID       string
	CallerNumber string
	Stores       storage.StoreSet
	Now          time.Time
}

// Handler runs a function on raw JSON arguments that already passed schema
// validation.
type Handler func(ctx context.Context, ec ExecContext, args json.RawMessage) (any, error)

// Definition is a registered function.
type Definition struct {
	Name         string
	Description  string
	Schema       map[string]any
	RequiresAuth bool

	handler   Handler
	validator *validator.Schema
}

// Declaration returns the model-facing declaration.
func (d *Definition) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  ToGeminiSchema(d.Schema),
	}
}

// Validate checks args against the definition's schema.
func (d *Definition) Validate(args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if err := d.validator.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

// Registry maps function names to definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a function whose arguments decode into T. The argument
// schema is reflected from T.
func Register[T any](r *Registry, name, description string, requiresAuth bool, fn func(ctx context.Context, ec ExecContext, args T) (any, error)) error {
	var zero T
	schema, err := reflectSchema(zero)
	if err != nil {
		return fmt.Errorf("reflect %s schema: %w", name, err)
	}
	compiled, err := compileSchema(name, schema)
	if err != nil {
		return fmt.Errorf("compile %s schema: %w", name, err)
	}
	def := &Definition{
		Name:         name,
		Description:  description,
		Schema:       schema,
		RequiresAuth: requiresAuth,
		validator:    compiled,
		handler: func(ctx context.Context, ec ExecContext, raw json.RawMessage) (any, error) {
			var args T
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
				}
			}
			return fn(ctx, ec, args)
		},
	}
	return r.add(def)
}

func (r *Registry) add(def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Definitions returns every definition sorted by name.
func (r *Registry) Definitions() []*Definition {
	r.mu.RLock()
	defs := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	r.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Schemas returns the tool set announced to the model during setup.
func (r *Registry) Schemas() []*genai.Tool {
	defs := r.Definitions()
	if len(defs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		decls = append(decls, def.Declaration())
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}
