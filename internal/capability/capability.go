// Package capability holds the registry of side-effecting operations the
// model may invoke mid-call, and the dispatcher that routes an invocation to
// its executor.
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
	"go.uber.org/zap"

	"github.com/gcaracciolo/juniper/internal/micstate"
)

var ErrUnknownCapability = errors.New("unknown capability")

// Error wraps anything an executor returns or panics with. It is recoverable:
// the relay reports it back to the model as a structured failure and the call
// continues.
type Error struct {
	Name string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("capability %s failed: %v", e.Name, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Context is the shared read-only call context handed to every executor.
// Executors must be safe for concurrent use; any mutation happens through the
// supplied callbacks, which the owning relay serializes.
type Context struct {
	CallSID string
	Caller  string
	Callee  string

	Mic           *micstate.State
	ApplyMode     func(micstate.Mode)
	EndCall       func(reason string)
	RecordMessage func(ctx context.Context, to, body string) error

	Now    func() time.Time
	Logger *zap.Logger
}

func (c *Context) now() time.Time {
	if c != nil && c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Executor runs one capability invocation with normalized arguments.
type Executor func(ctx context.Context, args map[string]any, call *Context) (any, error)

// Declaration describes a capability to the model. Parameters is a struct
// value whose JSON schema becomes the function-call argument schema.
type Declaration struct {
	Name        string
	Description string
	Parameters  any
}

// ParameterSchema renders the declaration's argument schema.
func (d Declaration) ParameterSchema() *jsonschema.Schema {
	if d.Parameters == nil {
		return &jsonschema.Schema{Type: "object"}
	}
	reflector := jsonschema.Reflector{DoNotReference: true, Anonymous: true}
	schema := reflector.Reflect(d.Parameters)
	schema.Version = ""
	return schema
}

type Capability struct {
	Declaration
	Execute Executor
}

// Registry is the static name->capability table built at startup.
type Registry struct {
	order  []string
	byName map[string]Capability
}

func NewRegistry(caps ...Capability) (*Registry, error) {
	r := &Registry{byName: make(map[string]Capability, len(caps))}
	for _, c := range caps {
		if c.Name == "" {
			return nil, errors.New("capability with empty name")
		}
		if c.Execute == nil {
			return nil, fmt.Errorf("capability %s has no executor", c.Name)
		}
		if _, dup := r.byName[c.Name]; dup {
			return nil, fmt.Errorf("duplicate capability %s", c.Name)
		}
		r.byName[c.Name] = c
		r.order = append(r.order, c.Name)
	}
	return r, nil
}

func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Declarations() []Declaration {
	out := make([]Declaration, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].Declaration)
	}
	return out
}

// ToolDef is the function-tool shape the realtime session.update payload
// expects.
type ToolDef struct {
	Type        string             `json:"type"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

func (r *Registry) ToolDefs() []ToolDef {
	out := make([]ToolDef, 0, len(r.order))
	for _, name := range r.order {
		c := r.byName[name]
		out = append(out, ToolDef{
			Type:        "function",
			Name:        c.Name,
			Description: c.Description,
			Parameters:  c.ParameterSchema(),
		})
	}
	return out
}

// Dispatcher invokes capability executors and normalizes their failures.
type Dispatcher struct {
	registry *Registry
	logger   *zap.Logger
}

func NewDispatcher(registry *Registry, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{registry: registry, logger: logger}
}

// Dispatch runs the named capability. An absent name fails with
// ErrUnknownCapability without side effects; anything the executor returns or
// panics with is wrapped in *Error and never crashes the call.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any, call *Context) (result any, err error) {
	entry, ok := d.registry.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("capability executor panicked",
				zap.String("capability", name), zap.Any("panic", r))
			result = nil
			err = &Error{Name: name, Err: fmt.Errorf("executor panic: %v", r)}
		}
	}()

	result, execErr := entry.Execute(ctx, args, call)
	if execErr != nil {
		return nil, &Error{Name: name, Err: execErr}
	}
	return result, nil
}
