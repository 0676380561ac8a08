// Package tools holds the registry of callable tools and their input schemas.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

var (
	ErrDuplicateTool = errors.New("duplicate tool")
	ErrUnknownTool   = errors.New("unknown tool")
)

// InvalidParamsError reports arguments that do not satisfy a tool's schema.
type InvalidParamsError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *InvalidParamsError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid arguments for %s: %s: %s", e.Tool, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Reason)
}

// ExecutionError carries a handler failure. It is reported to clients as
// tool result content, not as a protocol error.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string { return e.Err.Error() }

func (e *ExecutionError) Unwrap() error { return e.Err }

// Message is the failure as shown to clients, capitalized.
func (e *ExecutionError) Message() string {
	msg := e.Err.Error()
	if msg == "" {
		return msg
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}

// Descriptor describes a registered tool.
type Descriptor struct {
	Name        string
	Description string
	InputSchema *openapi3.Schema
}

// MarshalJSON renders the descriptor in tools/list form.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	schema := d.InputSchema
	if schema == nil {
		schema = openapi3.NewObjectSchema()
	}
	return json.Marshal(struct {
		Name        string           `json:"name"`
		Description string           `json:"description,omitempty"`
		InputSchema *openapi3.Schema `json:"inputSchema"`
	}{d.Name, d.Description, schema})
}

// Content is a single block of tool output.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is the outcome of a tool call.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text returns a successful result with a single text block.
func Text(s string) Result {
	return Result{Content: []Content{{Type: "text", Text: s}}}
}

// Errorf returns a result flagged as an error.
func Errorf(format string, args ...any) Result {
	r := Text(fmt.Sprintf(format, args...))
	r.IsError = true
	return r
}

// Call is a single invocation handed to a Handler.
type Call struct {
	Name      string
	Arguments map[string]any
	Notifier  Notifier
}

// Number returns a numeric argument. Arguments are validated before the
// handler runs, so a missing value reads as zero.
func (c Call) Number(name string) float64 {
	switch v := c.Arguments[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// Handler executes a tool.
type Handler func(ctx context.Context, call Call) (Result, error)

type entry struct {
	desc    Descriptor
	handler Handler
}

// Registry maps tool names to handlers, preserving registration order.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]entry{}}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(d Descriptor, h Handler) error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("tool name is required")
	}
	if h == nil {
		return fmt.Errorf("tool %s: nil handler", d.Name)
	}
	if d.InputSchema == nil {
		d.InputSchema = openapi3.NewObjectSchema()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, d.Name)
	}
	r.entries[d.Name] = entry{desc: d, handler: h}
	r.order = append(r.order, d.Name)
	return nil
}

// MustRegister is Register for startup code; it panics on error.
func (r *Registry) MustRegister(d Descriptor, h Handler) {
	if err := r.Register(d, h); err != nil {
		panic(err)
	}
}

// List returns descriptors in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].desc)
	}
	return out
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Invoke validates args against the tool's schema, fills declared defaults
// and runs the handler. Handler failures are wrapped in *ExecutionError.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, n Notifier) (Result, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := validate(e.desc, args); err != nil {
		return Result{}, err
	}
	if n == nil {
		n = Discard
	}
	res, err := e.handler(ctx, Call{Name: name, Arguments: args, Notifier: n})
	if err != nil {
		return Result{}, &ExecutionError{Tool: name, Err: err}
	}
	if res.Content == nil {
		res.Content = []Content{}
	}
	return res, nil
}

func validate(d Descriptor, args map[string]any) error {
	err := d.InputSchema.VisitJSON(args, openapi3.VisitAsRequest(), openapi3.DefaultsSet(func() {}))
	if err == nil {
		return nil
	}
	ipe := &InvalidParamsError{Tool: d.Name, Reason: err.Error()}
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		ipe.Reason = se.Reason
		ipe.Field = strings.Join(se.JSONPointer(), ".")
	}
	return ipe
}
