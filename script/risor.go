package script

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// RisorEngine compiles and evaluates Risor scripts with a fixed set of
// globals. Scripts run sandboxed: no filesystem, network, or process access
// is exposed beyond the provided globals.
type RisorEngine struct {
	globals map[string]any
}

// NewRisorEngine creates a scripting engine with the given base globals.
func NewRisorEngine(globals map[string]any) *RisorEngine {
	return &RisorEngine{globals: globals}
}

// Compile parses and compiles a script for repeated evaluation.
func (e *RisorEngine) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}
	var globalNames []string
	for name := range e.globals {
		globalNames = append(globalNames, name)
	}
	sort.Strings(globalNames)

	compiledCode, err := compiler.Compile(ast, compiler.WithGlobalNames(globalNames))
	if err != nil {
		return nil, err
	}
	return &RisorScript{engine: e, code: compiledCode}, nil
}

// RisorScript is a compiled Risor script.
type RisorScript struct {
	engine *RisorEngine
	code   *compiler.Code
}

// Evaluate runs the script. Per-call globals override engine globals.
func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(s.engine.globals)+len(globals))
	for name, value := range s.engine.globals {
		combined[name] = value
	}
	for name, value := range globals {
		combined[name] = value
	}
	value, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate script: %w", err)
	}
	return &RisorValue{obj: value}, nil
}

// RisorValue wraps a Risor object as a script Value.
type RisorValue struct {
	obj object.Object
}

func (v *RisorValue) Value() any {
	return ToGo(v.obj)
}

func (v *RisorValue) IsTruthy() bool {
	switch obj := v.obj.(type) {
	case *object.Bool:
		return obj.Value()
	case *object.Int:
		return obj.Value() != 0
	case *object.Float:
		return obj.Value() != 0.0
	case *object.String:
		s := obj.Value()
		return s != "" && strings.ToLower(s) != "false"
	case *object.List:
		return len(obj.Value()) > 0
	case *object.Map:
		return len(obj.Value()) > 0
	default:
		return obj.IsTruthy()
	}
}

func (v *RisorValue) String() string {
	switch obj := v.obj.(type) {
	case *object.String:
		return obj.Value()
	case *object.Int:
		return fmt.Sprintf("%d", obj.Value())
	case *object.Float:
		return fmt.Sprintf("%g", obj.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", obj.Value())
	case *object.Time:
		return obj.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	default:
		return obj.Inspect()
	}
}

// DefaultGlobals returns the base globals exposed to workflow scripts: the
// Risor builtin modules plus empty placeholders for the workflow bindings.
func DefaultGlobals() map[string]any {
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		globals[name] = value
	}
	globals["input"] = object.NewMap(map[string]object.Object{})
	globals["data"] = object.NewMap(map[string]object.Object{})
	globals["output"] = object.NewMap(map[string]object.Object{})
	return globals
}
