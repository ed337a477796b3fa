// Package expr compiles the CEL rules the performance monitor evaluates
// against each sample.
package expr

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Environment declares the variables a rule may reference:
//
//	sample   map of the current performance sample (responseTimeMs,
//	         cacheHitRatio, requests, bandwidthBytes, regions)
//	previous map of the prior sample, empty on the first tick
type Environment struct {
	env *cel.Env
}

// NewEnvironment builds the rule environment.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("sample", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("previous", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupMapValue),
			),
		),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Program is a compiled rule.
type Program struct {
	source   string
	program  cel.Program
	wantBool bool
}

// Compile prepares a rule that must yield a boolean.
func (e *Environment) Compile(expression string) (Program, error) {
	return e.compile(expression, true)
}

// CompileValue prepares an expression of any result type.
func (e *Environment) CompileValue(expression string) (Program, error) {
	return e.compile(expression, false)
}

// EvalBool runs the program and coerces the result to bool.
func (p Program) EvalBool(vars map[string]any) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("expr: program not initialized")
	}
	if !p.wantBool {
		return false, fmt.Errorf("expr: program %q does not return a boolean", p.source)
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	if b, ok := val.(types.Bool); ok {
		return bool(b), nil
	}
	if val.Type() == types.BoolType {
		if b, ok := val.Value().(bool); ok {
			return b, nil
		}
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %T", p.source, val)
}

func (p Program) Source() string { return p.source }

// Eval runs the program and returns the native value.
func (p Program) Eval(vars map[string]any) (any, error) {
	if p.program == nil {
		return nil, fmt.Errorf("expr: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	return val.Value(), nil
}

func (e *Environment) compile(expression string, wantBool bool) (Program, error) {
	source := strings.TrimSpace(expression)
	if source == "" {
		return Program{}, fmt.Errorf("expr: expression required")
	}
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", source, issues.Err())
	}
	if wantBool {
		if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
			return Program{}, fmt.Errorf("expr: %q must return bool, got %s", source, cel.FormatCELType(t))
		}
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", source, err)
	}
	return Program{source: source, program: program, wantBool: wantBool}, nil
}

// lookupMapValue returns null instead of an error for absent keys, which
// lets rules probe optional region counts.
func lookupMapValue(mapVal ref.Val, key ref.Val) ref.Val {
	mapper, ok := mapVal.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup only supports string-key maps")
	}
	value, found := mapper.Find(key)
	if !found || value == nil {
		return types.NullValue
	}
	return value
}
