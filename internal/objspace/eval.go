package objspace

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/mrzor/calltrace/internal/interp"
)

// program returns the compiled form of src, compiling on a cache miss.
func (s *Space) program(src string) (*vm.Program, error) {
	if p, ok := s.programs.Get(src); ok {
		return p.(*vm.Program), nil //nolint:forcetypeassert // only programs are cached
	}
	p, err := expr.Compile(src)
	if err != nil {
		return nil, err
	}
	s.programs.Add(src, p)
	return p, nil
}

// Resolve evaluates src with every constant in scope. Constants evaluate
// to themselves, so "Foo" resolves to the Foo class. Other results are
// boxed.
func (s *Space) Resolve(src string) (interp.Value, error) {
	s.mu.RLock()
	if v, ok := s.constants[src]; ok {
		s.mu.RUnlock()
		return v, nil
	}
	env := make(map[string]any, len(s.constants))
	for name, v := range s.constants {
		env[name] = v
	}
	s.mu.RUnlock()

	p, err := s.program(src)
	if err != nil {
		return interp.Nil, err
	}
	out, err := expr.Run(p, env)
	if err != nil {
		return interp.Nil, err
	}
	if v, ok := out.(interp.Value); ok {
		return v, nil
	}
	return s.Box(out), nil
}

// Evaluate runs src with self bound to a view of the receiver: its
// instance variables without the '@' plus "class". Constants are in scope
// by name, as views.
func (s *Space) Evaluate(self interp.Value, src string) (string, error) {
	p, err := s.program(src)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.constants))
	vals := make([]interp.Value, 0, len(s.constants))
	for name, v := range s.constants {
		names = append(names, name)
		vals = append(vals, v)
	}
	s.mu.RUnlock()

	env := make(map[string]any, len(names)+1)
	for i, name := range names {
		env[name] = s.view(vals[i], 0)
	}
	env["self"] = s.view(self, 0)

	out, err := expr.Run(p, env)
	if err != nil {
		return "", err
	}
	return inspectResult(out), nil
}

const maxViewDepth = 4

// view converts an object to plain Go data for the expression engine.
func (s *Space) view(v interp.Value, depth int) any {
	if v == interp.Nil {
		return nil
	}
	o := s.get(v)
	if o == nil {
		return nil
	}
	switch o.kind {
	case kindLiteral:
		return o.literal
	case kindClass, kindModule, kindSingleton, kindProxy:
		return s.ClassName(v)
	}
	if depth >= maxViewDepth {
		return s.Inspect(v)
	}

	s.mu.RLock()
	ivars := make(map[string]interp.Value, len(o.ivars))
	for k, iv := range o.ivars {
		ivars[k] = iv
	}
	s.mu.RUnlock()

	m := make(map[string]any, len(ivars)+1)
	m["class"] = s.ClassName(o.class)
	for k, iv := range ivars {
		m[strings.TrimPrefix(k, "@")] = s.view(iv, depth+1)
	}
	return m
}

func inspectResult(out any) string {
	if out == nil {
		return "nil"
	}
	rv := reflect.ValueOf(out)
	switch rv.Kind() {
	case reflect.String:
		return fmt.Sprintf("%q", out)
	case reflect.Map, reflect.Slice, reflect.Array:
		return fmt.Sprintf("%v", out)
	default:
		return fmt.Sprint(out)
	}
}
