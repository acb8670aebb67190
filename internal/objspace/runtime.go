package objspace

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/mrzor/calltrace/internal/interp"
)

var _ interp.Runtime = (*Space)(nil)
var _ interp.Hooks = (*Space)(nil)

// Intern returns the identity of a method name.
func (s *Space) Intern(name string) interp.MethodID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.symbols[name]; ok {
		return id
	}
	id := interp.MethodID(len(s.names))
	s.symbols[name] = id
	s.names = append(s.names, name)
	return id
}

func (s *Space) MethodName(id interp.MethodID) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(id) >= len(s.names) {
		return ""
	}
	return s.names[id]
}

// ClassName names classes and modules by their constant, singleton classes
// as #<Class:target> and proxies by the module they stand for.
func (s *Space) ClassName(klass interp.Value) string {
	o := s.get(klass)
	if o == nil {
		return ""
	}
	switch o.kind {
	case kindClass, kindModule:
		return o.name
	case kindSingleton:
		return "#<Class:" + s.Inspect(o.target) + ">"
	case kindProxy:
		return s.ClassName(o.module)
	default:
		return s.ClassName(o.class)
	}
}

func (s *Space) CurrentFrame() (interp.MethodID, interp.Value) {
	f, ok := s.top()
	if !ok {
		return 0, interp.Nil
	}
	return f.m.id, f.m.holder
}

func (s *Space) ResolveClass(klass interp.Value) (interp.Value, bool) {
	o := s.get(klass)
	if o == nil {
		return klass, false
	}
	switch o.kind {
	case kindProxy:
		return o.module, false
	case kindSingleton:
		return klass, true
	default:
		return klass, false
	}
}

func (s *Space) IsModule(v interp.Value) bool {
	o := s.get(v)
	return o != nil && (o.kind == kindClass || o.kind == kindModule)
}

// Inspect renders v for humans.
func (s *Space) Inspect(v interp.Value) string {
	if v == interp.Nil {
		return "nil"
	}
	o := s.get(v)
	if o == nil {
		return fmt.Sprintf("#<unknown:%d>", v)
	}
	switch o.kind {
	case kindLiteral:
		return inspectLiteral(o.literal)
	case kindClass, kindModule, kindSingleton, kindProxy:
		return s.ClassName(v)
	}

	s.mu.RLock()
	keys := slices.Sorted(maps.Keys(o.ivars))
	vals := make([]interp.Value, len(keys))
	for i, k := range keys {
		vals[i] = o.ivars[k]
	}
	s.mu.RUnlock()

	var b strings.Builder
	b.WriteString("#<")
	b.WriteString(s.ClassName(o.class))
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s.Inspect(vals[i]))
	}
	b.WriteByte('>')
	return b.String()
}

func inspectLiteral(lit any) string {
	switch x := lit.(type) {
	case nil:
		return "nil"
	case string:
		return strconv.Quote(x)
	default:
		return fmt.Sprint(x)
	}
}

// InspectError renders an evaluation failure the way an exception object
// would inspect.
func (s *Space) InspectError(err error) string {
	return "#<EvalError: " + err.Error() + ">"
}

func (s *Space) InstanceVariable(self interp.Value, name string) interp.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o := s.objects[self]
	if o == nil {
		return interp.Nil
	}
	return o.ivars[name]
}

// SourceLocation reports the definition site of the executing method.
func (s *Space) SourceLocation() (string, int) {
	f, ok := s.top()
	if !ok {
		return "", 0
	}
	return f.m.def.File, f.m.def.Line
}

func (s *Space) DuringGC() bool {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	return s.inGC
}

func (s *Space) IsAllocator(id interp.MethodID) bool {
	return id == s.allocate
}
