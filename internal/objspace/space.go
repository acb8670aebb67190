package objspace

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/mrzor/calltrace/internal/interp"
)

var (
	ErrNoMethod  = errors.New("undefined method")
	ErrNotObject = errors.New("not an object")
)

type objKind uint8

const (
	kindInstance objKind = iota + 1
	kindClass
	kindModule
	kindSingleton
	kindProxy
	kindLiteral
)

// Func is a method body.
type Func func(s *Space, self interp.Value, args []interp.Value) (interp.Value, error)

// Method describes a method definition.
type Method struct {
	Name string
	// Native methods are reported as c-call/c-return, without identity in
	// the notification.
	Native bool
	File   string
	Line   int
	Body   Func
}

type method struct {
	id     interp.MethodID
	def    Method
	holder interp.Value
}

type object struct {
	kind    objKind
	name    string
	class   interp.Value // instances and literals
	super   interp.Value // classes
	module  interp.Value // proxies
	target  interp.Value // singletons: the object they belong to
	single  interp.Value // singleton class, if created
	mixins  []interp.Value
	methods map[interp.MethodID]*method
	ivars   map[string]interp.Value
	literal any
}

// Options configure a Space.
type Options struct {
	// CacheSize bounds the compiled expression cache.
	CacheSize int
}

// Space is one object runtime.
type Space struct {
	mu        sync.RWMutex
	objects   map[interp.Value]*object
	next      interp.Value
	constants map[string]interp.Value
	symbols   map[string]interp.MethodID
	names     []string

	object   interp.Value
	allocate interp.MethodID

	hookMu   sync.Mutex
	callHook interp.CallHook
	gcHook   interp.GCHook

	frames []frame
	inGC   bool

	programs *lru.Cache
}

type frame struct {
	m    *method
	self interp.Value
}

// New creates a space with a root Object class.
func New(opts Options) (*Space, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression cache: %w", err)
	}

	s := &Space{
		objects:   make(map[interp.Value]*object),
		constants: make(map[string]interp.Value),
		symbols:   make(map[string]interp.MethodID),
		names:     []string{""},
		programs:  cache,
	}
	s.allocate = s.Intern("allocate")
	s.object = s.DefineClass("Object", interp.Nil)
	return s, nil
}

func (s *Space) alloc(o *object) interp.Value {
	s.next++
	id := s.next
	s.objects[id] = o
	return id
}

func (s *Space) get(v interp.Value) *object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[v]
}

// Object returns the root class.
func (s *Space) Object() interp.Value { return s.object }

// DefineClass creates a named class. A Nil super means Object.
func (s *Space) DefineClass(name string, super interp.Value) interp.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	if super == interp.Nil {
		super = s.object
	}
	v := s.alloc(&object{kind: kindClass, name: name, super: super, methods: map[interp.MethodID]*method{}})
	s.constants[name] = v
	return v
}

// DefineModule creates a named module.
func (s *Space) DefineModule(name string) interp.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.alloc(&object{kind: kindModule, name: name, methods: map[interp.MethodID]*method{}})
	s.constants[name] = v
	return v
}

// Include mixes module into klass and returns the proxy standing for it
// in klass's ancestry.
func (s *Space) Include(klass, module interp.Value) (interp.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, m := s.objects[klass], s.objects[module]
	if k == nil || m == nil || m.kind != kindModule {
		return interp.Nil, ErrNotObject
	}
	proxy := s.alloc(&object{kind: kindProxy, module: module})
	k.mixins = append(k.mixins, proxy)
	return proxy, nil
}

// Singleton returns the singleton class of v, creating it on first use.
func (s *Space) Singleton(v interp.Value) (interp.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.objects[v]
	if o == nil {
		return interp.Nil, ErrNotObject
	}
	if o.single == interp.Nil {
		o.single = s.alloc(&object{kind: kindSingleton, target: v, methods: map[interp.MethodID]*method{}})
	}
	return o.single, nil
}

// NewObject allocates an instance of klass. The allocation is reported to
// the call hook like any native call.
func (s *Space) NewObject(klass interp.Value) (interp.Value, error) {
	if o := s.get(klass); o == nil || o.kind != kindClass {
		return interp.Nil, ErrNotObject
	}
	alloc := &method{id: s.allocate, def: Method{Name: "allocate", Native: true}, holder: klass}
	s.enter(alloc, klass)
	s.mu.Lock()
	v := s.alloc(&object{kind: kindInstance, class: klass, ivars: map[string]interp.Value{}})
	s.mu.Unlock()
	s.leave(alloc, klass)
	return v, nil
}

// Box wraps a Go string, integer, float or bool as an object.
func (s *Space) Box(lit any) interp.Value {
	if lit == nil {
		return interp.Nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alloc(&object{kind: kindLiteral, class: s.object, literal: lit})
}

// Unbox returns the Go value held by a literal.
func (s *Space) Unbox(v interp.Value) (any, bool) {
	o := s.get(v)
	if o == nil || o.kind != kindLiteral {
		return nil, false
	}
	return o.literal, true
}

// SetIvar sets an instance variable. name includes the leading '@'.
func (s *Space) SetIvar(v interp.Value, name string, val interp.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.objects[v]
	if o == nil {
		return ErrNotObject
	}
	if o.ivars == nil {
		o.ivars = map[string]interp.Value{}
	}
	o.ivars[name] = val
	return nil
}

// SetConstant binds a global name.
func (s *Space) SetConstant(name string, v interp.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.constants[name] = v
}

// Define registers m on a class, module or singleton class.
func (s *Space) Define(owner interp.Value, m Method) error {
	id := s.Intern(m.Name)
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.objects[owner]
	if o == nil || o.methods == nil {
		return ErrNotObject
	}
	o.methods[id] = &method{id: id, def: m, holder: owner}
	return nil
}

// DefineSingleton registers m on the singleton class of v.
func (s *Space) DefineSingleton(v interp.Value, m Method) error {
	single, err := s.Singleton(v)
	if err != nil {
		return err
	}
	return s.Define(single, m)
}

// lookup walks the singleton class, the class and its ancestors. The
// returned method's holder is the proxy when the method comes from an
// included module.
func (s *Space) lookup(self interp.Value, id interp.MethodID) *method {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o := s.objects[self]
	if o == nil {
		return nil
	}
	if o.single != interp.Nil {
		if m := s.objects[o.single].methods[id]; m != nil {
			return m
		}
	}

	klass := o.class
	if o.kind == kindClass || o.kind == kindModule {
		// class-level calls only see singleton methods
		return nil
	}
	for klass != interp.Nil {
		k := s.objects[klass]
		if m := k.methods[id]; m != nil {
			return m
		}
		for i := len(k.mixins) - 1; i >= 0; i-- {
			proxy := k.mixins[i]
			mod := s.objects[s.objects[proxy].module]
			if m := mod.methods[id]; m != nil {
				return &method{id: m.id, def: m.def, holder: proxy}
			}
		}
		klass = k.super
	}
	return nil
}
