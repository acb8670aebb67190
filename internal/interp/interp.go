package interp

// Value is an opaque object identity. Nil is the zero value.
type Value uint64

// Nil is the absent value.
const Nil Value = 0

// MethodID is an interned method name identity. Zero means unknown.
type MethodID uint64

// Kind is a notification kind.
type Kind uint8

// Notification kinds.
const (
	Call Kind = iota + 1
	CCall
	Return
	CReturn
)

// IsCall reports whether k is a method entry.
func (k Kind) IsCall() bool { return k == Call || k == CCall }

// IsNative reports whether k concerns a natively implemented method.
func (k Kind) IsNative() bool { return k == CCall || k == CReturn }

func (k Kind) String() string {
	switch k {
	case Call:
		return "call"
	case CCall:
		return "c-call"
	case Return:
		return "return"
	case CReturn:
		return "c-return"
	default:
		return "unknown"
	}
}

// Notification is one call or return reported by the interpreter. Method
// and Class may be zero for native frames; the core then asks the Runtime
// for the current frame.
type Notification struct {
	Kind   Kind
	Method MethodID
	Self   Value
	Class  Value
}

// GCPhase is a garbage collector phase.
type GCPhase uint8

// GC phases. GCCycle reports a collection as a single point in time, for
// runtimes that do not expose phases.
const (
	GCStart GCPhase = iota + 1
	GCEnd
	GCCycle
)

// Evaluator runs expressions inside the interpreter.
type Evaluator interface {
	// Resolve evaluates expr in global scope and returns the resulting
	// object.
	Resolve(expr string) (Value, error)
	// Evaluate evaluates expr with self bound to the receiver (or global
	// scope when self is Nil) and returns the inspected result.
	Evaluate(self Value, expr string) (string, error)
}

// Runtime is the reflective surface the core queries.
type Runtime interface {
	Evaluator

	// Intern returns the identity for a method name.
	Intern(name string) MethodID
	// MethodName returns the name behind an identity.
	MethodName(id MethodID) string
	// ClassName returns the human-readable name of a class or module.
	ClassName(klass Value) string
	// CurrentFrame returns the method and class of the executing frame.
	CurrentFrame() (MethodID, Value)
	// ResolveClass unwraps an include proxy to the module it stands for
	// and reports whether the result is a singleton class.
	ResolveClass(klass Value) (resolved Value, singleton bool)
	// IsModule reports whether v is a class or module object.
	IsModule(v Value) bool
	// Inspect returns the inspection string of v.
	Inspect(v Value) string
	// InspectError returns the inspection string of an evaluation error.
	InspectError(err error) string
	// InstanceVariable returns the named instance variable of self, or Nil.
	InstanceVariable(self Value, name string) Value
	// SourceLocation returns the file and line of the current call site.
	SourceLocation() (file string, line int)
	// DuringGC reports whether the collector is running.
	DuringGC() bool
	// IsAllocator reports whether id is the object allocator, whose
	// notifications are not traced.
	IsAllocator(id MethodID) bool
}

// CallHook receives call and return notifications.
type CallHook func(n Notification)

// GCHook receives collector phase notifications.
type GCHook func(phase GCPhase)

// Hooks installs and removes interpreter callbacks. Installing twice
// replaces the previous hook.
type Hooks interface {
	SetCallHook(h CallHook)
	ClearCallHook()
	SetGCHook(h GCHook)
	ClearGCHook()
}
