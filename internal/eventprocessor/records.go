package eventprocessor

import (
	"time"

	"github.com/mrzor/calltrace/internal/timesync"
)

// UnknownMethod is printed for method identities never announced.
const UnknownMethod = "(unknown)"

// Call is a resolved method entry.
type Call struct {
	TS        uint64
	Rule      int
	Query     string
	Native    bool
	Method    string
	Class     string
	Singleton bool
}

// Time returns the entry wall-clock time.
func (c *Call) Time() time.Time { return timesync.FromMicros(c.TS) }

// Name renders the call as Class#method or Class.method.
func (c *Call) Name() string { return qualifiedName(c.Class, c.Method, c.Singleton) }

// Return is a method exit for the innermost open call of Rule.
type Return struct {
	TS     uint64
	Rule   int
	Native bool
}

// Time returns the exit wall-clock time.
func (r *Return) Time() time.Time { return timesync.FromMicros(r.TS) }

// ExprValue is the result of an expression attached to Rule.
type ExprValue struct {
	Rule  int
	Index int
	Expr  string
	Value string
}

// Slow is a call that exceeded the slow-watch threshold.
type Slow struct {
	TS        uint64
	Duration  time.Duration
	Depth     int
	Native    bool
	Method    string
	Class     string
	Singleton bool
}

// Time returns the entry wall-clock time.
func (s *Slow) Time() time.Time { return timesync.FromMicros(s.TS) }

// Name renders the call as Class#method or Class.method.
func (s *Slow) Name() string { return qualifiedName(s.Class, s.Method, s.Singleton) }

// GCPhase distinguishes the three collector events.
type GCPhase int

const (
	GCStart GCPhase = iota
	GCEnd
	GCMark
)

func (p GCPhase) String() string {
	switch p {
	case GCStart:
		return "gc_start"
	case GCEnd:
		return "gc_end"
	default:
		return "gc"
	}
}

// GC is a collector event.
type GC struct {
	Phase GCPhase
	TS    uint64
}

// Time returns the event wall-clock time.
func (g *GC) Time() time.Time { return timesync.FromMicros(g.TS) }

func qualifiedName(class, method string, singleton bool) string {
	if method == "" {
		method = UnknownMethod
	}
	if class == "" {
		return method
	}
	if singleton {
		return class + "." + method
	}
	return class + "#" + method
}
