package registry

import (
	"strings"

	"github.com/mrzor/calltrace/internal/interp"
)

// Rule is one registered filter. A zero filter field is a wildcard.
type Rule struct {
	ID        int
	Query     string
	Method    interp.MethodID
	Class     interp.Value
	Self      interp.Value
	ClassName string
	Singleton bool
	Slow      bool
	Exprs     []string
}

// Resolver turns query fragments into interpreter identities.
type Resolver interface {
	Resolve(expr string) (interp.Value, error)
	Intern(name string) interp.MethodID
}

// ClassNamer names classes for verbose-mode matching.
type ClassNamer interface {
	ClassName(klass interp.Value) string
}

// Candidate is a normalized call notification.
type Candidate struct {
	Method    interp.MethodID
	Class     interp.Value
	Self      interp.Value
	Singleton bool
}

// Target is the identity reported for the candidate: the receiver for
// singleton calls, the class otherwise.
func (c Candidate) Target() interp.Value {
	if c.Singleton {
		return c.Self
	}
	return c.Class
}

// query is a parsed query string.
type query struct {
	target    string
	method    string
	singleton bool
}

// parseQuery splits on the last '.' first, then on the last '#'.
func parseQuery(q string) query {
	if i := strings.LastIndexByte(q, '.'); i >= 0 {
		return query{target: q[:i], method: q[i+1:], singleton: true}
	}
	if i := strings.LastIndexByte(q, '#'); i >= 0 {
		return query{target: q[:i], method: q[i+1:]}
	}
	return query{method: q}
}

func (r *Rule) matches(c Candidate) bool {
	return (r.Method == 0 || r.Method == c.Method) &&
		(r.Class == interp.Nil || r.Class == c.Class) &&
		(r.Self == interp.Nil || r.Self == c.Self)
}

func (r *Rule) matchesByName(c Candidate, names ClassNamer) bool {
	if r.Method != 0 && r.Method != c.Method {
		return false
	}
	if r.ClassName == "" {
		return true
	}
	return r.Singleton == c.Singleton && names.ClassName(c.Target()) == r.ClassName
}
