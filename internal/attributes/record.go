package attributes

import (
	"os"
	"strings"
)

// Record is the evaluation context of one traced call. Session-level
// evaluations (trace and parent IDs) only fill the process fields.
type Record struct {
	PID        int
	Env        map[string]string
	Args       []string
	Cmdline    string
	Method     string
	Class      string
	Name       string
	Query      string
	Rule       int
	Native     bool
	Singleton  bool
	DurationUs uint64
	Exprs      map[string]string
}

// exprEnv is the type-checking prototype shared by every evaluator.
var exprEnv = map[string]interface{}{
	"env":         map[string]string{},
	"pid":         0,
	"args":        []string{},
	"cmdline":     "",
	"method":      "",
	"class":       "",
	"name":        "",
	"query":       "",
	"rule":        0,
	"native":      false,
	"singleton":   false,
	"duration_us": 0,
	"exprs":       map[string]string{},
}

func (r *Record) env() map[string]interface{} {
	env := r.Env
	if env == nil {
		env = map[string]string{}
	}
	exprs := r.Exprs
	if exprs == nil {
		exprs = map[string]string{}
	}
	args := r.Args
	if args == nil {
		args = []string{}
	}
	return map[string]interface{}{
		"env":         env,
		"pid":         r.PID,
		"args":        args,
		"cmdline":     r.Cmdline,
		"method":      r.Method,
		"class":       r.Class,
		"name":        r.Name,
		"query":       r.Query,
		"rule":        r.Rule,
		"native":      r.Native,
		"singleton":   r.Singleton,
		"duration_us": int(r.DurationUs), //nolint:gosec // durations fit in int
		"exprs":       exprs,
	}
}

// Environ returns the current process environment as a map. It stands in
// for the traced process environment when that cannot be read.
func Environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
