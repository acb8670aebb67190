package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/mrzor/calltrace/internal/interp"
)

// Table limits and reserved ids.
const (
	MaxRules       = 100
	MaxExpressions = 10
	// Sentinel is reported for hits not bound to a rule.
	Sentinel = 255
	// NoRule is acknowledged when an operation did not apply.
	NoRule = -1
)

var (
	ErrTableFull          = errors.New("rule table is full")
	ErrEmptyQuery         = errors.New("query names no method, class or receiver")
	ErrUnresolved         = errors.New("query target did not resolve")
	ErrNoSuchRule         = errors.New("no such rule")
	ErrTooManyExpressions = errors.New("rule has the maximum number of expressions")
)

// SlowWatch is the slow-call watch configuration.
type SlowWatch struct {
	ThresholdUsec uint64
	CPU           bool
}

// Options configure a Registry.
type Options struct {
	// SlowAllRules sends every match through the timing path while the
	// slow watch is on, not only slow-variant rules.
	SlowAllRules bool
}

// Hit is the outcome of a successful Match.
type Hit struct {
	// Rule is a copy of the matched rule; valid when Bound.
	Rule  Rule
	Bound bool
	// Timed is set when the notification goes through the slow-call
	// timing path instead of being traced.
	Timed   bool
	Slow    SlowWatch
	Verbose bool
}

// RuleID returns the id to report for the hit.
func (h Hit) RuleID() uint32 {
	if !h.Bound {
		return Sentinel
	}
	return uint32(h.Rule.ID) //nolint:gosec // ids are below MaxRules
}

// Registry is safe for concurrent use. Mutations take the write lock and
// Match takes the read lock.
type Registry struct {
	mu        sync.RWMutex
	opts      Options
	slots     [MaxRules]*Rule
	count     int
	slowCount int
	firehose  bool
	slow      *SlowWatch
	gc        bool
	verbose   bool
}

// New returns an empty registry.
func New(opts Options) *Registry {
	return &Registry{opts: opts}
}

// AddRule parses q and stores a rule in the lowest free slot. Evaluation
// errors from res are swallowed into ErrUnresolved. Query targets are
// resolved without holding the lock, so res may call back into the
// interpreter freely.
func (r *Registry) AddRule(q string, slow bool, res Resolver) (int, error) {
	r.mu.RLock()
	full, verbose := r.count >= MaxRules, r.verbose
	r.mu.RUnlock()
	if full {
		return NoRule, ErrTableFull
	}

	rule, err := buildRule(q, slow, verbose, res)
	if err != nil {
		return NoRule, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := slices.Index(r.slots[:], nil)
	if id < 0 {
		return NoRule, ErrTableFull
	}
	rule.ID = id
	r.slots[id] = rule
	r.count++
	if slow {
		r.slowCount++
	}
	return id, nil
}

func buildRule(q string, slow, verbose bool, res Resolver) (*Rule, error) {
	parsed := parseQuery(q)
	rule := &Rule{Query: q, Singleton: parsed.singleton, Slow: slow}
	if parsed.method != "" {
		rule.Method = res.Intern(parsed.method)
	}

	if verbose {
		rule.ClassName = parsed.target
		if rule.Method == 0 && rule.ClassName == "" {
			return nil, ErrEmptyQuery
		}
		return rule, nil
	}

	if parsed.target != "" {
		v, err := res.Resolve(parsed.target)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", parsed.target, errors.Join(ErrUnresolved, err))
		}
		if v == interp.Nil {
			return nil, fmt.Errorf("%s: %w", parsed.target, ErrUnresolved)
		}
		if parsed.singleton {
			rule.Self = v
		} else {
			rule.Class = v
		}
	}
	if rule.Method == 0 && rule.Class == interp.Nil && rule.Self == interp.Nil {
		return nil, ErrEmptyQuery
	}
	return rule, nil
}

// RemoveQuery removes the first rule whose query text equals q and
// returns it.
func (r *Registry) RemoveQuery(q string) (Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, rule := range r.slots {
		if rule != nil && rule.Query == q {
			return r.removeLocked(id), nil
		}
	}
	return Rule{ID: NoRule, Query: q}, ErrNoSuchRule
}

// RemoveID removes the rule in slot id and returns it.
func (r *Registry) RemoveID(id int) (Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id < 0 || id >= MaxRules || r.slots[id] == nil {
		return Rule{ID: NoRule}, ErrNoSuchRule
	}
	return r.removeLocked(id), nil
}

func (r *Registry) removeLocked(id int) Rule {
	removed := *r.slots[id]
	if removed.Slow {
		r.slowCount--
	}
	r.slots[id] = nil
	r.count--
	return removed
}

// AddExpression appends expr to rule id and returns its index.
func (r *Registry) AddExpression(id int, expr string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id < 0 || id >= MaxRules || r.slots[id] == nil {
		return NoRule, ErrNoSuchRule
	}
	rule := r.slots[id]
	if len(rule.Exprs) >= MaxExpressions {
		return NoRule, ErrTooManyExpressions
	}
	// copy so hits handed out earlier keep their own slice
	rule.Exprs = append(slices.Clip(rule.Exprs), expr)
	return len(rule.Exprs) - 1, nil
}

// EnableFirehose makes every call match.
func (r *Registry) EnableFirehose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.firehose = true
}

// EnableSlowWatch turns on the slow-call watch and clears firehose mode.
// The first enable wins: it reports false and changes nothing when the
// watch is already on.
func (r *Registry) EnableSlowWatch(thresholdUsec uint64, cpu bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.slow != nil {
		return false
	}
	r.slow = &SlowWatch{ThresholdUsec: thresholdUsec, CPU: cpu}
	r.firehose = false
	return true
}

// DisableSlowWatch turns the slow-call watch off.
func (r *Registry) DisableSlowWatch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slow = nil
}

// EnableGC subscribes to collector notifications.
func (r *Registry) EnableGC() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gc = true
}

// SetVerbose toggles verbose mode.
func (r *Registry) SetVerbose(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verbose = v
}

// Reset drops every rule and mode.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.slots[:])
	r.count = 0
	r.slowCount = 0
	r.firehose = false
	r.slow = nil
	r.gc = false
	r.verbose = false
}

// Active reports whether anything needs the call hook.
func (r *Registry) Active() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count > 0 || r.firehose || r.slow != nil
}

// GC reports whether collector notifications were requested.
func (r *Registry) GC() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gc
}

// Verbose reports whether verbose mode is on.
func (r *Registry) Verbose() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.verbose
}

// Firehose reports whether firehose mode is on.
func (r *Registry) Firehose() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.firehose
}

// Slow returns the slow watch configuration when it is on.
func (r *Registry) Slow() (SlowWatch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.slow == nil {
		return SlowWatch{}, false
	}
	return *r.slow, true
}

// Count returns the number of live rules.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Rules returns copies of the live rules in slot order.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Rule, 0, r.count)
	for _, rule := range r.slots {
		if rule != nil {
			out = append(out, *rule)
		}
	}
	return out
}

// Match selects the rule for c:
//   - firehose mode matches everything, unbound;
//   - otherwise the first rule in slot order whose filters all match,
//     skipping slow-variant rules while the slow watch is off;
//   - otherwise, with the slow watch on and no slow-variant rules, an
//     unbound timed hit.
func (r *Registry) Match(c Candidate, names ClassNamer) (Hit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	globalSlow := r.slow != nil && r.slowCount == 0

	var hit Hit
	switch {
	case r.firehose:
	case r.count > 0:
		if rule := r.firstLocked(c, names); rule != nil {
			hit.Rule = *rule
			hit.Bound = true
		} else if !globalSlow {
			return Hit{}, false
		}
	case globalSlow:
	default:
		return Hit{}, false
	}

	if r.slow != nil {
		hit.Slow = *r.slow
		hit.Timed = !hit.Bound || hit.Rule.Slow || r.opts.SlowAllRules
	}
	hit.Verbose = r.verbose
	return hit, true
}

func (r *Registry) firstLocked(c Candidate, names ClassNamer) *Rule {
	seen := 0
	for _, rule := range r.slots {
		if seen == r.count {
			break
		}
		if rule == nil {
			continue
		}
		seen++

		if rule.Slow && r.slow == nil {
			continue
		}
		if r.verbose {
			if rule.matchesByName(c, names) {
				return rule
			}
		} else if rule.matches(c) {
			return rule
		}
	}
	return nil
}
