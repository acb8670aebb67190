package output

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mrzor/calltrace/internal/eventprocessor"
	"github.com/mrzor/calltrace/internal/timesync"
)

// DefaultPrefix indents one nesting level.
const DefaultPrefix = "  "

// timeColumnWidth is the width of the start-time column.
const timeColumnWidth = 16

// TextOptions configure a TextFormatter.
type TextOptions struct {
	// Prefix is repeated once per nesting level.
	Prefix string
	// ShowTime prefixes each call with its HH:MM:SS.micros start time.
	ShowTime bool
	// HideDuration omits the <seconds> suffix on returns.
	HideDuration bool
	// WatchSlow adds a blank line after gc markers, matching slow output.
	WatchSlow bool
}

// textRule is the per-rule state of the nested output.
type textRule struct {
	times   []uint64
	names   []string
	last    string
	arglist bool
}

// TextFormatter prints calls as an indented tree:
//
//	Foo#bar(@x=1)
//	  Kernel#sleep <0.100123>
//	Foo#bar <0.100456>
type TextFormatter struct {
	mu   sync.Mutex
	out  io.Writer
	opts TextOptions
	err  error

	rules          map[int]*textRule
	lastRule       *textRule
	nesting        int
	maxNesting     int
	lastNesting    int
	printedNewline bool
	gcStart        uint64
	inGC           bool
}

var _ eventprocessor.TraceHandler = (*TextFormatter)(nil)

// NewTextFormatter creates a formatter writing to out.
func NewTextFormatter(out io.Writer, opts TextOptions) *TextFormatter {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	return &TextFormatter{
		out:            out,
		opts:           opts,
		rules:          make(map[int]*textRule),
		printedNewline: true,
	}
}

// ResetRule forgets the open calls of a reused rule slot.
func (f *TextFormatter) ResetRule(rule int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rules, rule)
}

// Newline ends the current line unless it is already ended.
func (f *TextFormatter) Newline() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newline()
	return f.err
}

// HandleCall prints the call at the current nesting and opens a level.
func (f *TextFormatter) HandleCall(c *eventprocessor.Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.rule(c.Rule)
	name := c.Name()
	r.times = append(r.times, c.TS)
	r.names = append(r.names, name)

	if f.lastRule != nil && f.lastRule.arglist {
		f.print(")")
		f.lastRule.arglist = false
	}
	f.newline()
	if f.opts.ShowTime {
		f.print(timeColumn(c.TS))
	}
	f.indent(f.nesting)
	f.print(name)

	f.nesting++
	f.maxNesting = max(f.maxNesting, f.nesting)
	f.lastNesting = f.nesting
	f.lastRule = r
	r.last = levelKey(name, f.nesting-1)
	return f.err
}

// HandleExprValue appends expr=value to the open argument list.
func (f *TextFormatter) HandleExprValue(v *eventprocessor.ExprValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.rule(v.Rule)
	if r.arglist {
		f.print(", ")
	} else {
		f.print("(")
	}
	f.print(v.Expr + "=" + v.Value)
	r.arglist = true
	return f.err
}

// HandleReturn closes the innermost open call of the rule and prints its
// duration. A call with nothing nested inside it is finished on its own
// line.
func (f *TextFormatter) HandleReturn(ret *eventprocessor.Return) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.rule(ret.Rule)
	if f.nesting > 0 {
		f.nesting--
	}

	if n := len(r.times); n > 0 {
		start, name := r.times[n-1], r.names[n-1]
		r.times, r.names = r.times[:n-1], r.names[:n-1]
		key := levelKey(name, f.nesting)

		if f.lastRule != nil && f.lastRule.last != key {
			f.lastRule.arglist = false
		}
		if f.lastRule != nil && f.lastRule.arglist {
			f.print(")")
		}
		if r != f.lastRule || f.lastRule.last != key {
			f.newline()
			if f.opts.ShowTime {
				f.print(strings.Repeat(" ", timeColumnWidth))
			}
			f.indent(f.nesting)
			f.print(name)
		}
		if !f.opts.HideDuration {
			f.print(" " + durationTag(elapsed(start, ret.TS)))
		}
		f.newline()

		if f.nesting == 0 && f.maxNesting > 1 {
			f.puts()
		}
	}

	r.arglist = false
	f.lastNesting = f.nesting
	return f.err
}

// HandleSlow prints one slow call on its own line.
func (f *TextFormatter) HandleSlow(s *eventprocessor.Slow) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.newline()
	nesting := s.Depth
	if f.nesting > 0 {
		nesting = f.nesting
	}

	if f.opts.ShowTime {
		f.print(timeColumn(s.TS))
	}
	f.indent(nesting)
	f.print(s.Name())
	if !f.opts.HideDuration {
		f.print(" " + durationTag(s.Duration))
	}
	f.puts()
	if nesting == 0 && f.maxNesting > 1 {
		f.puts()
	}

	f.maxNesting = max(f.maxNesting, nesting)
	f.lastNesting = nesting
	return f.err
}

// HandleGC prints garbage_collect markers.
func (f *TextFormatter) HandleGC(g *eventprocessor.GC) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch g.Phase {
	case eventprocessor.GCStart:
		f.gcStart, f.inGC = g.TS, true
		f.print("garbage_collect")
	case eventprocessor.GCEnd:
		if f.inGC && !f.opts.HideDuration {
			f.print(" " + durationTag(elapsed(f.gcStart, g.TS)))
		}
		f.inGC = false
		f.newline()
	case eventprocessor.GCMark:
		if f.inGC {
			break
		}
		f.newline()
		if f.opts.ShowTime {
			f.print(timeColumn(g.TS))
		}
		f.indent(f.lastNesting)
		f.print("garbage_collect")
		if f.opts.WatchSlow {
			f.puts()
		}
	}
	return f.err
}

func (f *TextFormatter) rule(id int) *textRule {
	r, ok := f.rules[id]
	if !ok {
		r = &textRule{}
		f.rules[id] = r
	}
	return r
}

func (f *TextFormatter) indent(n int) {
	if n > 0 {
		f.print(strings.Repeat(f.opts.Prefix, n))
	}
}

func (f *TextFormatter) print(s string) {
	f.printedNewline = false
	f.write(s)
}

func (f *TextFormatter) puts() {
	f.printedNewline = true
	f.write("\n")
}

func (f *TextFormatter) newline() {
	if !f.printedNewline {
		f.puts()
	}
}

func (f *TextFormatter) write(s string) {
	if f.err != nil {
		return
	}
	if _, err := io.WriteString(f.out, s); err != nil {
		f.err = fmt.Errorf("writing trace output: %w", err)
	}
}

func levelKey(name string, nesting int) string {
	return fmt.Sprintf("%s:%d", name, nesting)
}

func timeColumn(ts uint64) string {
	return timesync.FromMicros(ts).Format("15:04:05.000000 ")
}

func durationTag(d time.Duration) string {
	return fmt.Sprintf("<%f>", d.Seconds())
}

func elapsed(start, end uint64) time.Duration {
	if end < start {
		return 0
	}
	return time.Duration(end-start) * time.Microsecond //nolint:gosec // bounded by wire timestamps
}
