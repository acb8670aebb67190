package output

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mrzor/calltrace/internal/eventprocessor"
	"github.com/mrzor/calltrace/internal/log"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// CallRecord is one finished call as stored by a Recorder.
type CallRecord struct {
	Seq       int64
	PID       int
	Rule      int
	Query     string
	Class     string
	Method    string
	Native    bool
	Singleton bool
	Slow      bool
	Start     time.Time
	Duration  time.Duration
	Depth     int
	Exprs     map[string]string
}

// Name renders the call as Class#method or Class.method.
func (r *CallRecord) Name() string {
	c := eventprocessor.Call{Class: r.Class, Method: r.Method, Singleton: r.Singleton}
	return c.Name()
}

// CallSummary aggregates the calls of one method.
type CallSummary struct {
	Name  string
	Count int
	Total time.Duration
	Max   time.Duration
}

type openCall struct {
	call  *eventprocessor.Call
	depth int
	exprs map[string]string
}

// Recorder persists finished calls, slow calls and collections to SQLite.
type Recorder struct {
	db  *sql.DB
	pid int

	mu      sync.Mutex
	open    map[int][]*openCall
	nesting int
	gcStart uint64
	inGC    bool
}

var _ eventprocessor.TraceHandler = (*Recorder)(nil)

// OpenRecorder opens or creates a recording database at path for the
// traced process pid.
func OpenRecorder(path string, pid int) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// one writer; the driver serializes anyway
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		_ = db.Close() //nolint:errcheck // error path
		return nil, err
	}

	return &Recorder{db: db, pid: pid, open: make(map[int][]*openCall)}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			pid         INTEGER NOT NULL,
			rule        INTEGER NOT NULL,
			query       TEXT NOT NULL,
			class       TEXT NOT NULL,
			method      TEXT NOT NULL,
			native      INTEGER NOT NULL,
			singleton   INTEGER NOT NULL,
			slow        INTEGER NOT NULL,
			start_us    INTEGER NOT NULL,
			duration_us INTEGER NOT NULL,
			depth       INTEGER NOT NULL,
			exprs       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_calls_method ON calls(class, method);
		CREATE TABLE IF NOT EXISTS gcs (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			pid         INTEGER NOT NULL,
			start_us    INTEGER NOT NULL,
			duration_us INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

// HandleCall opens a call; it is stored when it returns.
func (r *Recorder) HandleCall(c *eventprocessor.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.open[c.Rule] = append(r.open[c.Rule], &openCall{call: c, depth: r.nesting, exprs: map[string]string{}})
	r.nesting++
	return nil
}

// HandleExprValue attaches a value to the open call of its rule.
func (r *Recorder) HandleExprValue(v *eventprocessor.ExprValue) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stack := r.open[v.Rule]; len(stack) > 0 {
		stack[len(stack)-1].exprs[v.Expr] = v.Value
	}
	return nil
}

// HandleReturn stores the innermost open call of the rule.
func (r *Recorder) HandleReturn(ret *eventprocessor.Return) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nesting > 0 {
		r.nesting--
	}
	stack := r.open[ret.Rule]
	if len(stack) == 0 {
		return nil
	}
	oc := stack[len(stack)-1]
	r.open[ret.Rule] = stack[:len(stack)-1]

	c := oc.call
	return r.insertCall(&CallRecord{
		PID:       r.pid,
		Rule:      c.Rule,
		Query:     c.Query,
		Class:     c.Class,
		Method:    c.Method,
		Native:    c.Native,
		Singleton: c.Singleton,
		Start:     c.Time(),
		Duration:  elapsed(c.TS, ret.TS),
		Depth:     oc.depth,
		Exprs:     oc.exprs,
	})
}

// HandleSlow stores a slow call.
func (r *Recorder) HandleSlow(s *eventprocessor.Slow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.insertCall(&CallRecord{
		PID:       r.pid,
		Rule:      eventprocessor.SentinelRule,
		Class:     s.Class,
		Method:    s.Method,
		Native:    s.Native,
		Singleton: s.Singleton,
		Slow:      true,
		Start:     s.Time(),
		Duration:  s.Duration,
		Depth:     s.Depth,
	})
}

// HandleGC stores collections that reported both phases.
func (r *Recorder) HandleGC(g *eventprocessor.GC) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch g.Phase {
	case eventprocessor.GCStart:
		r.gcStart, r.inGC = g.TS, true
	case eventprocessor.GCEnd:
		if !r.inGC {
			return nil
		}
		r.inGC = false
		_, err := r.db.Exec(`INSERT INTO gcs (pid, start_us, duration_us) VALUES (?, ?, ?)`,
			r.pid, int64(r.gcStart), int64(elapsed(r.gcStart, g.TS)/time.Microsecond)) //nolint:gosec // wire timestamps fit in int64
		if err != nil {
			return fmt.Errorf("inserting gc: %w", err)
		}
	case eventprocessor.GCMark:
		if r.inGC {
			return nil
		}
		_, err := r.db.Exec(`INSERT INTO gcs (pid, start_us, duration_us) VALUES (?, ?, 0)`,
			r.pid, int64(g.TS)) //nolint:gosec // wire timestamps fit in int64
		if err != nil {
			return fmt.Errorf("inserting gc: %w", err)
		}
	}
	return nil
}

// ResetRule drops the open calls of a reused rule slot.
func (r *Recorder) ResetRule(rule int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.open, rule)
}

func (r *Recorder) insertCall(rec *CallRecord) error {
	exprs := rec.Exprs
	if exprs == nil {
		exprs = map[string]string{}
	}
	exprsJSON, err := json.Marshal(exprs)
	if err != nil {
		return fmt.Errorf("marshaling exprs: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO calls (pid, rule, query, class, method, native, singleton, slow, start_us, duration_us, depth, exprs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.PID, rec.Rule, rec.Query, rec.Class, rec.Method, rec.Native, rec.Singleton, rec.Slow,
		rec.Start.UnixMicro(), rec.Duration.Microseconds(), rec.Depth, string(exprsJSON))
	if err != nil {
		return fmt.Errorf("inserting call: %w", err)
	}
	return nil
}

// Count returns the number of stored calls.
func (r *Recorder) Count() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM calls`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting calls: %w", err)
	}
	return n, nil
}

// GCCount returns the number of stored collections.
func (r *Recorder) GCCount() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM gcs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting gcs: %w", err)
	}
	return n, nil
}

// Recent returns the last n stored calls, newest first.
func (r *Recorder) Recent(n int) ([]*CallRecord, error) {
	rows, err := r.db.Query(`
		SELECT seq, pid, rule, query, class, method, native, singleton, slow, start_us, duration_us, depth, exprs
		FROM calls ORDER BY seq DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("querying calls: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only

	var out []*CallRecord
	for rows.Next() {
		var (
			rec        CallRecord
			startUs    int64
			durationUs int64
			exprsJSON  string
		)
		if err := rows.Scan(&rec.Seq, &rec.PID, &rec.Rule, &rec.Query, &rec.Class, &rec.Method,
			&rec.Native, &rec.Singleton, &rec.Slow, &startUs, &durationUs, &rec.Depth, &exprsJSON); err != nil {
			return nil, fmt.Errorf("scanning call: %w", err)
		}
		rec.Start = time.UnixMicro(startUs)
		rec.Duration = time.Duration(durationUs) * time.Microsecond
		if err := json.Unmarshal([]byte(exprsJSON), &rec.Exprs); err != nil {
			return nil, fmt.Errorf("unmarshaling exprs: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Summary aggregates stored calls per method, slowest total first.
func (r *Recorder) Summary() ([]CallSummary, error) {
	rows, err := r.db.Query(`
		SELECT class, method, singleton, COUNT(*), SUM(duration_us), MAX(duration_us)
		FROM calls GROUP BY class, method, singleton
		ORDER BY SUM(duration_us) DESC, class, method
	`)
	if err != nil {
		return nil, fmt.Errorf("querying summary: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only

	var out []CallSummary
	for rows.Next() {
		var (
			class, method string
			singleton     bool
			s             CallSummary
			total, most   int64
		)
		if err := rows.Scan(&class, &method, &singleton, &s.Count, &total, &most); err != nil {
			return nil, fmt.Errorf("scanning summary: %w", err)
		}
		s.Name = (&CallRecord{Class: class, Method: method, Singleton: singleton}).Name()
		s.Total = time.Duration(total) * time.Microsecond
		s.Max = time.Duration(most) * time.Microsecond
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the database. Calls still open are not stored.
func (r *Recorder) Close() error {
	r.mu.Lock()
	open := 0
	for _, stack := range r.open {
		open += len(stack)
	}
	r.mu.Unlock()

	if open > 0 {
		log.Debug("discarding open calls", "count", open)
	}
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}
