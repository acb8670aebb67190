package timesync

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Clock reads the two time bases used by the tracer.
type Clock interface {
	// WallMicros returns microseconds since the Unix epoch.
	WallMicros() uint64
	// CPUMicros returns the process's user CPU time in microseconds.
	CPUMicros() uint64
}

// System is the process clock.
type System struct{}

// WallMicros implements Clock.
func (System) WallMicros() uint64 {
	//nolint:gosec // the epoch is in the past
	return uint64(time.Now().UnixMicro())
}

// CPUMicros implements Clock. It returns 0 if getrusage fails.
func (System) CPUMicros() uint64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	//nolint:gosec // rusage values are non-negative
	return uint64(ru.Utime.Sec)*1_000_000 + uint64(ru.Utime.Usec)
}

// Manual is a Clock that only moves when told to. It is safe for
// concurrent use.
type Manual struct {
	wall atomic.Uint64
	cpu  atomic.Uint64
}

// NewManual returns a manual clock starting at the given wall time.
func NewManual(wallMicros uint64) *Manual {
	m := &Manual{}
	m.wall.Store(wallMicros)
	return m
}

// WallMicros implements Clock.
func (m *Manual) WallMicros() uint64 { return m.wall.Load() }

// CPUMicros implements Clock.
func (m *Manual) CPUMicros() uint64 { return m.cpu.Load() }

// Advance moves wall time forward by d microseconds.
func (m *Manual) Advance(d uint64) { m.wall.Add(d) }

// AdvanceCPU moves CPU time forward by d microseconds.
func (m *Manual) AdvanceCPU(d uint64) { m.cpu.Add(d) }

// Converter turns wire timestamps into wall-clock times and offsets from
// the first timestamp it saw.
type Converter struct {
	start uint64
}

// NewConverter creates a converter with no reference point yet.
func NewConverter() *Converter {
	return &Converter{}
}

// FromMicros converts a wire timestamp to wall-clock time.
func FromMicros(us uint64) time.Time {
	//nolint:gosec // wire timestamps fit in int64
	return time.UnixMicro(int64(us))
}

// WallClock converts a wire timestamp to wall-clock time and records the
// first timestamp as the reference point.
func (c *Converter) WallClock(us uint64) time.Time {
	if c.start == 0 {
		c.start = us
	}
	return FromMicros(us)
}

// SinceStart returns how long after the reference point us is. Timestamps
// before the reference point yield zero.
func (c *Converter) SinceStart(us uint64) time.Duration {
	if c.start == 0 || us < c.start {
		return 0
	}
	//nolint:gosec // bounded by the difference of two wire timestamps
	return time.Duration(us-c.start) * time.Microsecond
}

// Start returns the reference point, or zero before the first timestamp.
func (c *Converter) Start() uint64 {
	return c.start
}

// Micros returns d as a whole number of microseconds.
func Micros(d time.Duration) uint64 {
	if d < 0 {
		return 0
	}
	return uint64(d / time.Microsecond)
}
