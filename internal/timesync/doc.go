// Package timesync provides the microsecond clocks used to timestamp call
// events and to time slow calls, and the conversion of those timestamps
// back to wall-clock time on the consumer side.
//
// Timestamps on the wire are microseconds since the Unix epoch. CPU time
// is the process's user time as reported by getrusage.
package timesync
