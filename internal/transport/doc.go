// Package transport carries encoded tuples between the traced process and
// one external peer as datagrams.
//
// Every operation is non-blocking. Callers retry transient failures a
// bounded number of times with SendWithRetry and RecvWithRetry, and treat
// ErrPeerGone as permanent.
//
//	traced process                              client
//	┌──────────────────────────┐   commands   ┌──────────────────────┐
//	│ bound: calltrace-P.ctl   │ ◄─────────── │ unbound              │
//	│ unbound                  │ ───────────► │ bound: calltrace-P   │
//	└──────────────────────────┘    events    └──────────────────────┘
//
// Socket is the unix datagram implementation. Pipe is an in-memory pair
// with the same semantics, used by tests and embedded hosts.
package transport
