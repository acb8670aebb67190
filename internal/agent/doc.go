// Package agent assembles the in-process side of calltrace.
//
// An Agent binds the control socket derived from the process id, owns the
// session and wires the dispatcher into the runtime's hooks. Commands are
// applied only from Poll, which the host calls at a safe point on the
// interpreter's goroutine, never beside a dispatch in progress. A signal
// (SIGURG by default) or a readable control socket marks commands as
// pending; Serve watches the socket on a background goroutine.
package agent
