// Package session owns the per-process tracing state: the rule registry,
// the attached peer, the name de-duplication sets, the outbound transport
// and the interpreter hooks.
//
// A Session is not safe for concurrent use. The dispatcher and the command
// processor both take the session's Guard before touching it, which makes
// them mutually exclusive and makes nested dispatch a no-op.
package session
