// Package command drains control messages from the inbound channel and
// applies them to a session.
//
// Commands are msgpack tuples whose first element names the command:
//
//	attach(pid)          detach()
//	watch(ms)            watchcpu(ms)        unwatch()
//	firehose()           gc()                devmode()
//	add(query, slow)     addexpr(expr)       remove(query | id)
//	eval(expr)
//
// Tuples with the wrong arity or argument kinds are ignored.
package command
