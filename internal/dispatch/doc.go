// Package dispatch turns interpreter notifications into trace events.
//
// Each call or return is normalized (native frames are identified through
// the runtime, include proxies are unwrapped, singleton calls on classes
// are detected) and matched against the registry. A hit either goes
// through the slow-call timing path or is traced directly:
//
//	notification -> normalize -> registry.Match
//	                                 |
//	              timed? ------------+------------ traced
//	                |                                |
//	   push entry on call,                names, call/return,
//	   pop and compare on return          expression values
//	                |
//	   slow event when over threshold
//
// Handlers take the session guard and return immediately when it is held,
// so notifications raised while the agent itself is working (expression
// evaluation, command processing) are never traced.
package dispatch
