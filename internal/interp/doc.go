// Package interp declares what the tracing core needs from the embedding
// interpreter: call/return notifications, a way to install and remove the
// call hook, and a handful of reflective queries.
//
// The core consumes these interfaces and never implements them. The
// objspace package is a reference implementation.
package interp
