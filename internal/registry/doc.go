// Package registry holds the active trace rules and the global tracing
// modes, and decides which rule, if any, a call notification matches.
//
// Rules live in a fixed table of MaxRules slots. A rule keeps its slot id
// for its lifetime and freed slots are reused lowest first. Matching scans
// slots in order and the first hit wins.
//
// Queries take three shapes:
//
//	expr.method   receiver filter: expr is evaluated to an object, singleton
//	expr#method   class filter: expr is evaluated to a class
//	method        method name on any receiver
//
// In verbose mode queries are not evaluated; class filters compare class
// names instead of identities.
package registry
