// Package output provides trace handlers that turn resolved call events
// into output formats.
//
//   - TextFormatter prints the nested call tree, expression values, slow
//     calls and collections as text.
//   - OTELFormatter creates OpenTelemetry spans: one per call/return pair,
//     one per slow call and one per collection. Custom attributes are
//     evaluated when a span ends.
//   - Recorder stores finished calls and collections in SQLite for later
//     aggregation.
//
// Formatters do NOT decode wire events or resolve identities; the
// eventprocessor package hands them fully resolved records through the
// eventprocessor.TraceHandler interface. Several formatters can be fed
// from one processor.
package output
