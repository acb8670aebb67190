// Package attributes provides expression evaluation and validation for custom
// span attributes, trace IDs, and parent span IDs.
//
// Expressions are evaluated against a Record: the traced call (method,
// class, rule, duration, attached expression values) plus the traced
// process's pid, environment variables and command line, using the expr
// language.
//
// Three evaluators:
//   - Evaluator: Evaluates custom attribute expressions
//   - TraceIDEvaluator: Evaluates and validates trace ID expressions (32 hex chars)
//   - ParentIDEvaluator: Evaluates and validates parent span ID expressions (16 hex chars)
//
// Invalid trace IDs are automatically hashed with SHA-256 to produce valid IDs.
// Invalid parent IDs result in a null parent (zero span ID).
package attributes
