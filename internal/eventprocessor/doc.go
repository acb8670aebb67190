// Package eventprocessor turns decoded wire events from a traced process
// into resolved call records and routes them to handlers.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│   eventstream (event socket reader)     │
//	└─────────────────┬───────────────────────┘
//	                  │ wire.Event
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   eventprocessor                        │  ← Event routing
//	│   - Resolves mid/klass identities       │
//	│   - Tracks rules and their expressions  │
//	│   - Drops trace events before attach    │
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ attached/detached/add/remove/newexpr/evaled/during_gc
//	          │        ──→ ControlHandler (the client handshake)
//	          │
//	          └──→ call/return/exprval/slow/gc
//	                   ──→ TraceHandler(s)
//	                       - text output
//	                       - OTEL spans
//	                       - sqlite recording
//
// Rule state lives here so every trace handler sees the same query text
// and expression labels. Handlers that keep per-rule state of their own
// implement RuleResetter to learn when a slot is reused.
package eventprocessor
