// Package wire encodes trace events and decodes control commands.
//
// Every message is one msgpack array: a short ASCII tag (packed as bin)
// followed by kind-specific fields. Field values are a closed set of
// primitive kinds represented by Value:
//
//	Bool    true/false
//	Int32   signed, compact integer encoding
//	Uint32  unsigned, compact integer encoding
//	Uint64  unsigned, compact integer encoding (timestamps, identities)
//	Bytes   bin string
//
// Outbound events (traced process -> peer):
//
//	mid      id:u64 name:bytes
//	klass    id:u64 name:bytes
//	call     ts:u64 rule:u32 mid:u64 singleton:bool klass:u64
//	ccall    (same as call, native method)
//	return   ts:u64 rule:u32
//	creturn  (same as return, native method)
//	slow     entry_ts:u64 elapsed_us:u64 depth:u32 mid:u64 singleton:bool klass:u64
//	cslow    (same as slow, native method)
//	exprval  rule:i32 expr:i32 value:bytes
//	add      rule:i32 query:bytes
//	remove   rule:i32 query:bytes
//	newexpr  rule:i32 expr:i32 text:bytes
//	attached pid:u32
//	detached pid:u32
//	evaled   value:bytes
//	gc_start ts:u64
//	gc_end   ts:u64
//	gc       ts:u64
//	during_gc
//
// Inbound commands use the same framing; see Command.
//
// Integers are packed in their smallest msgpack form, so a decoder cannot
// recover the declared kind of a non-negative integer. Decoded values
// therefore answer Int and Uint for any numeric kind that fits.
package wire
