// Package objspace is a small embeddable object runtime that implements
// interp.Runtime and interp.Hooks.
//
// It models classes, modules, include proxies, singleton classes, instances
// with instance variables, and boxed literals. Methods are Go functions
// registered on a class or module; Send looks them up and fires the
// installed call hook around each invocation:
//
//	Send(self, "m")
//	   |
//	   +--> lookup: singleton -> class -> included modules -> superclass
//	   +--> push frame, CallHook(call)
//	   +--> body(self, args)
//	   +--> CallHook(return), pop frame
//
// Expressions are compiled with expr-lang and cached in an LRU keyed by
// source text. A Space assumes a single executing goroutine at a time,
// the way an interpreter lock would, but its tables are safe to read from
// any goroutine.
package objspace
