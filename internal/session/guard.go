package session

import "sync/atomic"

// Guard is the process-wide reentrancy flag.
type Guard struct {
	busy atomic.Bool
}

// TryEnter takes the guard. It returns false, without blocking, when the
// guard is already held.
func (g *Guard) TryEnter() bool {
	return g.busy.CompareAndSwap(false, true)
}

// Exit releases the guard.
func (g *Guard) Exit() {
	g.busy.Store(false)
}

// Held reports whether the guard is taken.
func (g *Guard) Held() bool {
	return g.busy.Load()
}
