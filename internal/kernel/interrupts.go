package kernel

import (
	"sync"
	"sync/atomic"
)

// InterruptGate models the cli/sti discipline of the single hardware
// thread. Closing the gate excludes every other path that touches shared
// scheduler or address-space state, which is exactly what disabling
// interrupts buys on real hardware. On a multi-core host the same gate
// doubles as the mutual exclusion the API boundary needs.
type InterruptGate struct {
	mu     sync.Mutex
	closed atomic.Bool

	closures uint64
}

// NewInterruptGate returns an open gate.
func NewInterruptGate() *InterruptGate { return &InterruptGate{} }

// Close disables interrupt delivery. It blocks until any other critical
// section has reopened the gate.
func (g *InterruptGate) Close() {
	g.mu.Lock()
	g.closed.Store(true)
	g.closures++
}

// Open re-enables interrupt delivery. Calling Open on an open gate is a
// logic bug and panics, mirroring a stray sti.
func (g *InterruptGate) Open() {
	if !g.closed.Load() {
		panic("interrupt gate: open while already open")
	}
	g.closed.Store(false)
	g.mu.Unlock()
}

// Closed reports whether interrupts are currently disabled.
func (g *InterruptGate) Closed() bool { return g.closed.Load() }
