package kernel

import "sync"

// RegisterFile is the full CPU register snapshot saved into a PCB across
// a context switch: general registers, stack and instruction pointers and
// the flags word, in the i386 layout the paging geometry implies.
type RegisterFile struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP      uint32
	ESP, EIP           uint32
	EFLAGS             uint32
}

// ArchContext is the narrow architecture-specific layer behind the
// context switch. Save captures the live register file into a PCB
// snapshot; Restore loads a snapshot back onto the CPU. The scheduler and
// switch logic only ever talk to this interface, so porting means
// replacing one implementation.
type ArchContext interface {
	Save(dst *RegisterFile)
	Restore(src *RegisterFile)
}

// SimContext is the simulated CPU register file used by the host-run
// kernel. It is the default ArchContext.
type SimContext struct {
	mu   sync.Mutex
	regs RegisterFile
}

// NewSimContext returns a zeroed simulated register file.
func NewSimContext() *SimContext { return &SimContext{} }

// Save copies the live registers into dst.
func (c *SimContext) Save(dst *RegisterFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*dst = c.regs
}

// Restore loads src onto the simulated CPU.
func (c *SimContext) Restore(src *RegisterFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs = *src
}

// Regs returns a copy of the live register file.
func (c *SimContext) Regs() RegisterFile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs
}

// SetRegs replaces the live register file. Syscall entry paths use it to
// stage arguments the way a trap frame would.
func (c *SimContext) SetRegs(regs RegisterFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs = regs
}
