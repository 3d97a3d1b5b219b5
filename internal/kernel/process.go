package kernel

import (
	"fmt"
	"sync"

	"github.com/selenia-project/helios/internal/heap"
)

// PID identifies a process. PID 0 is never assigned and means "none".
type PID uint32

// userHeapBase is where a process's dynamic memory region starts.
const userHeapBase VirtAddr = 0x40000000

// State is a PCB's position in the process state machine.
type State uint8

const (
	StateCreated State = iota
	StateReady
	StateRunning
	StateBlocked
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Priority is a scheduling class. Higher values preempt lower ones and
// earn longer time quanta.
type Priority int

const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityRealtime

	NumPriorities = 5
)

func (p Priority) String() string {
	switch p {
	case PriorityIdle:
		return "idle"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityRealtime:
		return "realtime"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// PCB is the kernel's record of one process: identity, scheduling state,
// the saved register snapshot, the owned address space and its kernel
// stack, plus accounting counters. PCBs live in fixed process-table slots
// and queues reference them by PID, never by pointer chains.
type PCB struct {
	PID    PID
	Parent PID
	Name   string

	State    State
	Priority Priority

	Regs  RegisterFile
	Space *AddressSpace

	Stack     heap.Ptr
	StackSize uint32

	// Break is the next unmapped user heap address; the mmap-style
	// syscall advances it.
	Break VirtAddr

	// Scheduling bookkeeping, in scheduler time units (ticks).
	TimesliceRemaining uint32
	WaitTime           uint64
	LastReadyTick      uint64

	// Accounting.
	CPUTime         uint64
	ContextSwitches uint64
	Syscalls        uint64
	PageFaults      uint64
	Preventions     uint64

	stackFreed bool
	spaceFreed bool
	slot       int
}

// ProcessTable owns the PCB slots. It allocates kernel stacks from the
// kernel heap (one page each) and clones address spaces from the kernel
// template.
type ProcessTable struct {
	mu      sync.Mutex
	slots   []*PCB
	nextPID PID

	kheap     *heap.Pool
	spaces    *AddressSpaceManager
	stackSize uint32

	created   uint64
	destroyed uint64
}

// NewProcessTable creates a table with maxProcs slots.
func NewProcessTable(maxProcs int, stackSize uint32, kheap *heap.Pool, spaces *AddressSpaceManager) (*ProcessTable, error) {
	if maxProcs < 1 {
		return nil, fmt.Errorf("process table: need at least one slot, got %d", maxProcs)
	}
	if stackSize == 0 {
		stackSize = PageSize
	}

	return &ProcessTable{
		slots:     make([]*PCB, maxProcs),
		nextPID:   1,
		kheap:     kheap,
		spaces:    spaces,
		stackSize: stackSize,
	}, nil
}

// Create allocates a PCB in the first free slot: a kernel stack from the
// heap, an address space cloned from the kernel template, and a register
// snapshot with ESP at the top of the stack and EIP at the entry point.
// The process starts in StateCreated; the scheduler admits it to Ready.
func (pt *ProcessTable) Create(name string, entry VirtAddr, pri Priority) (*PCB, error) {
	if pri < PriorityIdle || pri > PriorityRealtime {
		return nil, fmt.Errorf("create %q: priority %d out of range", name, pri)
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	slot := -1
	for i, pcb := range pt.slots {
		if pcb == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, fmt.Errorf("create %q: %w", name, ErrNoSlot)
	}

	stack, err := pt.kheap.Alloc(pt.stackSize, int(pri))
	if err != nil {
		return nil, fmt.Errorf("create %q: stack: %w", name, err)
	}

	pcb := &PCB{
		PID:       pt.nextPID,
		Name:      name,
		State:     StateCreated,
		Priority:  pri,
		Space:     pt.spaces.CreateSpace(),
		Stack:     stack,
		StackSize: pt.stackSize,
		Break:     userHeapBase,
		Regs: RegisterFile{
			ESP:    uint32(stack) + pt.stackSize, // stack grows downward
			EIP:    uint32(entry),
			EFLAGS: 0x202, // interrupts enabled
		},
		slot: slot,
	}

	pt.nextPID++
	pt.slots[slot] = pcb
	pt.created++
	return pcb, nil
}

// Get returns the PCB for pid, or ErrNoProcess.
func (pt *ProcessTable) Get(pid PID) (*PCB, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	for _, pcb := range pt.slots {
		if pcb != nil && pcb.PID == pid {
			return pcb, nil
		}
	}
	return nil, fmt.Errorf("pid %d: %w", pid, ErrNoProcess)
}

// Destroy marks the process Terminated and frees its kernel stack. The
// address space may still be the active one (a process exiting itself),
// so its teardown waits for Reclaim, which the scheduler runs once it has
// switched away. The scheduler also unlinks the PCB from whatever ready
// queue still references it.
func (pt *ProcessTable) Destroy(pid PID) error {
	pcb, err := pt.Get(pid)
	if err != nil {
		return err
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	pcb.State = StateTerminated
	return pt.freeStackLocked(pcb)
}

// Reclaim releases everything a terminated PCB still holds, including its
// address space, and frees the table slot. It is the lazy-GC hook the
// scheduler calls while scanning queues; the PCB's space must no longer
// be active.
func (pt *ProcessTable) Reclaim(pcb *PCB) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pcb.State != StateTerminated {
		return fmt.Errorf("reclaim pid %d: state %s", pcb.PID, pcb.State)
	}
	if pt.slots[pcb.slot] != pcb {
		return nil // already reclaimed
	}
	if err := pt.freeStackLocked(pcb); err != nil {
		return err
	}
	if !pcb.spaceFreed {
		pcb.spaceFreed = true
		if err := pt.spaces.Destroy(pcb.Space); err != nil {
			return fmt.Errorf("reclaim pid %d space: %w", pcb.PID, err)
		}
	}

	if pt.slots[pcb.slot] == pcb {
		pt.slots[pcb.slot] = nil
	}
	pt.destroyed++
	return nil
}

func (pt *ProcessTable) freeStackLocked(pcb *PCB) error {
	if pcb.stackFreed {
		return nil
	}
	pcb.stackFreed = true

	if err := pt.kheap.Free(pcb.Stack, int(pcb.Priority)); err != nil {
		return fmt.Errorf("release pid %d stack: %w", pcb.PID, err)
	}
	return nil
}

// Live returns the PCBs currently occupying slots.
func (pt *ProcessTable) Live() []*PCB {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	var out []*PCB
	for _, pcb := range pt.slots {
		if pcb != nil {
			out = append(out, pcb)
		}
	}
	return out
}

// Counts returns how many PCBs were created and destroyed.
func (pt *ProcessTable) Counts() (created, destroyed uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.created, pt.destroyed
}
