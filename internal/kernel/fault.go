package kernel

import (
	"fmt"
	"log/slog"
	"sync"
)

// FaultCode carries the hardware fault classification bits, laid out the
// way the i386 page-fault error code is.
type FaultCode uint32

const (
	FaultPresent FaultCode = 1 << 0 // fault on a present page (protection), not a miss
	FaultWrite   FaultCode = 1 << 1 // faulting access was a write
	FaultUser    FaultCode = 1 << 2 // fault raised while executing user code
)

func (c FaultCode) String() string {
	mode := "kernel"
	if c&FaultUser != 0 {
		mode = "user"
	}
	access := "read"
	if c&FaultWrite != 0 {
		access = "write"
	}
	cause := "not-present"
	if c&FaultPresent != 0 {
		cause = "protection"
	}
	return fmt.Sprintf("%s %s %s", mode, access, cause)
}

// FaultStats is a snapshot of fault-handler counters.
type FaultStats struct {
	UserFaults   uint64
	KernelFaults uint64
	KilledPIDs   uint64
}

// FaultHandler implements the page-fault policy: a fault in user code
// kills only the offending process and reschedules; a fault in kernel
// code is a logic bug and halts the whole system through the halt hook.
type FaultHandler struct {
	table *ProcessTable
	sched *Scheduler
	log   *slog.Logger
	halt  func(reason string)

	mu    sync.Mutex
	stats FaultStats
}

// NewFaultHandler wires the fault policy. halt is invoked exactly once
// per kernel-mode fault and must not return control to the faulting
// path; in tests it records the reason instead of stopping a machine.
func NewFaultHandler(table *ProcessTable, sched *Scheduler, halt func(reason string), log *slog.Logger) *FaultHandler {
	return &FaultHandler{
		table: table,
		sched: sched,
		log:   log,
		halt:  halt,
	}
}

// HandleFault services one page fault at addr with classification code.
func (f *FaultHandler) HandleFault(addr VirtAddr, code FaultCode) error {
	if code&FaultUser == 0 {
		f.mu.Lock()
		f.stats.KernelFaults++
		f.mu.Unlock()
		reason := fmt.Sprintf("kernel page fault at %#x (%s)", uint32(addr), code)
		f.log.Error("unrecoverable fault", "addr", fmt.Sprintf("%#x", uint32(addr)), "code", code.String())
		f.halt(reason)
		return fmt.Errorf("%s: %w", reason, ErrKernelFault)
	}

	f.mu.Lock()
	f.stats.UserFaults++
	f.mu.Unlock()

	cur := f.sched.Current()
	if cur == nil {
		// A user-mode fault with nobody running means corrupted state.
		f.mu.Lock()
		f.stats.KernelFaults++
		f.mu.Unlock()
		reason := fmt.Sprintf("user fault at %#x with no running process", uint32(addr))
		f.halt(reason)
		return fmt.Errorf("%s: %w", reason, ErrKernelFault)
	}

	cur.PageFaults++
	f.mu.Lock()
	f.stats.KilledPIDs++
	f.mu.Unlock()
	f.log.Warn("killing faulting process",
		"pid", cur.PID, "name", cur.Name,
		"addr", fmt.Sprintf("%#x", uint32(addr)), "code", code.String())

	if err := f.table.Destroy(cur.PID); err != nil {
		return fmt.Errorf("destroy faulting pid %d: %w", cur.PID, err)
	}
	// Pick a replacement right away rather than waiting for the next
	// timer interrupt.
	f.sched.Tick()
	return nil
}

// Stats returns a snapshot of the fault counters.
func (f *FaultHandler) Stats() FaultStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}
