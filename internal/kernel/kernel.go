package kernel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/selenia-project/helios/internal/heap"
)

// Kernel owns every subsystem as one instance. There are no package
// globals; independent kernels can coexist in one host process.
type Kernel struct {
	cfg Config
	log *slog.Logger

	Frames   *FrameAllocator
	Gate     *InterruptGate
	Spaces   *AddressSpaceManager
	Heap     *heap.Pool
	Table    *ProcessTable
	Sched    *Scheduler
	Syscalls *SyscallHandler
	Faults   *FaultHandler
	Loader   *Loader

	arch    ArchContext
	console io.Writer
	haltFn  func(reason string)

	mu         sync.Mutex
	booted     bool
	halted     atomic.Bool
	haltReason string
}

// Option customizes kernel construction.
type Option func(*Kernel)

// WithLogger replaces the default text logger.
func WithLogger(log *slog.Logger) Option { return func(k *Kernel) { k.log = log } }

// WithConsole redirects user write-syscall output.
func WithConsole(w io.Writer) Option { return func(k *Kernel) { k.console = w } }

// WithArch substitutes the architecture context implementation.
func WithArch(arch ArchContext) Option { return func(k *Kernel) { k.arch = arch } }

// WithHaltHook replaces the kernel-fault halt action. The hook must not
// return control to the faulting path in production use; tests use it to
// observe the halt instead of exiting.
func WithHaltHook(fn func(reason string)) Option { return func(k *Kernel) { k.haltFn = fn } }

// New constructs an unbooted kernel from cfg.
func New(cfg Config, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	k := &Kernel{
		cfg:     cfg,
		console: os.Stdout,
		arch:    NewSimContext(),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.log == nil {
		k.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.LogLevel),
		}))
	}
	if k.haltFn == nil {
		k.haltFn = func(reason string) {
			k.log.Error("system halted", "reason", reason)
		}
	}
	return k, nil
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Boot brings the subsystems up in dependency order: frames, the kernel
// address-space template, the heap, the process table, the scheduler and
// finally the privilege boundary. A failed stage leaves the kernel
// unbooted.
func (k *Kernel) Boot() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.booted {
		return fmt.Errorf("already booted")
	}

	k.log.Info("boot: physical memory", "bytes", k.cfg.MemoryBytes)
	frames, err := NewFrameAllocator(k.cfg.MemoryBytes)
	if err != nil {
		return fmt.Errorf("boot frames: %w", err)
	}
	k.Frames = frames

	k.log.Info("boot: kernel image region", "frames", k.cfg.KernelFrames)
	for f := Frame(0); uint32(f) < k.cfg.KernelFrames; f++ {
		if err := frames.Reserve(f); err != nil {
			return fmt.Errorf("boot reserve: %w", err)
		}
	}

	k.Gate = NewInterruptGate()
	k.Spaces = NewAddressSpaceManager(frames, k.Gate)
	if err := k.Spaces.MapKernelRegion(k.cfg.KernelFrames); err != nil {
		return fmt.Errorf("boot kernel mapping: %w", err)
	}

	k.log.Info("boot: kernel heap", "bytes", k.cfg.HeapPoolBytes)
	pool, err := heap.New(
		heap.WithPoolSize(k.cfg.HeapPoolBytes),
		heap.WithCoalesceInterval(k.cfg.HeapCoalesceInterval),
	)
	if err != nil {
		return fmt.Errorf("boot heap: %w", err)
	}
	k.Heap = pool

	k.log.Info("boot: process table", "slots", k.cfg.MaxProcesses)
	table, err := NewProcessTable(k.cfg.MaxProcesses, k.cfg.StackBytes, pool, k.Spaces)
	if err != nil {
		return fmt.Errorf("boot process table: %w", err)
	}
	k.Table = table

	k.Sched = NewScheduler(table, k.Spaces, k.Gate, k.arch, k.log)
	k.Sched.SetQuantumBase(k.cfg.QuantumBase)
	k.Sched.SetAgingThreshold(k.cfg.AgingThreshold)

	k.Syscalls = NewSyscallHandler(table, k.Spaces, k.Sched, k.console, k.log)
	k.Faults = NewFaultHandler(table, k.Sched, k.onHalt, k.log)
	k.Loader = NewLoader(table, k.Spaces, k.Sched, k.log)

	k.booted = true
	k.log.Info("boot complete", "api", KernelAPIVersion,
		"free_frames", frames.Stats().FreeFrames)
	return nil
}

func (k *Kernel) onHalt(reason string) {
	if k.halted.CompareAndSwap(false, true) {
		k.haltReason = reason
		k.haltFn(reason)
	}
}

// Halted reports whether a kernel-mode fault stopped the system, and why.
func (k *Kernel) Halted() (bool, string) {
	if !k.halted.Load() {
		return false, ""
	}
	return true, k.haltReason
}

// Tick forwards one timer interrupt to the scheduler. A halted system
// ignores the timer.
func (k *Kernel) Tick() {
	if k.halted.Load() {
		return
	}
	k.Sched.Tick()
}

// Run drives the scheduler from a timer source until ctx is cancelled,
// the system halts, or no live process remains.
func (k *Kernel) Run(ctx context.Context, timer TimerSource) error {
	if !k.booted {
		return ErrNotBooted
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := timer.Run(ctx, func() {
		k.Tick()
		if k.halted.Load() || len(k.Table.Live()) == 0 {
			cancel()
		}
	})
	if err == context.Canceled && ctx.Err() == context.Canceled {
		return nil
	}
	return err
}

// Shutdown terminates every live process and releases its resources.
// The kernel cannot be rebooted afterwards.
func (k *Kernel) Shutdown() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.booted {
		return ErrNotBooted
	}

	k.Gate.Close()
	err := k.Spaces.SwitchTo(k.Spaces.KernelSpace())
	k.Gate.Open()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	for _, pcb := range k.Table.Live() {
		if pcb.State != StateTerminated {
			if err := k.Table.Destroy(pcb.PID); err != nil {
				return fmt.Errorf("shutdown pid %d: %w", pcb.PID, err)
			}
		}
		if err := k.Table.Reclaim(pcb); err != nil {
			return fmt.Errorf("shutdown pid %d: %w", pcb.PID, err)
		}
	}

	k.log.Info("shutdown complete")
	return nil
}

// Stats aggregates the counters of every subsystem.
type Stats struct {
	Frames    FrameStats
	Heap      heap.Stats
	Scheduler SchedulerStats
	Syscalls  SyscallStats
	Faults    FaultStats
	Created   uint64
	Destroyed uint64
	Switches  uint64
}

// Stats returns a snapshot across all subsystems.
func (k *Kernel) Stats() Stats {
	created, destroyed := k.Table.Counts()
	return Stats{
		Frames:    k.Frames.Stats(),
		Heap:      k.Heap.Stats(),
		Scheduler: k.Sched.Stats(),
		Syscalls:  k.Syscalls.Stats(),
		Faults:    k.Faults.Stats(),
		Created:   created,
		Destroyed: destroyed,
		Switches:  k.Spaces.Switches(),
	}
}
