package kernel

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Default scheduler tunables, overridable through Config and reloadable
// at runtime.
const (
	DefaultQuantumBase    = 10
	DefaultAgingThreshold = 1000
)

// SchedulerStats is a snapshot of scheduler counters.
type SchedulerStats struct {
	Ticks                 uint64
	ContextSwitches       uint64
	IdleTicks             uint64
	StarvationPreventions uint64
	QuantumRefills        uint64
	LazyReclaims          uint64
}

// Scheduler is a multi-level feedback queue over the five priority
// classes. A timer tick drives accounting, preemption and selection; the
// anti-starvation rule promotes a same-priority process whose accumulated
// wait time crosses the aging threshold. One FIFO of PIDs per class keeps
// queue membership as indices rather than intrusive links.
type Scheduler struct {
	mu     sync.Mutex
	table  *ProcessTable
	spaces *AddressSpaceManager
	gate   *InterruptGate
	arch   ArchContext
	log    *slog.Logger

	queues  [NumPriorities][]PID
	current *PCB
	clock   uint64

	// Tunables are atomics so a config reload can adjust them while the
	// timer keeps ticking.
	quantumBase    atomic.Uint32
	agingThreshold atomic.Uint64

	stats SchedulerStats
}

// NewScheduler wires a scheduler to its collaborators.
func NewScheduler(table *ProcessTable, spaces *AddressSpaceManager, gate *InterruptGate, arch ArchContext, log *slog.Logger) *Scheduler {
	s := &Scheduler{
		table:  table,
		spaces: spaces,
		gate:   gate,
		arch:   arch,
		log:    log,
	}
	s.quantumBase.Store(DefaultQuantumBase)
	s.agingThreshold.Store(DefaultAgingThreshold)
	return s
}

// SetQuantumBase adjusts the base time quantum. Quanta scale with the
// priority class: QuantumFor(p) = base * (p + 1).
func (s *Scheduler) SetQuantumBase(base uint32) {
	if base > 0 {
		s.quantumBase.Store(base)
	}
}

// SetAgingThreshold adjusts the wait time after which a process is
// promoted ahead of same-priority peers.
func (s *Scheduler) SetAgingThreshold(t uint64) {
	if t > 0 {
		s.agingThreshold.Store(t)
	}
}

// QuantumFor returns the time quantum for a priority class. Higher
// classes earn larger quanta, trading fairness for throughput of
// privileged work.
func (s *Scheduler) QuantumFor(pri Priority) uint32 {
	return s.quantumBase.Load() * uint32(pri+1)
}

// Clock returns the scheduler time in ticks.
func (s *Scheduler) Clock() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// Current returns the running PCB, or nil when the CPU is idle.
func (s *Scheduler) Current() *PCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Ready admits a process to its priority queue: Created processes on
// first eligibility, preempted or woken ones on re-entry.
func (s *Scheduler) Ready(pid PID) error {
	pcb, err := s.table.Get(pid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if pcb.State == StateTerminated {
		return fmt.Errorf("ready pid %d: %w", pid, ErrNoProcess)
	}
	if pcb == s.current {
		return fmt.Errorf("ready pid %d: currently running", pid)
	}

	s.readyLocked(pcb)
	return nil
}

func (s *Scheduler) readyLocked(pcb *PCB) {
	pcb.State = StateReady
	pcb.LastReadyTick = s.clock
	pcb.WaitTime = 0
	if pcb.TimesliceRemaining == 0 {
		pcb.TimesliceRemaining = s.QuantumFor(pcb.Priority)
	}
	s.enqueueLocked(pcb)
}

// Block parks a process until an external wake event. Nothing in this
// core blocks on its own; the hook exists for the device layer.
func (s *Scheduler) Block(pid PID) error {
	pcb, err := s.table.Get(pid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch pcb.State {
	case StateRunning:
		s.current = nil
	case StateReady:
		s.dequeueLocked(pcb.PID)
	default:
		return fmt.Errorf("block pid %d: state %s", pid, pcb.State)
	}
	pcb.State = StateBlocked
	return nil
}

// Wake moves a blocked process back to Ready.
func (s *Scheduler) Wake(pid PID) error {
	pcb, err := s.table.Get(pid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if pcb.State != StateBlocked {
		return fmt.Errorf("wake pid %d: state %s", pid, pcb.State)
	}
	s.readyLocked(pcb)
	return nil
}

// Tick is the timer-interrupt entry point. It updates wait-time
// bookkeeping, charges the running process and decrements its quantum,
// preempts it when the quantum is gone, then selects and switches to the
// next process. An empty Ready set is not an error; it only bumps the
// idle counter.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clock++
	s.stats.Ticks++
	s.updateWaitTimesLocked()

	cur := s.current
	preempted := false
	if cur != nil {
		switch cur.State {
		case StateRunning:
			cur.CPUTime++
			if cur.TimesliceRemaining > 0 {
				cur.TimesliceRemaining--
			}
			if cur.TimesliceRemaining == 0 {
				cur.State = StateReady
				preempted = true
			}
		case StateTerminated:
			s.retireCurrentLocked()
			cur = nil
		case StateBlocked:
			s.current = nil
			cur = nil
		}
	}

	next := s.selectNextLocked()
	if next == nil {
		if cur != nil {
			// Nothing else runnable; the incumbent keeps the CPU with
			// a fresh quantum if it was just preempted.
			if preempted {
				cur.State = StateRunning
				cur.TimesliceRemaining = s.QuantumFor(cur.Priority)
			}
			return
		}
		s.stats.IdleTicks++
		return
	}

	// An incumbent with quantum remaining yields only to a strictly
	// higher class; selected peers stay queued until it expires.
	if cur != nil && !preempted && cur.State == StateRunning && next.Priority <= cur.Priority {
		return
	}

	if next != cur {
		s.contextSwitchLocked(next)
	}
}

// Yield lets the running process give up the CPU voluntarily. It keeps
// the CPU only if no other process is runnable.
func (s *Scheduler) Yield() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current
	if cur == nil || cur.State != StateRunning {
		return
	}

	next := s.selectNextLocked()
	if next == nil || next == cur {
		return
	}

	cur.State = StateReady
	s.contextSwitchLocked(next)
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ============================================================================
// Selection
// ============================================================================

// selectNextLocked scans classes from Realtime down to Idle. Within a
// class the FIFO head wins unless a peer's wait time has crossed the
// aging threshold, in which case the longest waiter is promoted and the
// event counted. Terminated PCBs found while scanning are unlinked and
// reclaimed inline. If nothing is eligible solely because every Ready
// process has exhausted its quantum, quanta are refilled and the scan
// repeats once.
func (s *Scheduler) selectNextLocked() *PCB {
	if next := s.pickLocked(); next != nil {
		return next
	}

	if s.refillQuantaLocked() {
		s.stats.QuantumRefills++
		return s.pickLocked()
	}
	return nil
}

func (s *Scheduler) pickLocked() *PCB {
	threshold := s.agingThreshold.Load()

	for pri := PriorityRealtime; pri >= PriorityIdle; pri-- {
		var selected *PCB
		promoted := false
		kept := s.queues[pri][:0]

		for _, pid := range s.queues[pri] {
			pcb, err := s.table.Get(pid)
			if err != nil {
				continue // slot already reclaimed, drop from queue
			}

			if pcb.State == StateTerminated {
				s.stats.LazyReclaims++
				if err := s.table.Reclaim(pcb); err != nil {
					s.log.Error("lazy reclaim failed", "pid", pid, "err", err)
				}
				continue
			}

			kept = append(kept, pid)
			if pcb.State != StateReady || pcb.TimesliceRemaining == 0 {
				continue
			}

			switch {
			case selected == nil:
				selected = pcb
			case pcb.WaitTime > selected.WaitTime && pcb.WaitTime >= threshold:
				selected = pcb
				promoted = true
			}
		}

		s.queues[pri] = kept
		if selected != nil {
			// One promotion event per scan however many peers the aged
			// winner stepped over.
			if promoted {
				selected.Preventions++
				s.stats.StarvationPreventions++
			}
			return selected
		}
	}
	return nil
}

// refillQuantaLocked hands every queued Ready process a fresh quantum and
// reports whether any was refilled.
func (s *Scheduler) refillQuantaLocked() bool {
	refilled := false
	for pri := PriorityIdle; pri <= PriorityRealtime; pri++ {
		for _, pid := range s.queues[pri] {
			pcb, err := s.table.Get(pid)
			if err != nil || pcb.State != StateReady {
				continue
			}
			if pcb.TimesliceRemaining == 0 {
				pcb.TimesliceRemaining = s.QuantumFor(pcb.Priority)
				refilled = true
			}
		}
	}
	return refilled
}

// ============================================================================
// Context switch
// ============================================================================

// contextSwitchLocked performs the register and address-space swap. The
// whole sequence runs with the interrupt gate closed: a half-restored
// register file or a half-switched space must never observe an interrupt.
func (s *Scheduler) contextSwitchLocked(next *PCB) {
	s.gate.Close()
	defer s.gate.Open()

	if cur := s.current; cur != nil && cur != next {
		s.arch.Save(&cur.Regs)
		cur.ContextSwitches++
		if cur.State == StateRunning || cur.State == StateReady {
			cur.State = StateReady
			cur.LastReadyTick = s.clock
			cur.WaitTime = 0
			s.enqueueLocked(cur)
		}
	}

	s.dequeueLocked(next.PID)
	next.State = StateRunning
	next.WaitTime = 0
	if next.TimesliceRemaining == 0 {
		next.TimesliceRemaining = s.QuantumFor(next.Priority)
	}

	if err := s.spaces.SwitchTo(next.Space); err != nil {
		s.log.Error("address space switch failed", "pid", next.PID, "err", err)
	}
	s.arch.Restore(&next.Regs)

	s.current = next
	s.stats.ContextSwitches++
}

// retireCurrentLocked detaches a terminated current process: the active
// space falls back to the kernel template so the dead space can be
// reclaimed.
func (s *Scheduler) retireCurrentLocked() {
	cur := s.current
	s.current = nil

	s.gate.Close()
	if err := s.spaces.SwitchTo(s.spaces.KernelSpace()); err != nil {
		s.log.Error("switch to kernel space failed", "err", err)
	}
	s.gate.Open()

	s.stats.LazyReclaims++
	if err := s.table.Reclaim(cur); err != nil {
		s.log.Error("reclaim of exited process failed", "pid", cur.PID, "err", err)
	}
}

// ============================================================================
// Queue plumbing
// ============================================================================

func (s *Scheduler) enqueueLocked(pcb *PCB) {
	for _, pid := range s.queues[pcb.Priority] {
		if pid == pcb.PID {
			return // already a member; a PCB sits in at most one queue
		}
	}
	s.queues[pcb.Priority] = append(s.queues[pcb.Priority], pcb.PID)
}

func (s *Scheduler) dequeueLocked(pid PID) {
	for pri := range s.queues {
		q := s.queues[pri]
		for i, p := range q {
			if p == pid {
				s.queues[pri] = append(q[:i], q[i+1:]...)
				return
			}
		}
	}
}

func (s *Scheduler) updateWaitTimesLocked() {
	for pri := range s.queues {
		for _, pid := range s.queues[pri] {
			pcb, err := s.table.Get(pid)
			if err != nil || pcb.State != StateReady {
				continue
			}
			pcb.WaitTime = s.clock - pcb.LastReadyTick
		}
	}
}
