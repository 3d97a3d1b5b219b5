package kernel

import (
	"testing"
)

func readyProcess(t *testing.T, k *Kernel, name string, pri Priority) *PCB {
	t.Helper()
	pcb, err := k.Table.Create(name, VirtAddr(0x1000), pri)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.Sched.Ready(pcb.PID); err != nil {
		t.Fatal(err)
	}
	return pcb
}

func TestSchedulerSelection(t *testing.T) {
	t.Run("HighestClassWins", func(t *testing.T) {
		k := newBootedKernel(t)
		readyProcess(t, k, "low", PriorityLow)
		high := readyProcess(t, k, "high", PriorityHigh)

		k.Tick()
		if cur := k.Sched.Current(); cur == nil || cur.PID != high.PID {
			t.Fatal("higher class not selected first")
		}
	})

	t.Run("FairnessWithinClass", func(t *testing.T) {
		k := newBootedKernel(t)
		k.Sched.SetQuantumBase(2)

		pcbs := []*PCB{
			readyProcess(t, k, "a", PriorityNormal),
			readyProcess(t, k, "b", PriorityNormal),
			readyProcess(t, k, "c", PriorityNormal),
		}

		// Every member of an equal-priority trio must run within three
		// quanta.
		quantum := int(k.Sched.QuantumFor(PriorityNormal))
		ran := make(map[PID]bool)
		for i := 0; i < 3*quantum; i++ {
			k.Tick()
			if cur := k.Sched.Current(); cur != nil {
				ran[cur.PID] = true
			}
		}

		for _, pcb := range pcbs {
			if !ran[pcb.PID] {
				t.Errorf("process %s never ran within %d ticks", pcb.Name, 3*quantum)
			}
		}
	})

	t.Run("AgingPromotesLongWaiter", func(t *testing.T) {
		k := newBootedKernel(t)
		k.Sched.SetAgingThreshold(5)

		// Advance the clock with nothing runnable.
		for i := 0; i < 10; i++ {
			k.Tick()
		}

		short := readyProcess(t, k, "short-wait", PriorityNormal)
		long := readyProcess(t, k, "long-wait", PriorityNormal)

		// Backdate the second arrival: it sits behind short-wait in the
		// queue but has waited past the threshold.
		short.LastReadyTick = k.Sched.Clock()
		long.LastReadyTick = 0

		k.Tick()
		if cur := k.Sched.Current(); cur == nil || cur.PID != long.PID {
			t.Fatal("long waiter not promoted over queue head")
		}
		if k.Sched.Stats().StarvationPreventions == 0 {
			t.Error("promotion not counted")
		}
		if long.Preventions == 0 {
			t.Error("promotion not recorded on the PCB")
		}
	})

	t.Run("AgingCountsOncePerScan", func(t *testing.T) {
		k := newBootedKernel(t)
		k.Sched.SetAgingThreshold(5)

		for i := 0; i < 10; i++ {
			k.Tick()
		}

		short := readyProcess(t, k, "short-wait", PriorityNormal)
		mid := readyProcess(t, k, "mid-wait", PriorityNormal)
		long := readyProcess(t, k, "long-wait", PriorityNormal)

		// Two queued peers past the threshold; the scan steps over both
		// but it is one promotion event, recorded on the winner only.
		short.LastReadyTick = k.Sched.Clock()
		mid.LastReadyTick = 4
		long.LastReadyTick = 0

		k.Tick()
		if cur := k.Sched.Current(); cur == nil || cur.PID != long.PID {
			t.Fatal("longest waiter not selected")
		}
		if got := k.Sched.Stats().StarvationPreventions; got != 1 {
			t.Errorf("%d promotion events counted, want 1", got)
		}
		if long.Preventions != 1 {
			t.Errorf("winner recorded %d promotions, want 1", long.Preventions)
		}
		if mid.Preventions != 0 {
			t.Errorf("stepped-over peer recorded %d promotions", mid.Preventions)
		}
	})

	t.Run("QuantumRefill", func(t *testing.T) {
		k := newBootedKernel(t)
		k.Sched.SetQuantumBase(1)

		readyProcess(t, k, "a", PriorityNormal)
		readyProcess(t, k, "b", PriorityNormal)

		// With a one-tick base both processes exhaust their quanta in a
		// few ticks; the scheduler must refill instead of stalling.
		quantum := int(k.Sched.QuantumFor(PriorityNormal))
		for i := 0; i < 4*quantum; i++ {
			k.Tick()
			if k.Sched.Current() == nil {
				t.Fatal("scheduler idled with runnable processes")
			}
		}
		if k.Sched.Stats().QuantumRefills == 0 {
			t.Error("no refill pass recorded")
		}
	})

	t.Run("SoleProcessKeepsCPU", func(t *testing.T) {
		k := newBootedKernel(t)
		k.Sched.SetQuantumBase(1)
		only := readyProcess(t, k, "only", PriorityNormal)

		for i := 0; i < 20; i++ {
			k.Tick()
			cur := k.Sched.Current()
			if cur == nil || cur.PID != only.PID {
				t.Fatal("sole process lost the CPU")
			}
		}
	})

	t.Run("IdleCounter", func(t *testing.T) {
		k := newBootedKernel(t)
		for i := 0; i < 5; i++ {
			k.Tick()
		}
		if idle := k.Sched.Stats().IdleTicks; idle != 5 {
			t.Errorf("idle ticks %d, want 5", idle)
		}
	})

	t.Run("LazyReclaimWhileScanning", func(t *testing.T) {
		k := newBootedKernel(t)
		runner := readyProcess(t, k, "runner", PriorityNormal)
		victim := readyProcess(t, k, "victim", PriorityNormal)

		k.Tick()
		if cur := k.Sched.Current(); cur == nil || cur.PID != runner.PID {
			t.Fatal("runner not selected")
		}

		// Terminate the queued process; the next scan must unlink and
		// reclaim it without it ever running.
		if err := k.Table.Destroy(victim.PID); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 3; i++ {
			k.Tick()
		}

		if _, err := k.Table.Get(victim.PID); err == nil {
			t.Fatal("terminated process still in table")
		}
		if k.Sched.Stats().LazyReclaims == 0 {
			t.Error("lazy reclaim not counted")
		}
	})
}

func TestSchedulerBlockWake(t *testing.T) {
	k := newBootedKernel(t)
	a := readyProcess(t, k, "a", PriorityNormal)
	b := readyProcess(t, k, "b", PriorityNormal)

	k.Tick()
	if cur := k.Sched.Current(); cur == nil || cur.PID != a.PID {
		t.Fatal("first process not running")
	}

	if err := k.Sched.Block(a.PID); err != nil {
		t.Fatal(err)
	}
	if a.State != StateBlocked {
		t.Fatalf("state %s after block", a.State)
	}

	k.Tick()
	if cur := k.Sched.Current(); cur == nil || cur.PID != b.PID {
		t.Fatal("blocked process not replaced")
	}

	if err := k.Sched.Wake(a.PID); err != nil {
		t.Fatal(err)
	}
	if a.State != StateReady {
		t.Fatalf("state %s after wake", a.State)
	}
	if err := k.Sched.Wake(a.PID); err == nil {
		t.Fatal("waking a ready process succeeded")
	}
}

func TestContextSwitchRoundTrip(t *testing.T) {
	arch := NewSimContext()
	k := newBootedKernel(t, WithArch(arch))
	k.Sched.SetQuantumBase(2)

	a := readyProcess(t, k, "a", PriorityNormal)
	b := readyProcess(t, k, "b", PriorityNormal)

	k.Tick()
	if cur := k.Sched.Current(); cur == nil || cur.PID != a.PID {
		t.Fatal("a not running first")
	}

	// Simulate execution mutating the live registers, then snapshot.
	regs := arch.Regs()
	regs.EAX = 0xAAAA1111
	regs.EBX = 0xBBBB2222
	arch.SetRegs(regs)
	snapshot := arch.Regs()

	// Run until b has been switched in and a is back on the CPU.
	sawB := false
	for i := 0; i < 50; i++ {
		k.Tick()
		cur := k.Sched.Current()
		if cur == nil {
			t.Fatal("scheduler idled")
		}
		if cur.PID == b.PID {
			sawB = true
		}
		if sawB && cur.PID == a.PID {
			break
		}
	}

	cur := k.Sched.Current()
	if !sawB || cur == nil || cur.PID != a.PID {
		t.Fatal("never completed the a -> b -> a rotation")
	}
	if got := arch.Regs(); got != snapshot {
		t.Fatalf("registers after round trip %+v, want %+v", got, snapshot)
	}
}
