// Helios kernel simulator entry point. Boots the resource-management
// core, loads a couple of demo images and drives the scheduler from a
// host timer until every process has exited.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/selenia-project/helios/internal/kernel"
)

const userTextBase = kernel.VirtAddr(0x08048000)

func main() {
	var (
		configPath = flag.String("config", "", "path to JSON config (defaults used when empty)")
		interval   = flag.Duration("interval", time.Millisecond, "timer tick interval")
		maxTicks   = flag.Uint64("max-ticks", 10000, "stop after this many ticks even if processes remain")
		watch      = flag.Bool("watch", false, "reload scheduler tunables when the config file changes")
	)
	flag.Parse()

	if err := run(*configPath, *interval, *maxTicks, *watch); err != nil {
		fmt.Fprintln(os.Stderr, "helios-kernel:", err)
		os.Exit(1)
	}
}

func run(configPath string, interval time.Duration, maxTicks uint64, watch bool) error {
	cfg := kernel.DefaultConfig()
	if configPath != "" {
		loaded, err := kernel.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	k, err := kernel.New(cfg, kernel.WithLogger(log), kernel.WithConsole(os.Stdout))
	if err != nil {
		return err
	}

	fmt.Println("========================================")
	fmt.Printf("   Helios OS  (kernel API %s)\n", kernel.KernelAPIVersion)
	fmt.Println("========================================")

	if err := k.Boot(); err != nil {
		return err
	}

	if watch && configPath != "" {
		cw, err := kernel.WatchConfig(configPath, k.Sched, log)
		if err != nil {
			return err
		}
		defer cw.Close()
	}

	sim := newSimulation(k)
	if err := sim.loadDemoImages(); err != nil {
		return err
	}

	timer := kernel.NewTickerSource(interval)
	defer timer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := uint64(0)
	err = timer.Run(ctx, func() {
		k.Tick()
		sim.step()
		ticks++
		if halted, _ := k.Halted(); halted || ticks >= maxTicks || len(k.Table.Live()) == 0 {
			cancel()
		}
	})
	if err != nil && err != context.Canceled {
		return err
	}

	if halted, reason := k.Halted(); halted {
		fmt.Printf("\nsystem halted: %s\n", reason)
	} else if err := k.Shutdown(); err != nil {
		return err
	}
	dumpStats(k, ticks)
	return nil
}

// simulation stands in for a CPU executing user code: each tick the
// current process "runs" one step of a tiny script of syscalls.
type simulation struct {
	k    *kernel.Kernel
	done map[kernel.PID]*demoState
}

type demoState struct {
	wroteGreeting bool
	exitAfter     uint64
}

func newSimulation(k *kernel.Kernel) *simulation {
	return &simulation{k: k, done: make(map[kernel.PID]*demoState)}
}

func (s *simulation) loadDemoImages() error {
	images := []struct {
		img       kernel.ProgramImage
		exitAfter uint64
	}{
		{
			img: kernel.ProgramImage{
				Name:        "init",
				Entry:       userTextBase,
				Priority:    kernel.PriorityHigh,
				RequiresAPI: ">=1.0.0 <2.0.0",
				Segments: []kernel.Segment{
					{Virt: userTextBase, Data: []byte("init: system up\n")},
				},
			},
			exitAfter: 60,
		},
		{
			img: kernel.ProgramImage{
				Name:        "worker",
				Entry:       userTextBase,
				Priority:    kernel.PriorityNormal,
				RequiresAPI: ">=1.0.0 <2.0.0",
				Segments: []kernel.Segment{
					{Virt: userTextBase, Data: []byte("worker: crunching\n")},
				},
			},
			exitAfter: 90,
		},
	}

	for _, d := range images {
		pid, err := s.k.Loader.Load(d.img)
		if err != nil {
			return err
		}
		s.done[pid] = &demoState{exitAfter: d.exitAfter}
	}
	return nil
}

func (s *simulation) step() {
	cur := s.k.Sched.Current()
	if cur == nil {
		return
	}
	st, ok := s.done[cur.PID]
	if !ok {
		return
	}

	switch {
	case !st.wroteGreeting:
		st.wroteGreeting = true
		s.k.Syscalls.Dispatch(kernel.SysWrite, uint32(userTextBase), s.greetingLen(cur), 0, 0, 0)
	case cur.CPUTime >= st.exitAfter:
		s.k.Syscalls.Dispatch(kernel.SysExit, 0, 0, 0, 0, 0)
		delete(s.done, cur.PID)
	}
}

func (s *simulation) greetingLen(cur *kernel.PCB) uint32 {
	switch cur.Name {
	case "init":
		return uint32(len("init: system up\n"))
	default:
		return uint32(len("worker: crunching\n"))
	}
}

func dumpStats(k *kernel.Kernel, ticks uint64) {
	st := k.Stats()
	fmt.Println("\n---- run summary ----")
	fmt.Printf("ticks:              %d\n", ticks)
	fmt.Printf("processes:          %d created, %d destroyed\n", st.Created, st.Destroyed)
	fmt.Printf("context switches:   %d (space switches %d)\n", st.Scheduler.ContextSwitches, st.Switches)
	fmt.Printf("idle ticks:         %d\n", st.Scheduler.IdleTicks)
	fmt.Printf("aging promotions:   %d\n", st.Scheduler.StarvationPreventions)
	fmt.Printf("quantum refills:    %d\n", st.Scheduler.QuantumRefills)
	fmt.Printf("syscalls:           %d dispatched, %d failed, %d unknown\n",
		st.Syscalls.Dispatched, st.Syscalls.Failed, st.Syscalls.Unknown)
	fmt.Printf("faults:             %d user, %d kernel\n", st.Faults.UserFaults, st.Faults.KernelFaults)
	fmt.Printf("frames:             %d/%d used, %d allocs, %d frees\n",
		st.Frames.UsedFrames, st.Frames.TotalFrames, st.Frames.Allocations, st.Frames.Frees)
	fmt.Printf("heap:               %d allocated, %d freed, %d merges, %d coalesce passes\n",
		st.Heap.BytesAllocated, st.Heap.BytesFreed, st.Heap.Merges, st.Heap.Coalesces)
}
