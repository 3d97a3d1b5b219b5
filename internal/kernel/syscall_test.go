package kernel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestValidateUserPointer(t *testing.T) {
	tests := []struct {
		name string
		addr VirtAddr
		size uint32
		ok   bool
	}{
		{"MidRangeBuffer", 0x00400000, 4096, true},
		{"ZeroLength", 0x1000, 0, true},
		{"EndsExactlyAtSplit", KernelBase - 4096, 4096, true},
		{"AtKernelSplit", KernelBase, 1, false},
		{"AboveKernelSplit", 0xFFFF0000, 16, false},
		{"CrossesSplit", KernelBase - 16, 64, false},
		{"WrapsAddressSpace", 0x7FFFFFFF, 0xFFFFFFFF, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			span, err := ValidateUserPointer(tt.addr, tt.size)
			if tt.ok {
				if err != nil {
					t.Fatalf("rejected: %v", err)
				}
				if span.Addr() != tt.addr || span.Len() != tt.size {
					t.Fatalf("span %#x+%d, want %#x+%d",
						uint32(span.Addr()), span.Len(), uint32(tt.addr), tt.size)
				}
				return
			}
			if !errors.Is(err, ErrBadPointer) {
				t.Fatalf("got %v, want ErrBadPointer", err)
			}
		})
	}
}

// mapUserPage backs virt with a fresh frame in the process's space and
// returns the frame's bytes.
func mapUserPage(t *testing.T, k *Kernel, pcb *PCB, virt VirtAddr, flags PageFlags) []byte {
	t.Helper()

	frame, err := k.Frames.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if err := k.Frames.ZeroFrame(frame); err != nil {
		t.Fatal(err)
	}
	if err := k.Spaces.Map(pcb.Space, virt, frame.Address(), flags); err != nil {
		t.Fatal(err)
	}
	mem, err := k.Frames.FrameBytes(frame)
	if err != nil {
		t.Fatal(err)
	}
	return mem
}

func TestUserCopies(t *testing.T) {
	t.Run("CopyFromUserAcrossPages", func(t *testing.T) {
		k := newBootedKernel(t)
		pcb := readyProcess(t, k, "p", PriorityNormal)

		base := VirtAddr(0x00400000)
		p1 := mapUserPage(t, k, pcb, base, FlagPresent|FlagUser)
		p2 := mapUserPage(t, k, pcb, base+PageSize, FlagPresent|FlagUser)

		copy(p1[PageSize-4:], []byte("abcd"))
		copy(p2, []byte("efgh"))

		span, err := ValidateUserPointer(base+PageSize-4, 8)
		if err != nil {
			t.Fatal(err)
		}
		got, err := k.Syscalls.CopyFromUser(pcb.Space, span)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "abcdefgh" {
			t.Fatalf("copied %q", got)
		}
	})

	t.Run("CopyToUser", func(t *testing.T) {
		k := newBootedKernel(t)
		pcb := readyProcess(t, k, "p", PriorityNormal)

		base := VirtAddr(0x00400000)
		mem := mapUserPage(t, k, pcb, base, FlagPresent|FlagUser|FlagWritable)

		span, err := ValidateUserPointer(base+100, 5)
		if err != nil {
			t.Fatal(err)
		}
		if err := k.Syscalls.CopyToUser(pcb.Space, span, []byte("hello")); err != nil {
			t.Fatal(err)
		}
		if string(mem[100:105]) != "hello" {
			t.Fatalf("frame holds %q", mem[100:105])
		}
	})

	t.Run("UnmappedHole", func(t *testing.T) {
		k := newBootedKernel(t)
		pcb := readyProcess(t, k, "p", PriorityNormal)

		base := VirtAddr(0x00400000)
		mapUserPage(t, k, pcb, base, FlagPresent|FlagUser)

		span, err := ValidateUserPointer(base+PageSize-4, 8)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := k.Syscalls.CopyFromUser(pcb.Space, span); !errors.Is(err, ErrNotMapped) {
			t.Fatalf("got %v, want ErrNotMapped", err)
		}
	})

	t.Run("SupervisorPageRefused", func(t *testing.T) {
		k := newBootedKernel(t)
		pcb := readyProcess(t, k, "p", PriorityNormal)

		base := VirtAddr(0x00400000)
		mapUserPage(t, k, pcb, base, FlagPresent)

		span, err := ValidateUserPointer(base, 16)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := k.Syscalls.CopyFromUser(pcb.Space, span); !errors.Is(err, ErrAccess) {
			t.Fatalf("got %v, want ErrAccess", err)
		}
	})

	t.Run("ReadOnlyPageRefusesWrite", func(t *testing.T) {
		k := newBootedKernel(t)
		pcb := readyProcess(t, k, "p", PriorityNormal)

		base := VirtAddr(0x00400000)
		mapUserPage(t, k, pcb, base, FlagPresent|FlagUser)

		span, err := ValidateUserPointer(base, 4)
		if err != nil {
			t.Fatal(err)
		}
		if err := k.Syscalls.CopyToUser(pcb.Space, span, []byte("data")); !errors.Is(err, ErrAccess) {
			t.Fatalf("got %v, want ErrAccess", err)
		}
	})
}

func TestSyscallDispatch(t *testing.T) {
	t.Run("WriteToConsole", func(t *testing.T) {
		var console bytes.Buffer
		k := newBootedKernel(t, WithConsole(&console))
		pcb := readyProcess(t, k, "writer", PriorityNormal)

		base := VirtAddr(0x00400000)
		mem := mapUserPage(t, k, pcb, base, FlagPresent|FlagUser)
		msg := "hello, kernel\n"
		copy(mem, msg)

		k.Tick()
		ret := k.Syscalls.Dispatch(SysWrite, uint32(base), uint32(len(msg)), 0, 0, 0)
		if ret != uint32(len(msg)) {
			t.Fatalf("write returned %d", ret)
		}
		if console.String() != msg {
			t.Fatalf("console got %q", console.String())
		}
	})

	t.Run("ReadFromInput", func(t *testing.T) {
		k := newBootedKernel(t)
		pcb := readyProcess(t, k, "reader", PriorityNormal)

		base := VirtAddr(0x00400000)
		mem := mapUserPage(t, k, pcb, base, FlagPresent|FlagUser|FlagWritable)

		k.Syscalls.FeedInput([]byte("input-line"))
		k.Tick()

		ret := k.Syscalls.Dispatch(SysRead, uint32(base), 64, 0, 0, 0)
		if ret != uint32(len("input-line")) {
			t.Fatalf("read returned %d", ret)
		}
		if string(mem[:ret]) != "input-line" {
			t.Fatalf("buffer holds %q", mem[:ret])
		}

		// Input drained; the next read returns zero bytes.
		if ret := k.Syscalls.Dispatch(SysRead, uint32(base), 64, 0, 0, 0); ret != 0 {
			t.Fatalf("second read returned %d", ret)
		}
	})

	t.Run("GetPID", func(t *testing.T) {
		k := newBootedKernel(t)
		pcb := readyProcess(t, k, "self", PriorityNormal)

		k.Tick()
		if ret := k.Syscalls.Dispatch(SysGetPID, 0, 0, 0, 0, 0); ret != uint32(pcb.PID) {
			t.Fatalf("getpid returned %d, want %d", ret, pcb.PID)
		}
		if pcb.Syscalls == 0 {
			t.Error("per-process syscall counter not bumped")
		}
	})

	t.Run("BadPointerReturnsError", func(t *testing.T) {
		k := newBootedKernel(t)
		readyProcess(t, k, "p", PriorityNormal)

		k.Tick()
		if ret := k.Syscalls.Dispatch(SysWrite, uint32(KernelBase), 16, 0, 0, 0); ret != SyscallError {
			t.Fatalf("kernel-range write returned %#x", ret)
		}
		if k.Syscalls.Stats().Failed == 0 {
			t.Error("failure not counted")
		}
		// The process is not killed for a bad argument.
		if cur := k.Sched.Current(); cur == nil {
			t.Fatal("process killed by invalid pointer")
		}
	})

	t.Run("UnknownNumber", func(t *testing.T) {
		k := newBootedKernel(t)
		readyProcess(t, k, "p", PriorityNormal)

		k.Tick()
		if ret := k.Syscalls.Dispatch(999, 0, 0, 0, 0, 0); ret != SyscallBadNumber {
			t.Fatalf("unknown syscall returned %#x, want %#x", ret, SyscallBadNumber)
		}
		if k.Syscalls.Stats().Unknown == 0 {
			t.Error("unknown call not counted")
		}
	})

	t.Run("NoRunningProcess", func(t *testing.T) {
		k := newBootedKernel(t)
		if ret := k.Syscalls.Dispatch(SysGetPID, 0, 0, 0, 0, 0); ret != SyscallError {
			t.Fatalf("dispatch with idle CPU returned %#x", ret)
		}
	})

	t.Run("MmapGrowsBreak", func(t *testing.T) {
		k := newBootedKernel(t)
		pcb := readyProcess(t, k, "grower", PriorityNormal)

		k.Tick()
		first := k.Syscalls.Dispatch(SysMmap, PageSize+1, 0, 0, 0, 0)
		if first != uint32(userHeapBase) {
			t.Fatalf("first mmap returned %#x, want %#x", first, uint32(userHeapBase))
		}
		if pcb.Break != userHeapBase+2*PageSize {
			t.Fatalf("break at %#x after two-page grow", uint32(pcb.Break))
		}

		// The new region is zeroed, user-accessible and writable.
		span, err := ValidateUserPointer(VirtAddr(first), 2*PageSize)
		if err != nil {
			t.Fatal(err)
		}
		got, err := k.Syscalls.CopyFromUser(pcb.Space, span)
		if err != nil {
			t.Fatal(err)
		}
		for i, b := range got {
			if b != 0 {
				t.Fatalf("byte %d not zeroed", i)
			}
		}
		if err := k.Syscalls.CopyToUser(pcb.Space, span, []byte("heap")); err != nil {
			t.Fatalf("region not writable: %v", err)
		}

		second := k.Syscalls.Dispatch(SysMmap, 16, 0, 0, 0, 0)
		if second != uint32(userHeapBase)+2*PageSize {
			t.Fatalf("second mmap returned %#x", second)
		}
	})

	t.Run("MmapZeroSizeRefused", func(t *testing.T) {
		k := newBootedKernel(t)
		readyProcess(t, k, "p", PriorityNormal)

		k.Tick()
		if ret := k.Syscalls.Dispatch(SysMmap, 0, 0, 0, 0, 0); ret != SyscallError {
			t.Fatalf("zero-size mmap returned %#x", ret)
		}
	})

	t.Run("MmapHugeSizeRefused", func(t *testing.T) {
		k := newBootedKernel(t)
		pcb := readyProcess(t, k, "p", PriorityNormal)
		k.Tick()

		// Sizes whose page rounding would wrap 32 bits must fail outright,
		// not be rounded down to an empty grant.
		framesBefore := k.Frames.Stats().UsedFrames
		for _, size := range []uint32{0xFFFFFFFF, 0xFFFFF001, uint32(KernelBase)} {
			if ret := k.Syscalls.Dispatch(SysMmap, size, 0, 0, 0, 0); ret != SyscallError {
				t.Fatalf("mmap of %#x bytes returned %#x", size, ret)
			}
		}
		if pcb.Break != userHeapBase {
			t.Fatalf("break moved to %#x by failed mmap", uint32(pcb.Break))
		}
		if used := k.Frames.Stats().UsedFrames; used != framesBefore {
			t.Fatalf("failed mmap leaked %d frames", used-framesBefore)
		}
	})

	t.Run("KernelVersion", func(t *testing.T) {
		k := newBootedKernel(t)
		readyProcess(t, k, "p", PriorityNormal)

		k.Tick()
		const want = 0x00010200 // 1.2.0
		if ret := k.Syscalls.Dispatch(SysKernelVersion, 0, 0, 0, 0, 0); ret != want {
			t.Fatalf("version word %#x, want %#x", ret, uint32(want))
		}
	})

	t.Run("StatsBlock", func(t *testing.T) {
		k := newBootedKernel(t)
		readyProcess(t, k, "observer", PriorityNormal)

		k.Tick()
		pcb := k.Sched.Current()
		if pcb == nil {
			t.Fatal("nothing scheduled")
		}

		base := VirtAddr(0x00400000)
		mem := mapUserPage(t, k, pcb, base, FlagPresent|FlagUser|FlagWritable)

		if ret := k.Syscalls.Dispatch(SysStats, uint32(base), 8, 0, 0, 0); ret != SyscallError {
			t.Fatalf("short buffer returned %#x", ret)
		}

		ret := k.Syscalls.Dispatch(SysStats, uint32(base), 16, 0, 0, 0)
		if ret != 16 {
			t.Fatalf("stats returned %d", ret)
		}
		if live := binary.LittleEndian.Uint32(mem[0:]); live != 1 {
			t.Fatalf("reported %d live processes", live)
		}
		if free := binary.LittleEndian.Uint32(mem[4:]); free == 0 || free >= k.Frames.Stats().TotalFrames {
			t.Fatalf("implausible free-frame count %d", free)
		}
		if calls := binary.LittleEndian.Uint32(mem[12:]); calls == 0 {
			t.Fatal("dispatched counter missing from block")
		}
	})

	t.Run("ExitRemovesProcess", func(t *testing.T) {
		k := newBootedKernel(t)
		pcb := readyProcess(t, k, "leaver", PriorityNormal)

		k.Tick()
		k.Syscalls.Dispatch(SysExit, 0, 0, 0, 0, 0)
		if pcb.State != StateTerminated {
			t.Fatalf("state %s after exit", pcb.State)
		}

		k.Tick()
		if _, err := k.Table.Get(pcb.PID); !errors.Is(err, ErrNoProcess) {
			t.Fatalf("got %v, want ErrNoProcess", err)
		}
	})
}
