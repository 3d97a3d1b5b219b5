package kernel

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// Syscall numbers form the user-facing ABI. Numbers of excluded
// subsystems (file I/O beyond the console, process spawning) stay
// reserved so user images built against the full table keep working.
const (
	SysExit   uint32 = 0
	SysRead   uint32 = 1
	SysWrite  uint32 = 2
	SysMmap   uint32 = 6
	SysGetPID uint32 = 12
	SysSleep  uint32 = 13
	SysYield  uint32 = 14

	// Introspection calls past the classic table.
	SysKernelVersion uint32 = 20
	SysStats         uint32 = 21
)

// Distinguished return values of the syscall ABI. A failed call returns
// SyscallError; an unknown call number returns SyscallBadNumber so user
// code can tell a programming error from a runtime failure.
const (
	SyscallError     uint32 = 0xFFFFFFFF
	SyscallBadNumber uint32 = 0xFFFFFFFE
)

// UserSpan is a user address range that has passed validation. Its
// fields are unexported on purpose: the only way to obtain one is
// ValidateUserPointer, so an unvalidated address can never reach a
// copy routine.
type UserSpan struct {
	addr VirtAddr
	size uint32
}

func (s UserSpan) Addr() VirtAddr { return s.addr }
func (s UserSpan) Len() uint32    { return s.size }

// ValidateUserPointer checks that [addr, addr+size) lies entirely below
// the kernel split and does not wrap the address space. Rejection is an
// authorization failure, never a clamp.
func ValidateUserPointer(addr VirtAddr, size uint32) (UserSpan, error) {
	if addr >= KernelBase {
		return UserSpan{}, fmt.Errorf("addr %#x in kernel range: %w", uint32(addr), ErrBadPointer)
	}
	end := uint64(addr) + uint64(size)
	if end > uint64(^uint32(0))+1 {
		return UserSpan{}, fmt.Errorf("span %#x+%d wraps address space: %w", uint32(addr), size, ErrBadPointer)
	}
	if end > uint64(KernelBase) {
		return UserSpan{}, fmt.Errorf("span %#x+%d crosses kernel split: %w", uint32(addr), size, ErrBadPointer)
	}
	return UserSpan{addr: addr, size: size}, nil
}

// SyscallStats is a snapshot of dispatch counters.
type SyscallStats struct {
	Dispatched uint64
	Failed     uint64
	Unknown    uint64
}

// SyscallHandler is the controlled entry from untrusted code. Every
// pointer argument crosses ValidateUserPointer before any copy, and
// copies walk the caller's page tables page by page so a mapping hole
// surfaces as an error instead of a stray read.
type SyscallHandler struct {
	mu     sync.Mutex
	table  *ProcessTable
	spaces *AddressSpaceManager
	sched  *Scheduler
	log    *slog.Logger

	console io.Writer
	input   []byte

	stats SyscallStats
}

// NewSyscallHandler wires the privilege boundary. Console output of the
// write syscall goes to out.
func NewSyscallHandler(table *ProcessTable, spaces *AddressSpaceManager, sched *Scheduler, out io.Writer, log *slog.Logger) *SyscallHandler {
	return &SyscallHandler{
		table:   table,
		spaces:  spaces,
		sched:   sched,
		console: out,
		log:     log,
	}
}

// FeedInput queues bytes for the read syscall to consume.
func (h *SyscallHandler) FeedInput(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.input = append(h.input, b...)
}

// Stats returns a snapshot of the dispatch counters.
func (h *SyscallHandler) Stats() SyscallStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Dispatch services one request from the running process. The calling
// convention carries a call number and up to five scalar arguments; the
// result is a single scalar, with SyscallError and SyscallBadNumber as
// the failure sentinels.
func (h *SyscallHandler) Dispatch(num, a1, a2, a3, a4, a5 uint32) uint32 {
	_ = a4
	_ = a5

	cur := h.sched.Current()
	if cur == nil {
		h.log.Error("syscall with no running process", "num", num)
		return SyscallError
	}

	h.mu.Lock()
	h.stats.Dispatched++
	h.mu.Unlock()
	cur.Syscalls++

	var (
		ret uint32
		err error
	)
	switch num {
	case SysExit:
		err = h.sysExit(cur, a1)
	case SysRead:
		ret, err = h.sysRead(cur, VirtAddr(a1), a2)
	case SysWrite:
		ret, err = h.sysWrite(cur, VirtAddr(a1), a2)
	case SysMmap:
		ret, err = h.sysMmap(cur, a1)
	case SysGetPID:
		ret = uint32(cur.PID)
	case SysKernelVersion:
		ret = kernelVersionWord()
	case SysStats:
		ret, err = h.sysStats(cur, VirtAddr(a1), a2)
	case SysSleep, SysYield:
		// Nothing in this core blocks on a timer; sleep degrades to a
		// voluntary yield until the device layer provides wakeups.
		h.sched.Yield()
	default:
		h.mu.Lock()
		h.stats.Unknown++
		h.mu.Unlock()
		h.log.Warn("unknown syscall", "num", num, "pid", cur.PID)
		return SyscallBadNumber
	}

	if err != nil {
		h.mu.Lock()
		h.stats.Failed++
		h.mu.Unlock()
		h.log.Debug("syscall failed", "num", num, "pid", cur.PID, "err", err)
		return SyscallError
	}
	return ret
}

func (h *SyscallHandler) sysExit(cur *PCB, status uint32) error {
	h.log.Info("process exit", "pid", cur.PID, "name", cur.Name, "status", status)
	return h.table.Destroy(cur.PID)
}

func (h *SyscallHandler) sysWrite(cur *PCB, addr VirtAddr, size uint32) (uint32, error) {
	span, err := ValidateUserPointer(addr, size)
	if err != nil {
		return 0, err
	}
	buf, err := h.CopyFromUser(cur.Space, span)
	if err != nil {
		return 0, err
	}
	n, err := h.console.Write(buf)
	if err != nil {
		return 0, fmt.Errorf("console write: %w", err)
	}
	return uint32(n), nil
}

func (h *SyscallHandler) sysRead(cur *PCB, addr VirtAddr, size uint32) (uint32, error) {
	span, err := ValidateUserPointer(addr, size)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	n := int(size)
	if n > len(h.input) {
		n = len(h.input)
	}
	buf := h.input[:n]
	h.input = h.input[n:]
	h.mu.Unlock()

	if n == 0 {
		return 0, nil
	}
	if err := h.CopyToUser(cur.Space, span, buf); err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// sysMmap grows the process's dynamic memory region by size bytes,
// rounded up to whole pages, and returns the base of the new region. The
// break never crosses into the kernel half.
func (h *SyscallHandler) sysMmap(cur *PCB, size uint32) (uint32, error) {
	if size == 0 {
		return 0, fmt.Errorf("mmap: zero size: %w", ErrBadPointer)
	}
	// Round up in 64 bits; a size near 4 GiB must fail validation, not
	// wrap to a zero-page request.
	bytes := (uint64(size) + PageSize - 1) / PageSize * PageSize
	base := cur.Break
	if bytes > uint64(KernelBase)-uint64(base) {
		return 0, fmt.Errorf("mmap: %d bytes from %#x: %w", size, uint32(base), ErrBadPointer)
	}
	if _, err := ValidateUserPointer(base, uint32(bytes)); err != nil {
		return 0, fmt.Errorf("mmap: %w", err)
	}

	pages := uint32(bytes / PageSize)
	frames := h.spaces.Frames()
	for i := uint32(0); i < pages; i++ {
		frame, err := frames.AllocFrame()
		if err != nil {
			return 0, fmt.Errorf("mmap: %w", err)
		}
		if err := frames.ZeroFrame(frame); err != nil {
			return 0, err
		}
		virt := base + VirtAddr(i*PageSize)
		if err := h.spaces.Map(cur.Space, virt, frame.Address(), FlagPresent|FlagUser|FlagWritable); err != nil {
			frames.FreeFrame(frame)
			return 0, fmt.Errorf("mmap: %w", err)
		}
	}

	cur.Break = base + VirtAddr(pages*PageSize)
	return uint32(base), nil
}

// sysStats copies a fixed snapshot block into a user buffer: live
// process count, free frames, context switches and dispatched syscalls,
// as four little-endian 32-bit words.
func (h *SyscallHandler) sysStats(cur *PCB, addr VirtAddr, size uint32) (uint32, error) {
	const blockLen = 16

	span, err := ValidateUserPointer(addr, size)
	if err != nil {
		return 0, err
	}
	if span.Len() < blockLen {
		return 0, fmt.Errorf("stats buffer %d bytes, need %d: %w", span.Len(), blockLen, ErrBadPointer)
	}

	h.mu.Lock()
	dispatched := h.stats.Dispatched
	h.mu.Unlock()

	var block [blockLen]byte
	binary.LittleEndian.PutUint32(block[0:], uint32(len(h.table.Live())))
	binary.LittleEndian.PutUint32(block[4:], h.spaces.Frames().Stats().FreeFrames)
	binary.LittleEndian.PutUint32(block[8:], uint32(h.sched.Stats().ContextSwitches))
	binary.LittleEndian.PutUint32(block[12:], uint32(dispatched))

	if err := h.CopyToUser(cur.Space, span, block[:]); err != nil {
		return 0, err
	}
	return blockLen, nil
}

// kernelVersionWord packs the kernel API version as major<<16 |
// minor<<8 | patch.
func kernelVersionWord() uint32 {
	v := semver.MustParse(KernelAPIVersion)
	return uint32(v.Major())<<16 | uint32(v.Minor())<<8 | uint32(v.Patch())
}

// CopyFromUser reads span.Len() bytes from the process's address space.
// The span must have been validated; the walk additionally requires each
// page to be present and user-accessible.
func (h *SyscallHandler) CopyFromUser(space *AddressSpace, span UserSpan) ([]byte, error) {
	out := make([]byte, 0, span.size)
	err := h.walkUserPages(space, span, false, func(frame []byte) {
		out = append(out, frame...)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CopyToUser writes data into the process's address space. Every touched
// page must be present, user-accessible and writable.
func (h *SyscallHandler) CopyToUser(space *AddressSpace, span UserSpan, data []byte) error {
	if uint32(len(data)) > span.size {
		return fmt.Errorf("data exceeds span: %w", ErrBadPointer)
	}
	off := 0
	return h.walkUserPages(space, UserSpan{addr: span.addr, size: uint32(len(data))}, true, func(frame []byte) {
		copy(frame, data[off:])
		off += len(frame)
	})
}

// walkUserPages visits a span one page at a time, handing the callback
// the backing bytes of each chunk.
func (h *SyscallHandler) walkUserPages(space *AddressSpace, span UserSpan, write bool, visit func([]byte)) error {
	addr := span.addr
	left := span.size
	for left > 0 {
		phys, flags, err := h.spaces.Translate(space, addr)
		if err != nil {
			return fmt.Errorf("user page %#x: %w", uint32(addr), err)
		}
		if flags&FlagUser == 0 {
			return fmt.Errorf("user page %#x: supervisor-only: %w", uint32(addr), ErrAccess)
		}
		if write && flags&FlagWritable == 0 {
			return fmt.Errorf("user page %#x: read-only: %w", uint32(addr), ErrAccess)
		}

		chunk := PageSize - uint32(addr)%PageSize
		if chunk > left {
			chunk = left
		}
		mem, err := h.spaces.Frames().FrameBytes(FrameFromAddress(phys))
		if err != nil {
			return fmt.Errorf("user page %#x: %w", uint32(addr), err)
		}
		start := uint32(phys) % PageSize
		visit(mem[start : start+chunk])

		addr += VirtAddr(chunk)
		left -= chunk
	}
	return nil
}
