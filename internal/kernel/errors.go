package kernel

import "errors"

// Sentinel errors returned by the resource-management core. Callers are
// expected to test with errors.Is; everything else is wrapped detail.
var (
	// ErrOutOfMemory is returned when the frame allocator or the kernel
	// heap cannot satisfy a request. It is recoverable by the caller.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrFrameRange is returned for a frame outside physical memory.
	ErrFrameRange = errors.New("frame out of range")

	// ErrFrameNotAllocated is returned when freeing a frame that is
	// already free.
	ErrFrameNotAllocated = errors.New("frame not allocated")

	// ErrNotMapped is returned when translating a virtual address with
	// no present mapping.
	ErrNotMapped = errors.New("page not present")

	// ErrBadPointer is returned when a user-supplied pointer fails
	// validation at the privilege boundary.
	ErrBadPointer = errors.New("invalid user pointer")

	// ErrAccess is returned when a mapping exists but its flags forbid
	// the requested access.
	ErrAccess = errors.New("access violation")

	// ErrNoSlot is returned when the process table is full.
	ErrNoSlot = errors.New("process table full")

	// ErrNoProcess is returned for an unknown or terminated PID.
	ErrNoProcess = errors.New("no such process")

	// ErrKernelFault is returned by the fault handler when a fault is
	// classified as kernel-mode. The system does not continue past it.
	ErrKernelFault = errors.New("kernel-mode fault")

	// ErrIncompatibleImage is returned when a program image requires a
	// kernel API version this kernel does not satisfy.
	ErrIncompatibleImage = errors.New("incompatible program image")

	// ErrNotBooted is returned when a kernel service is used before Boot.
	ErrNotBooted = errors.New("kernel not booted")
)
