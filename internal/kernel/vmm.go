package kernel

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// ============================================================================
// Two-level page tables
// ============================================================================

// PageFlags are the access bits of a leaf page-table entry.
type PageFlags uint32

const (
	FlagPresent  PageFlags = 1 << 0
	FlagWritable PageFlags = 1 << 1
	FlagUser     PageFlags = 1 << 2
)

const (
	// dirEntries and tableEntries define the two-level geometry: a
	// 1024-entry directory of 1024-entry tables, each entry mapping one
	// 4 KiB page, covering the full 32-bit space.
	dirEntries   = 1024
	tableEntries = 1024

	entrySize = 4
	flagMask  = PageFlags(PageSize - 1)
)

func dirIndex(v VirtAddr) int   { return int(v >> 22) }
func tableIndex(v VirtAddr) int { return int(v>>PageShift) & (tableEntries - 1) }

// dirSlot is one top-level directory entry. Second-level tables occupy a
// physical frame each; kernelShared slots point into the kernel template
// and are never freed with the owning space.
type dirSlot struct {
	present      bool
	kernelShared bool
	tableFrame   Frame
}

// AddressSpace is the complete set of virtual-to-physical mappings visible
// to one process: a directory of optional second-level tables. Mutating it
// goes through the AddressSpaceManager, which owns the frames the tables
// live in.
type AddressSpace struct {
	dir [dirEntries]dirSlot
}

// ============================================================================
// Address-Space Manager
// ============================================================================

// AddressSpaceManager builds and mutates address spaces. It keeps the
// kernel template space, whose mappings (identity plus the KernelBase
// alias) are cloned into every process space so kernel code stays
// reachable after a switch.
type AddressSpaceManager struct {
	mu     sync.Mutex
	frames *FrameAllocator
	gate   *InterruptGate

	kernel *AddressSpace
	active *AddressSpace

	switches uint64
}

// NewAddressSpaceManager creates a manager with an empty kernel template.
// Boot populates the template via MapKernelRegion before any process space
// is cloned.
func NewAddressSpaceManager(frames *FrameAllocator, gate *InterruptGate) *AddressSpaceManager {
	asm := &AddressSpaceManager{
		frames: frames,
		gate:   gate,
		kernel: &AddressSpace{},
	}
	asm.active = asm.kernel
	return asm
}

// KernelSpace returns the kernel template space.
func (asm *AddressSpaceManager) KernelSpace() *AddressSpace { return asm.kernel }

// Frames returns the backing frame allocator.
func (asm *AddressSpaceManager) Frames() *FrameAllocator { return asm.frames }

// Active returns the currently loaded space.
func (asm *AddressSpaceManager) Active() *AddressSpace {
	asm.mu.Lock()
	defer asm.mu.Unlock()
	return asm.active
}

// MapKernelRegion identity-maps frames [0, frames) into the kernel
// template and aliases the same frames at KernelBase. Called once at boot
// with the reserved kernel image region.
func (asm *AddressSpaceManager) MapKernelRegion(frames uint32) error {
	for f := Frame(0); uint32(f) < frames; f++ {
		phys := f.Address()
		if err := asm.Map(asm.kernel, VirtAddr(phys), phys, FlagPresent|FlagWritable); err != nil {
			return fmt.Errorf("identity map frame %d: %w", f, err)
		}
		if err := asm.Map(asm.kernel, KernelBase+VirtAddr(phys), phys, FlagPresent|FlagWritable); err != nil {
			return fmt.Errorf("alias map frame %d: %w", f, err)
		}
	}
	return nil
}

// CreateSpace clones the kernel template into a fresh space. The clone
// shares the template's second-level tables, so later kernel mappings are
// not propagated; Boot finishes the template before the first clone.
func (asm *AddressSpaceManager) CreateSpace() *AddressSpace {
	asm.mu.Lock()
	defer asm.mu.Unlock()

	space := &AddressSpace{}
	for i, slot := range asm.kernel.dir {
		if slot.present {
			space.dir[i] = dirSlot{present: true, kernelShared: true, tableFrame: slot.tableFrame}
		}
	}
	return space
}

// Map installs a leaf mapping from virt to phys. A missing second-level
// table is materialized transparently: one frame is allocated, zeroed and
// hooked into the directory, so callers never pre-allocate tables. An
// allocation failure surfaces as ErrOutOfMemory; no rollback is attempted.
func (asm *AddressSpaceManager) Map(space *AddressSpace, virt VirtAddr, phys PhysAddr, flags PageFlags) error {
	asm.mu.Lock()
	defer asm.mu.Unlock()

	slot := &space.dir[dirIndex(virt)]
	if slot.present && slot.kernelShared && space != asm.kernel {
		return fmt.Errorf("map 0x%08x: kernel-reserved region", virt)
	}
	if !slot.present {
		frame, err := asm.frames.AllocFrame()
		if err != nil {
			return fmt.Errorf("materialize page table for 0x%08x: %w", virt, err)
		}
		if err := asm.frames.ZeroFrame(frame); err != nil {
			return err
		}
		slot.present = true
		slot.kernelShared = false
		slot.tableFrame = frame
	}

	table, err := asm.frames.FrameBytes(slot.tableFrame)
	if err != nil {
		return err
	}

	entry := uint32(phys)&^uint32(flagMask) | uint32(flags)
	binary.LittleEndian.PutUint32(table[tableIndex(virt)*entrySize:], entry)
	return nil
}

// Unmap clears the leaf mapping for virt. Unmapping an address that was
// never mapped reports ErrNotMapped.
func (asm *AddressSpaceManager) Unmap(space *AddressSpace, virt VirtAddr) error {
	asm.mu.Lock()
	defer asm.mu.Unlock()

	slot := &space.dir[dirIndex(virt)]
	if !slot.present {
		return fmt.Errorf("unmap 0x%08x: %w", virt, ErrNotMapped)
	}
	if slot.kernelShared && space != asm.kernel {
		return fmt.Errorf("unmap 0x%08x: kernel-reserved region", virt)
	}

	table, err := asm.frames.FrameBytes(slot.tableFrame)
	if err != nil {
		return err
	}

	off := tableIndex(virt) * entrySize
	if PageFlags(binary.LittleEndian.Uint32(table[off:]))&FlagPresent == 0 {
		return fmt.Errorf("unmap 0x%08x: %w", virt, ErrNotMapped)
	}

	binary.LittleEndian.PutUint32(table[off:], 0)
	return nil
}

// Translate walks the two levels and returns the physical address and
// flags for virt.
func (asm *AddressSpaceManager) Translate(space *AddressSpace, virt VirtAddr) (PhysAddr, PageFlags, error) {
	asm.mu.Lock()
	defer asm.mu.Unlock()

	return asm.translateLocked(space, virt)
}

func (asm *AddressSpaceManager) translateLocked(space *AddressSpace, virt VirtAddr) (PhysAddr, PageFlags, error) {
	slot := &space.dir[dirIndex(virt)]
	if !slot.present {
		return 0, 0, fmt.Errorf("translate 0x%08x: %w", virt, ErrNotMapped)
	}

	table, err := asm.frames.FrameBytes(slot.tableFrame)
	if err != nil {
		return 0, 0, err
	}

	entry := binary.LittleEndian.Uint32(table[tableIndex(virt)*entrySize:])
	flags := PageFlags(entry) & flagMask
	if flags&FlagPresent == 0 {
		return 0, 0, fmt.Errorf("translate 0x%08x: %w", virt, ErrNotMapped)
	}

	phys := PhysAddr(entry&^uint32(flagMask)) | PhysAddr(virt)&PhysAddr(flagMask)
	return phys, flags, nil
}

// SwitchTo loads space as the active translation root. This is the single
// point where memory visibility changes, so it must run with the
// interrupt gate closed; calling it with the gate open is a logic bug.
func (asm *AddressSpaceManager) SwitchTo(space *AddressSpace) error {
	if !asm.gate.Closed() {
		return fmt.Errorf("switch address space: interrupt gate open")
	}

	asm.mu.Lock()
	defer asm.mu.Unlock()

	asm.active = space
	asm.switches++
	return nil
}

// Destroy releases every resource owned by a process space: frames mapped
// through its private tables and the table frames themselves. Slots shared
// with the kernel template are left untouched. The space must not be
// active.
func (asm *AddressSpaceManager) Destroy(space *AddressSpace) error {
	asm.mu.Lock()
	defer asm.mu.Unlock()

	if space == asm.active {
		return fmt.Errorf("destroy address space: space is active")
	}
	if space == asm.kernel {
		return fmt.Errorf("destroy address space: kernel template")
	}

	for i := range space.dir {
		slot := &space.dir[i]
		if !slot.present || slot.kernelShared {
			continue
		}

		table, err := asm.frames.FrameBytes(slot.tableFrame)
		if err != nil {
			return err
		}

		for e := 0; e < tableEntries; e++ {
			entry := binary.LittleEndian.Uint32(table[e*entrySize:])
			if PageFlags(entry)&FlagPresent == 0 {
				continue
			}
			mapped := FrameFromAddress(PhysAddr(entry &^ uint32(flagMask)))
			if err := asm.frames.FreeFrame(mapped); err != nil {
				return fmt.Errorf("destroy address space: %w", err)
			}
		}

		if err := asm.frames.FreeFrame(slot.tableFrame); err != nil {
			return fmt.Errorf("destroy address space: %w", err)
		}
		slot.present = false
	}
	return nil
}

// Switches returns the number of address-space switches performed.
func (asm *AddressSpaceManager) Switches() uint64 {
	asm.mu.Lock()
	defer asm.mu.Unlock()
	return asm.switches
}
