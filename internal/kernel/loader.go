package kernel

import (
	"fmt"
	"log/slog"

	"github.com/Masterminds/semver/v3"
)

// KernelAPIVersion is the version user images are linked against.
// Images declare a semver constraint; incompatible ones are refused
// before any resource is committed.
const KernelAPIVersion = "1.2.0"

// Segment is one contiguous piece of a program image, placed at a fixed
// user virtual address.
type Segment struct {
	Virt     VirtAddr
	Data     []byte
	Writable bool
}

// ProgramImage is the pre-linked form a program arrives in. The full
// object-format loader lives outside this core; an image here is already
// resolved to absolute user addresses.
type ProgramImage struct {
	Name        string
	Entry       VirtAddr
	Priority    Priority
	RequiresAPI string // semver constraint, empty means any
	Segments    []Segment
}

// Loader admits program images: it gates on API compatibility, creates
// the process, places the segments into its address space and marks it
// Ready.
type Loader struct {
	table  *ProcessTable
	spaces *AddressSpaceManager
	sched  *Scheduler
	log    *slog.Logger
}

// NewLoader wires a loader to the process and memory layers.
func NewLoader(table *ProcessTable, spaces *AddressSpaceManager, sched *Scheduler, log *slog.Logger) *Loader {
	return &Loader{table: table, spaces: spaces, sched: sched, log: log}
}

// Load admits one image and returns the new PID.
func (l *Loader) Load(img ProgramImage) (PID, error) {
	if err := checkAPIConstraint(img.RequiresAPI); err != nil {
		return 0, fmt.Errorf("image %q: %w", img.Name, err)
	}

	pcb, err := l.table.Create(img.Name, img.Entry, img.Priority)
	if err != nil {
		return 0, fmt.Errorf("image %q: %w", img.Name, err)
	}

	if err := l.placeSegments(pcb, img.Segments); err != nil {
		l.abort(pcb)
		return 0, fmt.Errorf("image %q: %w", img.Name, err)
	}

	if err := l.sched.Ready(pcb.PID); err != nil {
		l.abort(pcb)
		return 0, fmt.Errorf("image %q: %w", img.Name, err)
	}

	l.log.Info("image loaded", "name", img.Name, "pid", pcb.PID,
		"entry", fmt.Sprintf("%#x", uint32(img.Entry)), "segments", len(img.Segments))
	return pcb.PID, nil
}

func checkAPIConstraint(constraint string) error {
	if constraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("constraint %q: %v: %w", constraint, err, ErrIncompatibleImage)
	}
	v := semver.MustParse(KernelAPIVersion)
	if !c.Check(v) {
		return fmt.Errorf("requires %q, kernel API is %s: %w", constraint, KernelAPIVersion, ErrIncompatibleImage)
	}
	return nil
}

// placeSegments maps each segment page by page and copies its bytes into
// the backing frames.
func (l *Loader) placeSegments(pcb *PCB, segs []Segment) error {
	frames := l.spaces.Frames()
	for _, seg := range segs {
		if _, err := ValidateUserPointer(seg.Virt, uint32(len(seg.Data))); err != nil {
			return fmt.Errorf("segment at %#x: %w", uint32(seg.Virt), err)
		}
		if uint32(seg.Virt)%PageSize != 0 {
			return fmt.Errorf("segment at %#x: not page aligned: %w", uint32(seg.Virt), ErrBadPointer)
		}

		flags := FlagPresent | FlagUser
		if seg.Writable {
			flags |= FlagWritable
		}

		for off := uint32(0); off < uint32(len(seg.Data)); off += PageSize {
			frame, err := frames.AllocFrame()
			if err != nil {
				return fmt.Errorf("segment at %#x: %w", uint32(seg.Virt), err)
			}
			if err := frames.ZeroFrame(frame); err != nil {
				return err
			}
			mem, err := frames.FrameBytes(frame)
			if err != nil {
				return err
			}
			copy(mem, seg.Data[off:])

			virt := seg.Virt + VirtAddr(off)
			if err := l.spaces.Map(pcb.Space, virt, frame.Address(), flags); err != nil {
				frames.FreeFrame(frame)
				return fmt.Errorf("map %#x: %w", uint32(virt), err)
			}
		}
	}
	return nil
}

// abort rolls back a half-loaded process. Destroy marks it Terminated;
// Reclaim releases the stack, the address space and the table slot.
func (l *Loader) abort(pcb *PCB) {
	if err := l.table.Destroy(pcb.PID); err != nil {
		l.log.Error("load abort: destroy failed", "pid", pcb.PID, "err", err)
		return
	}
	if err := l.table.Reclaim(pcb); err != nil {
		l.log.Error("load abort: reclaim failed", "pid", pcb.PID, "err", err)
	}
}
