// Package heap implements the kernel's dynamic allocator: a best-fit,
// priority-segregated, cache-line-aligned allocator over a fixed byte
// pool. Blocks carry an in-pool header addressed by offset, so the
// allocator never hands out raw pointers into its own bookkeeping; a Ptr
// is an offset into the pool and stays valid across coalescing passes for
// as long as the block is allocated.
package heap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const (
	// CacheLine is the alignment granule. Requested sizes round up to a
	// multiple of it and headers occupy exactly one line.
	CacheLine = 64

	// HeaderSize is the bytes reserved in front of every data region.
	HeaderSize = CacheLine

	// splitSlack is the minimum leftover data size worth carving into a
	// new free block.
	splitSlack = 32

	nilOff = ^uint32(0)

	flagAllocated = 1
)

// Header field offsets within the 64-byte block header.
const (
	hdrSize  = 0  // data bytes, multiple of CacheLine
	hdrFlags = 4  // flagAllocated or 0
	hdrNext  = 8  // next free header offset, nilOff terminated
	hdrPrev  = 12 // previous free header offset
	hdrClass = 16 // free-list class recorded at Alloc time
)

// Ptr is an allocation handle: the pool offset of the block's data region.
type Ptr uint32

// Sentinel errors.
var (
	// ErrOutOfMemory is returned when no free block fits a request.
	ErrOutOfMemory = errors.New("heap: out of memory")

	// ErrBadPointer is returned for a Ptr that was not produced by Alloc
	// or that points at a block that is not currently allocated.
	ErrBadPointer = errors.New("heap: invalid pointer")

	// ErrClassMismatch is returned when Free is called with a different
	// class than the block was allocated with. The block is not freed.
	ErrClassMismatch = errors.New("heap: class mismatch on free")
)

// Stats is a snapshot of allocator counters.
type Stats struct {
	BytesAllocated uint64
	BytesFreed     uint64
	BestFitHits    uint64
	BestFitMisses  uint64
	Failures       uint64
	Splits         uint64
	Merges         uint64
	Coalesces      uint64

	// Fragmentation is the live external-fragmentation counter: it grows
	// when a block is split and shrinks as coalescing merges neighbours.
	Fragmentation int64
}

// Config holds the tunables of a Pool.
type Config struct {
	PoolSize         uint32
	Classes          int
	CoalesceInterval uint32
}

// Option mutates a Config.
type Option func(*Config)

// WithPoolSize sets the pool size in bytes; it is rounded up to a
// cache-line multiple.
func WithPoolSize(size uint32) Option { return func(c *Config) { c.PoolSize = size } }

// WithClasses sets the number of free-list classes.
func WithClasses(n int) Option { return func(c *Config) { c.Classes = n } }

// WithCoalesceInterval sets how many frees elapse between coalescing
// passes.
func WithCoalesceInterval(n uint32) Option { return func(c *Config) { c.CoalesceInterval = n } }

func defaultConfig() *Config {
	return &Config{
		PoolSize:         1 << 20, // 1 MiB pool
		Classes:          5,
		CoalesceInterval: 100,
	}
}

// Pool is a priority-segregated heap. Each class has its own free list;
// the pool starts as a single free block on the middle (normal-priority)
// class.
type Pool struct {
	mu       sync.Mutex
	pool     []byte
	freeHead []uint32 // per class, header offset of list head
	cfg      Config

	freeOps uint32
	stats   Stats
}

// New creates a Pool.
func New(opts ...Option) (*Pool, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	cfg.PoolSize = alignUp(cfg.PoolSize)
	if cfg.PoolSize < 2*HeaderSize {
		return nil, fmt.Errorf("heap: pool size %d too small", cfg.PoolSize)
	}
	if cfg.Classes < 1 {
		return nil, fmt.Errorf("heap: need at least one class, got %d", cfg.Classes)
	}
	if cfg.CoalesceInterval == 0 {
		return nil, fmt.Errorf("heap: coalesce interval must be positive")
	}

	p := &Pool{
		pool:     make([]byte, cfg.PoolSize),
		freeHead: make([]uint32, cfg.Classes),
		cfg:      *cfg,
	}
	for i := range p.freeHead {
		p.freeHead[i] = nilOff
	}

	initial := uint32(0)
	p.setSize(initial, cfg.PoolSize-HeaderSize)
	p.setFlags(initial, 0)
	p.setClass(initial, uint32(cfg.Classes/2))
	p.pushFree(cfg.Classes/2, initial)
	return p, nil
}

// Alloc reserves at least size bytes for the given class and returns the
// block's data offset. The search is best-fit over the class's free list;
// when the class list has no fit the other lists are searched as well, so
// the segregation is a locality preference rather than a hard partition.
func (p *Pool) Alloc(size uint32, class int) (Ptr, error) {
	if size == 0 {
		return 0, fmt.Errorf("heap: zero-size allocation")
	}
	if class < 0 || class >= p.cfg.Classes {
		return 0, fmt.Errorf("heap: class %d out of range", class)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	size = alignUp(size)

	off, home := p.bestFit(size, class)
	if home {
		p.stats.BestFitHits++
	} else {
		p.stats.BestFitMisses++
	}
	if off == nilOff {
		p.stats.Failures++
		return 0, fmt.Errorf("heap: alloc %d bytes class %d: %w", size, class, ErrOutOfMemory)
	}

	p.unlinkFree(int(p.class(off)), off)
	p.split(off, size, class)

	p.setFlags(off, flagAllocated)
	p.setClass(off, uint32(class))
	p.stats.BytesAllocated += uint64(size)
	return Ptr(off + HeaderSize), nil
}

// Free releases a block. The class must match the one recorded at Alloc
// time; a mismatch reports ErrClassMismatch and leaves the block alone
// instead of corrupting a free list. Every CoalesceInterval-th free runs
// a coalescing pass over the pool.
func (p *Pool) Free(ptr Ptr, class int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	off, err := p.headerOf(ptr)
	if err != nil {
		return err
	}
	if stored := int(p.class(off)); stored != class {
		return fmt.Errorf("heap: free class %d, allocated as %d: %w", class, stored, ErrClassMismatch)
	}

	p.setFlags(off, 0)
	p.pushFree(class, off)
	p.stats.BytesFreed += uint64(p.size(off))

	p.freeOps++
	if p.freeOps >= p.cfg.CoalesceInterval {
		p.coalesce()
		p.freeOps = 0
	}
	return nil
}

// Coalesce forces a coalescing pass outside the periodic schedule.
func (p *Pool) Coalesce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coalesce()
}

// Data returns the block's bytes. The slice aliases the pool and remains
// valid until the block is freed.
func (p *Pool) Data(ptr Ptr) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	off, err := p.headerOf(ptr)
	if err != nil {
		return nil, err
	}

	size := p.size(off)
	return p.pool[uint32(ptr) : uint32(ptr)+size : uint32(ptr)+size], nil
}

// BlockSize returns the usable size of an allocated block.
func (p *Pool) BlockSize(ptr Ptr) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	off, err := p.headerOf(ptr)
	if err != nil {
		return 0, err
	}
	return p.size(off), nil
}

// PoolSize returns the total pool size in bytes.
func (p *Pool) PoolSize() uint32 { return p.cfg.PoolSize }

// Stats returns a snapshot of the allocator counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// CheckInvariants walks the pool verifying that every size field reaches
// the next header exactly and that the final block ends at the pool
// boundary. Tests lean on it after randomized alloc/free sequences.
func (p *Pool) CheckInvariants() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	off := uint32(0)
	for off < p.cfg.PoolSize {
		size := p.size(off)
		next := off + HeaderSize + size
		if size == 0 || next > p.cfg.PoolSize {
			return fmt.Errorf("heap: block at %d has size %d past pool end", off, size)
		}
		off = next
	}
	if off != p.cfg.PoolSize {
		return fmt.Errorf("heap: pool walk ends at %d, want %d", off, p.cfg.PoolSize)
	}
	return nil
}

// ============================================================================
// Internals
// ============================================================================

func alignUp(n uint32) uint32 {
	return (n + CacheLine - 1) &^ uint32(CacheLine-1)
}

func (p *Pool) field(off, field uint32) uint32 {
	return binary.LittleEndian.Uint32(p.pool[off+field:])
}

func (p *Pool) setField(off, field, v uint32) {
	binary.LittleEndian.PutUint32(p.pool[off+field:], v)
}

func (p *Pool) size(off uint32) uint32   { return p.field(off, hdrSize) }
func (p *Pool) setSize(off, v uint32)    { p.setField(off, hdrSize, v) }
func (p *Pool) flags(off uint32) uint32  { return p.field(off, hdrFlags) }
func (p *Pool) setFlags(off, v uint32)   { p.setField(off, hdrFlags, v) }
func (p *Pool) next(off uint32) uint32   { return p.field(off, hdrNext) }
func (p *Pool) setNext(off, v uint32)    { p.setField(off, hdrNext, v) }
func (p *Pool) prev(off uint32) uint32   { return p.field(off, hdrPrev) }
func (p *Pool) setPrev(off, v uint32)    { p.setField(off, hdrPrev, v) }
func (p *Pool) class(off uint32) uint32  { return p.field(off, hdrClass) }
func (p *Pool) setClass(off, cls uint32) { p.setField(off, hdrClass, cls) }

// headerOf validates ptr and returns its header offset.
func (p *Pool) headerOf(ptr Ptr) (uint32, error) {
	if uint32(ptr) < HeaderSize || uint32(ptr) >= p.cfg.PoolSize || uint32(ptr)%CacheLine != 0 {
		return 0, fmt.Errorf("heap: offset %d: %w", ptr, ErrBadPointer)
	}

	off := uint32(ptr) - HeaderSize
	if p.flags(off)&flagAllocated == 0 {
		return 0, fmt.Errorf("heap: offset %d not allocated: %w", ptr, ErrBadPointer)
	}
	return off, nil
}

// bestFit finds the smallest free block holding size bytes. It prefers
// the requested class's list and reports whether the winner came from it;
// an exact fit short-circuits the scan.
func (p *Pool) bestFit(size uint32, class int) (uint32, bool) {
	if off := p.bestFitIn(class, size); off != nilOff {
		return off, true
	}

	best, bestSize := nilOff, uint32(0)
	for cls := range p.freeHead {
		if cls == class {
			continue
		}
		off := p.bestFitIn(cls, size)
		if off != nilOff && (best == nilOff || p.size(off) < bestSize) {
			best, bestSize = off, p.size(off)
		}
	}
	return best, false
}

func (p *Pool) bestFitIn(class int, size uint32) uint32 {
	best, bestSize := nilOff, uint32(0)
	for off := p.freeHead[class]; off != nilOff; off = p.next(off) {
		blockSize := p.size(off)
		if blockSize < size {
			continue
		}
		if blockSize == size {
			return off
		}
		if best == nilOff || blockSize < bestSize {
			best, bestSize = off, blockSize
		}
	}
	return best
}

// split carves the tail of an oversized block into a new free block when
// the remainder is worth keeping, and pushes it onto the class list the
// request came from.
func (p *Pool) split(off, size uint32, class int) {
	blockSize := p.size(off)
	if blockSize <= size+HeaderSize+splitSlack {
		return
	}

	remOff := off + HeaderSize + size
	p.setSize(remOff, blockSize-size-HeaderSize)
	p.setFlags(remOff, 0)
	p.setClass(remOff, uint32(class))
	p.pushFree(class, remOff)

	p.setSize(off, size)
	p.stats.Splits++
	p.stats.Fragmentation++
}

func (p *Pool) pushFree(class int, off uint32) {
	head := p.freeHead[class]
	p.setNext(off, head)
	p.setPrev(off, nilOff)
	if head != nilOff {
		p.setPrev(head, off)
	}
	p.freeHead[class] = off
	p.setClass(off, uint32(class))
}

func (p *Pool) unlinkFree(class int, off uint32) {
	prev, next := p.prev(off), p.next(off)
	if prev != nilOff {
		p.setNext(prev, next)
	} else {
		p.freeHead[class] = next
	}
	if next != nilOff {
		p.setPrev(next, prev)
	}
}

// coalesce walks the pool in physical order merging every run of adjacent
// free blocks, then rebuilds the free lists from the survivors. Merged
// neighbours shrink the fragmentation counter.
func (p *Pool) coalesce() {
	off := uint32(0)
	for off < p.cfg.PoolSize {
		size := p.size(off)
		next := off + HeaderSize + size

		if p.flags(off)&flagAllocated == 0 {
			for next < p.cfg.PoolSize && p.flags(next)&flagAllocated == 0 {
				merged := p.size(next)
				size += HeaderSize + merged
				p.setSize(off, size)
				p.stats.Merges++
				if p.stats.Fragmentation > 0 {
					p.stats.Fragmentation--
				}
				next = off + HeaderSize + size
			}
		}
		off = next
	}

	for i := range p.freeHead {
		p.freeHead[i] = nilOff
	}
	off = uint32(0)
	for off < p.cfg.PoolSize {
		if p.flags(off)&flagAllocated == 0 {
			cls := int(p.class(off))
			if cls < 0 || cls >= p.cfg.Classes {
				cls = p.cfg.Classes / 2
			}
			p.pushFree(cls, off)
		}
		off += HeaderSize + p.size(off)
	}

	p.stats.Coalesces++
}
