// Package pmem models byte-addressable persistent memory: a flat,
// word-addressed arena backed by a memory-mapped file. It stands in for
// the PCM-style store that the engine assumes is available, along with
// the store-nt / sfence / cache-line-flush primitives the core barriers
// depend on.
package pmem

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// WordSize is the width, in bytes, of one machine word. The engine does
// not support other word sizes.
const WordSize = 8

// Addr is a word-aligned byte offset into a Region.
type Addr uintptr

// Region is a byte-addressable arena backed by an mmap-ed file. All word
// operations are atomic; callers are responsible for word alignment.
type Region struct {
	file *os.File
	mm   mmap.MMap
	size int
}

// Open maps (creating if necessary) a file of the given size in bytes as
// a Region. size is rounded up to a whole number of words.
func Open(path string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pmem: size must be positive, got %d", size)
	}
	if rem := size % WordSize; rem != 0 {
		size += WordSize - rem
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pmem: open %s: %w", path, err)
	}

	if info, err := f.Stat(); err != nil {
		f.Close()
		return nil, fmt.Errorf("pmem: stat %s: %w", path, err)
	} else if info.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("pmem: truncate %s: %w", path, err)
		}
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pmem: mmap %s: %w", path, err)
	}

	return &Region{file: f, mm: m, size: size}, nil
}

// Close unmaps and closes the backing file.
func (r *Region) Close() error {
	if err := r.mm.Unmap(); err != nil {
		r.file.Close()
		return fmt.Errorf("pmem: unmap: %w", err)
	}
	return r.file.Close()
}

// Size returns the region's size in bytes.
func (r *Region) Size() int { return r.size }

func (r *Region) wordPtr(a Addr) *uint64 {
	if int(a)+WordSize > len(r.mm) || int(a) < 0 {
		panic(fmt.Sprintf("pmem: address %d out of range [0,%d)", a, len(r.mm)))
	}
	if a%WordSize != 0 {
		panic(fmt.Sprintf("pmem: address %d is not word-aligned", a))
	}
	return (*uint64)(unsafe.Pointer(&r.mm[a]))
}

// LoadWord performs an acquire-ordered load of the word at addr.
func (r *Region) LoadWord(a Addr) uint64 {
	return atomic.LoadUint64(r.wordPtr(a))
}

// StoreWord performs a release-ordered store of value at addr. Used for
// the write-through at commit, never for the redo log itself (see
// StreamStore).
func (r *Region) StoreWord(a Addr, value uint64) {
	atomic.StoreUint64(r.wordPtr(a), value)
}

// CompareAndSwapWord performs a full-barrier CAS, as required by lock
// acquisition.
func (r *Region) CompareAndSwapWord(a Addr, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(r.wordPtr(a), old, new)
}

// FetchAddWord performs a full-barrier fetch-and-add, as required by the
// global clock.
func (r *Region) FetchAddWord(a Addr, delta uint64) uint64 {
	return atomic.AddUint64(r.wordPtr(a), delta)
}

// StreamStore writes value to addr using a plain (non-atomic, "store-nt"
// analogue) store; it is not ordered with respect to other StreamStores
// until Sync is called. This models the redo log's buffered persistent
// writes, which are batched and fenced once per commit rather than
// individually ordered.
func (r *Region) StreamStore(a Addr, value uint64) {
	*r.wordPtr(a) = value
}

// Sync flushes all outstanding StreamStores and StoreWords to the
// backing file, standing in for an unconditional sfence over the whole
// arena. Callers that can name the exact bytes they dirtied should
// prefer PersistRange instead.
func (r *Region) Sync() error {
	return r.mm.Flush()
}

// PersistRange flushes only the byte range [addr, addr+n) to durable
// storage, standing in for a per-cache-line flush instruction rather
// than fencing the whole arena. The underlying mmap-go library exposes
// only a whole-mapping Flush, so this drops to a ranged msync directly
// (the same primitive Flush calls internally). msync operates on whole
// pages, so the requested range is rounded out to its containing pages
// before the call.
func (r *Region) PersistRange(a Addr, n int) error {
	if n <= 0 {
		return nil
	}
	start := int(a)
	end := start + n
	if start < 0 || end > len(r.mm) {
		panic(fmt.Sprintf("pmem: range [%d,%d) out of bounds [0,%d)", start, end, len(r.mm)))
	}

	pageSize := os.Getpagesize()
	alignedStart := start &^ (pageSize - 1)
	alignedEnd := (end + pageSize - 1) &^ (pageSize - 1)
	if alignedEnd > len(r.mm) {
		alignedEnd = len(r.mm)
	}

	return unix.Msync(r.mm[alignedStart:alignedEnd], unix.MS_SYNC)
}
