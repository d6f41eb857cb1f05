// Package redolog implements the write set / persistent redo log: a
// per-transaction array of buffered writes, chained by hash bucket and
// by cache line, duplicated into a persistent twin so that a
// committed-but-not-yet-applied write survives a crash.
package redolog

import (
	"errors"

	"github.com/lishuomountain/mnemosyne-gcc/locktable"
	"github.com/lishuomountain/mnemosyne-gcc/pmem"
)

// ErrFull is returned by FindOrExtend/AcquireAndInsert when the
// write-set array has no room for a new entry. The caller must double
// the configured size and restart the transaction with reason
// RESTART_REALLOCATE; pointers (here: indices) into the old array
// become invalid across that
// restart, which is exactly why this is a restart rather than an
// in-place grow.
var ErrFull = errors.New("redolog: write set full, reallocate and restart")

// ErrLockContended is returned by AcquireAndInsert when the CAS to
// acquire a free-form lock loses a race; the caller retries the whole
// store barrier with the newly observed lock word.
var ErrLockContended = errors.New("redolog: lock acquisition raced, retry")

// noNeighbor marks the absence of a chain successor.
const noNeighbor = -1

// Entry is one buffered write.
type Entry struct {
	Addr    pmem.Addr
	Value   uint64
	Mask    uint64 // 0 means "acquired but no payload yet" (load-upgrade)
	Version uint64
	Bucket  uint64

	next          int32 // bucket-chain successor, within this tx
	cacheNeighbor int32 // cache-line-chain successor, within this tx
}

// ApplyWrite merges (value, mask) into the entry: the first payload
// write (Mask transitioning away from 0) seeds the untouched
// bits from memory read *at that moment*, not from whenever the entry
// was originally acquired; every subsequent write only overwrites the
// bits named by its own mask, leaving previously-written bits (and the
// original pre-image for never-written bits) alone.
func (e *Entry) ApplyWrite(region *pmem.Region, value, mask uint64) {
	if mask == 0 {
		return
	}
	if e.Mask == 0 {
		// First payload write: seed the pre-image from current memory.
		pre := region.LoadWord(e.Addr)
		e.Value = (pre &^ mask) | (value & mask)
	} else {
		e.Value = (e.Value &^ mask) | (value & mask)
	}
	e.Mask |= mask
}

// WriteSet is the volatile part of component D: a fixed-capacity,
// index-addressed array (Design Notes: indices instead of raw
// pointers, so that the array can be safely discarded and
// reallocated across a restart). Its owned-form lock words encode
// indices into this array; Contains is the cheap, non-faulting
// membership test that lets a barrier tell "is this mine?" without
// dereferencing another transaction's entries.
type WriteSet struct {
	entries  []Entry
	capacity int
	nv       *NVLog
}

// New creates a write set with room for capacity entries, persisting
// its twin through nv (nil disables persistence, useful for isolation
// variants that never commit through the redo log).
func New(capacity int, nv *NVLog) *WriteSet {
	return &WriteSet{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
		nv:       nv,
	}
}

// Len returns the number of live entries.
func (ws *WriteSet) Len() int { return len(ws.entries) }

// Capacity returns the configured maximum number of entries.
func (ws *WriteSet) Capacity() int { return ws.capacity }

// Entry returns a pointer to the entry at index i. The pointer is only
// valid until the next call to FindOrExtend/AcquireAndInsert that
// appends a new entry (a slice grow may relocate the backing array).
func (ws *WriteSet) Entry(i int) *Entry { return &ws.entries[i] }

// Contains reports whether index names a live entry in this write set.
func (ws *WriteSet) Contains(index uint64) bool {
	return index < uint64(len(ws.entries))
}

// HasNext reports whether the entry at i has a bucket-chain successor.
func (e *Entry) HasNext() bool { return e.next != noNeighbor }

// NextIndex returns the entry's bucket-chain successor index; only
// meaningful when HasNext returns true.
func (e *Entry) NextIndex() int32 { return e.next }

// Reset clears the write set for reuse by a restarted or freshly begun
// transaction.
func (ws *WriteSet) Reset() {
	ws.entries = ws.entries[:0]
	if ws.nv != nil {
		ws.nv.SetNBEntries(0)
	}
}

// Resize replaces the write set with a fresh, larger array after a
// RESTART_REALLOCATE; it must only be called on a quiesced (just
// reset, not-yet-populated) write set belonging to a restarted
// transaction incarnation.
func (ws *WriteSet) Resize(newCapacity int, nv *NVLog) {
	ws.entries = make([]Entry, 0, newCapacity)
	ws.capacity = newCapacity
	ws.nv = nv
}

func (ws *WriteSet) append(e Entry) int {
	idx := len(ws.entries)
	ws.entries = append(ws.entries, e)
	if ws.nv != nil {
		ws.nv.WriteEntry(idx, e.Addr, e.Value, noNeighbor)
		ws.nv.SetNBEntries(len(ws.entries))
	}
	return idx
}

// FindOrExtend implements find_or_extend: given a bucket
// already owned by this transaction (headIndex is the chain head), it
// walks the bucket chain looking for addr. If found, it merges
// (value, mask) into the existing entry. Otherwise it appends a new
// entry, chains it after the bucket's tail, and — mirroring the
// original's own behavior exactly, including its asymmetry with
// AcquireAndInsert below — threads it into the cache-line chain of the
// last same-cache-block entry seen while walking this bucket's chain.
func (ws *WriteSet) FindOrExtend(region *pmem.Region, headIndex int, addr pmem.Addr, value, mask uint64, cacheLineSize uint64) (int, error) {
	block := blockAddr(addr, cacheLineSize)
	cur := headIndex
	var tail int = headIndex
	lastNeighbor := int32(noNeighbor)
	for {
		e := &ws.entries[cur]
		if blockAddr(e.Addr, cacheLineSize) == block {
			lastNeighbor = int32(cur)
		}
		if e.Addr == addr {
			e.ApplyWrite(region, value, mask)
			if ws.nv != nil {
				ws.nv.WriteValue(cur, e.Value)
			}
			return cur, nil
		}
		tail = cur
		if e.next == noNeighbor {
			break
		}
		cur = int(e.next)
	}

	if len(ws.entries) >= ws.capacity {
		return 0, ErrFull
	}

	version := ws.entries[headIndex].Version
	newEntry := Entry{Addr: addr, Version: version, Bucket: ws.entries[headIndex].Bucket, next: noNeighbor, cacheNeighbor: noNeighbor}
	newEntry.ApplyWrite(region, value, mask)

	idx := ws.append(newEntry)
	ws.entries[tail].next = int32(idx)

	if lastNeighbor != noNeighbor {
		ws.entries[idx].cacheNeighbor = ws.entries[lastNeighbor].cacheNeighbor
		ws.entries[lastNeighbor].cacheNeighbor = int32(idx)
		if ws.nv != nil {
			ws.nv.WriteNeighbor(lastNeighbor, int32(idx))
			ws.nv.WriteNeighbor(idx, ws.entries[idx].cacheNeighbor)
		}
	}
	return idx, nil
}

// AcquireAndInsert implements acquire_and_insert: the bucket
// is currently free-form with the given observed word; this attempts
// to CAS it to owned-form pointing at the next free entry index and
// stamped with ownerID, the transaction performing the acquire. On
// success it initializes and persists the new entry as the sole head
// of that bucket's chain for this transaction (no cache-line neighbor
// search here — see FindOrExtend's doc comment on that asymmetry).
func (ws *WriteSet) AcquireAndInsert(locks *locktable.Table, bucket uint64, observed locktable.Word, region *pmem.Region, addr pmem.Addr, value, mask, version, ownerID uint64) (int, error) {
	if len(ws.entries) >= ws.capacity {
		return 0, ErrFull
	}
	idx := len(ws.entries)
	if _, ok := locks.Acquire(bucket, observed, uint64(idx), ownerID); !ok {
		return 0, ErrLockContended
	}

	newEntry := Entry{Addr: addr, Version: version, Bucket: bucket, next: noNeighbor, cacheNeighbor: noNeighbor}
	newEntry.ApplyWrite(region, value, mask)
	got := ws.append(newEntry)
	return got, nil
}

func blockAddr(a pmem.Addr, lineSize uint64) pmem.Addr {
	return a &^ pmem.Addr(lineSize-1)
}

// PersistNV flushes this write set's persistent-twin slab, if it has
// one, covering only the bytes written so far rather than the whole
// backing region.
func (ws *WriteSet) PersistNV() error {
	if ws.nv == nil {
		return nil
	}
	return ws.nv.PersistRange()
}

// CacheLineChainFrom walks the cache-line-neighbor chain starting at
// index and returns every entry index reachable from it, used by
// commit to flush each affected cache line exactly once.
func (ws *WriteSet) CacheLineChainFrom(index int) []int {
	var out []int
	cur := int32(index)
	for cur != noNeighbor {
		out = append(out, int(cur))
		cur = ws.entries[cur].cacheNeighbor
	}
	return out
}
