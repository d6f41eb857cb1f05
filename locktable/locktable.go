// Package locktable implements the lock/version word array: one atomic
// machine word per bucket, interpreted as a tagged union of
// a free-form version timestamp or an owned-form index into the owning
// transaction's write-set array.
package locktable

import (
	"sync/atomic"

	"github.com/lishuomountain/mnemosyne-gcc/pmem"
)

// Word is a tagged lock-table entry: bit 0 is the ownership tag; the
// remaining 63 bits are either a version timestamp (free form) or, in
// owned form, two packed fields: the low indexBits bits are an index
// into the owning transaction's write-set array, and the high bits are
// that transaction's real identity (its Tx.ID, truncated). A
// raw-pointer C original would steal alignment bits off a pointer and
// store tx->priority directly alongside it (barrier.c's
// LOCK_SET_ADDR); this translation has no pointer to steal bits from,
// so it packs both fields into the word explicitly. Carrying the real
// identity is what lets a contention manager like cm.Priority break
// ties by owner rather than by write-set slot, which every transaction
// reuses starting from index 0.
type Word uint64

// indexBits is the width of the write-set index field packed into an
// owned-form word; the remaining high bits (below the tag) carry the
// owner's truncated identity. 24 bits comfortably covers any
// configured write-set ceiling.
const indexBits = 24

const indexMask = (uint64(1) << indexBits) - 1

// FreeWithVersion builds a free-form lock word carrying version.
func FreeWithVersion(version uint64) Word { return Word(version << 1) }

// OwnedWithIndex builds an owned-form lock word pointing at the given
// write-set entry index and stamped with ownerID, the owning
// transaction's identity.
func OwnedWithIndex(index, ownerID uint64) Word {
	return Word(((ownerID<<indexBits | (index & indexMask)) << 1) | 1)
}

// Owned reports whether the word is in owned form.
func (w Word) Owned() bool { return w&1 != 0 }

// Version extracts the version timestamp from a free-form word. Only
// meaningful when !Owned().
func (w Word) Version() uint64 { return uint64(w) >> 1 }

// Index extracts the write-set entry index from an owned-form word.
// Only meaningful when Owned().
func (w Word) Index() uint64 { return (uint64(w) >> 1) & indexMask }

// OwnerID extracts the owning transaction's (truncated) identity from
// an owned-form word. Only meaningful when Owned(). This is what a
// contention manager should hash or compare for a tie-break, never
// Index(), which is a local array slot shared by unrelated
// transactions.
func (w Word) OwnerID() uint64 { return uint64(w) >> (1 + indexBits) }

// Config controls how addresses are hashed into bucket indices.
type Config struct {
	// Size is the number of buckets; must be a power of two.
	Size uint64
	// ShiftBits discards the low bits of an address before hashing,
	// since adjacent words would otherwise alias to neighboring
	// buckets (LOCK_SHIFT_EXTRA adds bits beyond log2(WordSize)).
	ShiftBits uint
	// IndexSwap byte-swaps the low 16 bits of the computed index to
	// avoid consecutive addresses mapping to neighboring locks
	// (LOCK_IDX_SWAP).
	IndexSwap bool
}

// DefaultConfig returns sensible defaults: shift past a full word,
// table sized for 2^20 buckets, no index swap.
func DefaultConfig() Config {
	return Config{
		Size:      1 << 20,
		ShiftBits: 3 + 2, // log2(WordSize) + LOCK_SHIFT_EXTRA
		IndexSwap: false,
	}
}

// Hash computes the bucket index for addr per the configured scheme.
func (c Config) Hash(addr pmem.Addr) uint64 {
	idx := (uint64(addr) >> c.ShiftBits) & (c.Size - 1)
	if c.IndexSwap {
		idx = (idx &^ 0xFFFF) | ((idx & 0x00FF) << 8) | ((idx & 0xFF00) >> 8)
	}
	return idx
}

// Table is an array of lock words, addressed by bucket index. The
// global table is mutated via CAS (Acquire) because multiple threads
// contend for it; a private, per-transaction table (constructed with
// NewPrivate) is mutated with plain stores because, with isolation
// disabled, only the owning transaction ever touches it.
type Table struct {
	buckets []atomic.Uint64
	private bool
	cfg     Config
}

// New creates the global, CAS-protected lock table.
func New(cfg Config) *Table {
	return &Table{buckets: make([]atomic.Uint64, cfg.Size), cfg: cfg}
}

// NewPrivate creates a per-transaction pseudo-lock table used when
// isolation is disabled (ENABLE_ISOLATION=off). It has the same shape
// as the global table, sized independently, and never uses CAS.
func NewPrivate(cfg Config) *Table {
	return &Table{buckets: make([]atomic.Uint64, cfg.Size), private: true, cfg: cfg}
}

// Bucket returns the bucket index addr hashes to.
func (t *Table) Bucket(addr pmem.Addr) uint64 {
	return t.cfg.Hash(addr) & (uint64(len(t.buckets)) - 1)
}

// Load performs an acquire-ordered read of the bucket's lock word.
func (t *Table) Load(bucket uint64) Word {
	return Word(t.buckets[bucket].Load())
}

// Acquire attempts to CAS the bucket from a known free-form word to an
// owned-form word pointing at writeIndex and stamped with ownerID.
// Returns the word actually observed (useful to retry without
// reloading) and whether the CAS succeeded. On a private table this
// degenerates to an unconditional plain store: a private table has no
// contending owner to CAS against.
func (t *Table) Acquire(bucket uint64, expectedFree Word, writeIndex, ownerID uint64) (observed Word, ok bool) {
	owned := OwnedWithIndex(writeIndex, ownerID)
	if t.private {
		t.buckets[bucket].Store(uint64(owned))
		return owned, true
	}
	if t.buckets[bucket].CompareAndSwap(uint64(expectedFree), uint64(owned)) {
		return owned, true
	}
	return Word(t.buckets[bucket].Load()), false
}

// Publish releases an owned-form bucket back to free form carrying
// newVersion, via a plain release store.
func (t *Table) Publish(bucket uint64, newVersion uint64) {
	t.buckets[bucket].Store(uint64(FreeWithVersion(newVersion)))
}

// Release restores an owned-form bucket to free form carrying the
// version it held before acquisition.
func (t *Table) Release(bucket uint64, priorVersion uint64) {
	t.buckets[bucket].Store(uint64(FreeWithVersion(priorVersion)))
}

// Reset clears every bucket to the zero free-form word (version 0). It
// is called by the global clock's rollover reset while all
// transactions are quiesced.
func (t *Table) Reset() {
	for i := range t.buckets {
		t.buckets[i].Store(0)
	}
}

// Occupied counts buckets currently in owned form. It is O(table size)
// and meant for periodic metrics sampling, not the commit hot path.
func (t *Table) Occupied() int {
	n := 0
	for i := range t.buckets {
		if Word(t.buckets[i].Load()).Owned() {
			n++
		}
	}
	return n
}

// InRange reports whether index falls within [0, nbEntries), i.e.
// whether an owned-form lock word observed by anyone belongs to a
// write set with nbEntries live entries. This is the cheap,
// non-faulting "is this mine?" test: the caller supplies its own
// nbEntries so this function never dereferences foreign memory.
func InRange(index uint64, nbEntries int) bool {
	return index < uint64(nbEntries)
}
