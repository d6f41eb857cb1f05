package redolog

import "github.com/lishuomountain/mnemosyne-gcc/pmem"

// entryWordCount is the number of persistent words per write-set
// entry record: address, value, cache-line-neighbor index.
const entryWordCount = 3

// NVLog is the persistent twin of a write set: a slab of a pmem.Region
// holding a header word (live entry count) followed by fixed-size
// entry records. It
// exists so that a crash between commit and apply can be recovered by
// replaying entries still present here (see package recovery).
type NVLog struct {
	region *pmem.Region
	base   pmem.Addr
	cap    int
}

// NewNVLog creates a persistent-twin view over region starting at
// base, sized for cap entries. The caller is responsible for reserving
// non-overlapping slabs for each transaction slot.
func NewNVLog(region *pmem.Region, base pmem.Addr, cap int) *NVLog {
	return &NVLog{region: region, base: base, cap: cap}
}

func (n *NVLog) headerAddr() pmem.Addr { return n.base }

func (n *NVLog) entryAddr(i int) pmem.Addr {
	return n.base + pmem.WordSize + pmem.Addr(i*entryWordCount*int(pmem.WordSize))
}

// SetNBEntries persists the live entry count, the field recovery reads
// first to know how many records in this slab are meaningful.
func (n *NVLog) SetNBEntries(count int) {
	n.region.StreamStore(n.headerAddr(), uint64(count))
}

// WriteEntry persists a full entry record: address, value, and the
// cache-line-neighbor index (-1 encoded as ^uint64(0) sentinel-free via
// two's complement through uint64, matching noNeighbor's -1).
func (n *NVLog) WriteEntry(i int, addr pmem.Addr, value uint64, neighbor int32) {
	off := n.entryAddr(i)
	n.region.StreamStore(off, uint64(addr))
	n.region.StreamStore(off+pmem.WordSize, value)
	n.region.StreamStore(off+2*pmem.WordSize, uint64(int64(neighbor)))
}

// WriteValue updates only the value word of an already-persisted
// entry, used when FindOrExtend merges a further mask into an
// existing entry.
func (n *NVLog) WriteValue(i int, value uint64) {
	n.region.StreamStore(n.entryAddr(i)+pmem.WordSize, value)
}

// WriteNeighbor updates only the cache-line-neighbor word of an
// already-persisted entry.
func (n *NVLog) WriteNeighbor(i int, neighbor int32) {
	n.region.StreamStore(n.entryAddr(i)+2*pmem.WordSize, uint64(int64(neighbor)))
}

// Sync flushes the region holding this log to durable storage,
// completing the persist-before-commit ordering requirement.
func (n *NVLog) Sync() error { return n.region.Sync() }

// PersistRange flushes only the slab bytes actually in use — the
// header plus every entry up to the live count — instead of the whole
// backing region. The slab is a compact header-plus-array, not a set
// of scattered cache lines, so there is no per-entry chain to dedupe
// here; one ranged flush covering the in-use span is already minimal.
func (n *NVLog) PersistRange() error {
	span := int(n.entryAddr(n.NBEntries()) - n.base)
	return n.region.PersistRange(n.base, span)
}

// SlabWords returns how many pmem words a slab needs to hold cap
// entries plus its header, for callers reserving arena space.
func SlabWords(cap int) int {
	return 1 + cap*entryWordCount
}

// ReadEntry reads back a persisted record, used by recovery replay.
func (n *NVLog) ReadEntry(i int) (addr pmem.Addr, value uint64, neighbor int32) {
	off := n.entryAddr(i)
	addr = pmem.Addr(n.region.LoadWord(off))
	value = n.region.LoadWord(off + pmem.WordSize)
	neighbor = int32(int64(n.region.LoadWord(off + 2*pmem.WordSize)))
	return
}

// NBEntries reads back the persisted live entry count.
func (n *NVLog) NBEntries() int {
	return int(n.region.LoadWord(n.headerAddr()))
}

// Cap returns the configured entry capacity of this slab.
func (n *NVLog) Cap() int { return n.cap }
