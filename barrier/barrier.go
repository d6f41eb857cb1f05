// Package barrier implements the load and store barriers: the
// user-visible operations that route an address through the lock
// table, the write set, and the contention manager. Translated from
// barrier.c's pwb_load_internal / pwb_write_internal; the C goto
// restart / restart_no_load labels become the body of a Go for loop
// re-entered at the top.
package barrier

import (
	"github.com/lishuomountain/mnemosyne-gcc/cm"
	"github.com/lishuomountain/mnemosyne-gcc/locktable"
	"github.com/lishuomountain/mnemosyne-gcc/pmem"
	"github.com/lishuomountain/mnemosyne-gcc/readset"
	"github.com/lishuomountain/mnemosyne-gcc/redolog"
	"github.com/lishuomountain/mnemosyne-gcc/txn"
)

// reenter is how the loop below distinguishes "reload the lock word"
// from "reuse the one we already observed" across an iteration,
// mirroring restart vs restart_no_load.
type reenter int

const (
	reloadLock reenter = iota
	reuseLock
)

func onStack(t *txn.Tx, addr pmem.Addr) bool {
	if t.StackSize == 0 {
		return false
	}
	a := uintptr(addr)
	return a <= t.StackBase && a >= t.StackBase-t.StackSize
}

// Load implements pwb_load: returns the value addr holds under t's
// snapshot, recording a read-set entry unless t already owns the
// address or is read-only.
func Load(t *txn.Tx, addr pmem.Addr) uint64 {
	if onStack(t, addr) {
		return t.Region.LoadWord(addr)
	}

	if t.ShouldUpgrade() {
		entryIdx := storeInternal(t, addr, 0, 0)
		if t.Status != txn.Active {
			return 0
		}
		e := t.Writes.Entry(entryIdx)
		if e.Mask == 0 {
			return t.Region.LoadWord(addr)
		}
		return e.Value
	}

	bucket := t.Locks.Bucket(addr)

	var l locktable.Word
	mode := reloadLock
	for {
		if mode == reloadLock {
			l = t.Locks.Load(bucket)
		}
		mode = reloadLock

		if l.Owned() {
			if t.Writes != nil && t.Writes.Contains(l.Index()) {
				idx := l.Index()
				for {
					e := t.Writes.Entry(int(idx))
					if e.Addr == addr {
						if e.Mask == 0 {
							return t.Region.LoadWord(addr)
						}
						return e.Value
					}
					if !hasNext(t.Writes, int(idx)) {
						return t.Region.LoadWord(addr)
					}
					idx = uint64(nextIndex(t.Writes, int(idx)))
				}
			}

			switch t.Manager.Conflict(t.ID, l.OwnerID(), t.Attempt(bucket)) {
			case cm.Restart:
				mode = reloadLock
				continue
			case cm.RestartNoLoad:
				mode = reuseLock
				continue
			case cm.RestartLocked:
				txn.Throw(txn.LockedRead)
			}
			continue
		}

		// Free form.
		value := t.Region.LoadWord(addr)
		l2 := t.Locks.Load(bucket)
		if l != l2 {
			l = l2
			mode = reuseLock
			continue
		}

		version := l.Version()
		if version > t.End {
			if !t.TryExtend() {
				t.NotifyVisibleRead()
				txn.Throw(txn.ValidateRead)
			}
			l3 := t.Locks.Load(bucket)
			if l != l3 {
				l = l3
				mode = reuseLock
				continue
			}
		}

		if !t.ReadOnly {
			t.Reads.Append(readset.Entry{Bucket: bucket, Version: version})
		}
		return value
	}
}

// Store implements pwb_store: a full-word masked write (mask =
// all-ones).
func Store(t *txn.Tx, addr pmem.Addr, value uint64) {
	storeInternal(t, addr, value, ^uint64(0))
}

// Store2 implements pwb_store2: a masked sub-word write.
func Store2(t *txn.Tx, addr pmem.Addr, value, mask uint64) {
	storeInternal(t, addr, value, mask)
}

// storeInternal implements pwb_write_internal and returns the index of
// the write-set entry reflecting the write, or -1 for a stack address
// (including a zero-mask no-op there), which has no write-set entry.
func storeInternal(t *txn.Tx, addr pmem.Addr, value, mask uint64) int {
	if onStack(t, addr) {
		prev := t.Region.LoadWord(addr)
		if mask == 0 {
			return -1
		}
		if mask != ^uint64(0) {
			value = (prev &^ mask) | (value & mask)
		}
		t.Region.StoreWord(addr, value)
		return -1
	}

	bucket := t.Locks.Bucket(addr)

	var l locktable.Word
	mode := reloadLock
	for {
		if mode == reloadLock {
			l = t.Locks.Load(bucket)
		}
		mode = reloadLock

		if l.Owned() {
			if t.Writes.Contains(l.Index()) {
				idx, err := t.Writes.FindOrExtend(t.Region, int(l.Index()), addr, value, mask, t.CacheLineSize)
				if err == redolog.ErrFull {
					txn.Throw(txn.Reallocate)
				}
				return idx
			}

			switch t.Manager.Conflict(t.ID, l.OwnerID(), t.Attempt(bucket)) {
			case cm.Restart:
				mode = reloadLock
				continue
			case cm.RestartNoLoad:
				mode = reuseLock
				continue
			case cm.RestartLocked:
				txn.Throw(txn.LockedWrite)
			}
			continue
		}

		// Free form: handle write-after-read, then acquire. Unlike the
		// load barrier, a plain store never calls TryExtend: extending
		// is a full read-set revalidation, and the original's write
		// barrier only ever tests the static can_extend flag plus
		// whether this exact bucket is already in the read set.
		version := l.Version()
		if version > t.End {
			if !t.CanExtend || readHasBucket(t, bucket) {
				t.NotifyVisibleRead()
				txn.Throw(txn.ValidateWrite)
			}
		}

		idx, err := t.Writes.AcquireAndInsert(t.Locks, bucket, l, t.Region, addr, value, mask, version, t.ID)
		switch err {
		case nil:
			return idx
		case redolog.ErrFull:
			txn.Throw(txn.Reallocate)
		case redolog.ErrLockContended:
			mode = reloadLock
			continue
		}
		return idx
	}
}

func readHasBucket(t *txn.Tx, bucket uint64) bool {
	for _, r := range t.Reads.Entries() {
		if r.Bucket == bucket {
			return true
		}
	}
	return false
}

// hasNext/nextIndex expose just enough of WriteSet's internal chain to
// walk it from the barrier without making the chain pointers public
// API (the barrier is the only external caller that needs to).
func hasNext(ws *redolog.WriteSet, idx int) bool {
	return ws.Entry(idx).HasNext()
}

func nextIndex(ws *redolog.WriteSet, idx int) int32 {
	return ws.Entry(idx).NextIndex()
}
