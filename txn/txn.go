// Package txn implements the transaction descriptor and the
// commit/abort/validate core. The barrier package drives
// a Tx through its load/store barriers; this package owns what
// happens at the boundaries: beginning a snapshot, validating it,
// committing or aborting it, and restarting it.
package txn

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/lishuomountain/mnemosyne-gcc/clock"
	"github.com/lishuomountain/mnemosyne-gcc/cm"
	"github.com/lishuomountain/mnemosyne-gcc/locktable"
	"github.com/lishuomountain/mnemosyne-gcc/pmem"
	"github.com/lishuomountain/mnemosyne-gcc/pstmmetrics"
	"github.com/lishuomountain/mnemosyne-gcc/readset"
	"github.com/lishuomountain/mnemosyne-gcc/redolog"
	"github.com/lishuomountain/mnemosyne-gcc/stmlog"
)

// Status is a transaction's lifecycle state.
type Status int

const (
	Idle Status = iota
	Active
	Committed
	Aborted
	Irrevocable
	Serial
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Active:
		return "ACTIVE"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	case Irrevocable:
		return "IRREVOCABLE"
	case Serial:
		return "SERIAL"
	default:
		return "UNKNOWN"
	}
}

// RestartReason names why a transaction is being restarted. It is the
// engine's only user-visible failure mode.
type RestartReason int

const (
	Reallocate RestartReason = iota
	LockedRead
	LockedWrite
	ValidateRead
	ValidateWrite
	ValidateCommit
	NotReadonly
	UserRetry
)

func (r RestartReason) String() string {
	switch r {
	case Reallocate:
		return "REALLOCATE"
	case LockedRead:
		return "LOCKED_READ"
	case LockedWrite:
		return "LOCKED_WRITE"
	case ValidateRead:
		return "VALIDATE_READ"
	case ValidateWrite:
		return "VALIDATE_WRITE"
	case ValidateCommit:
		return "VALIDATE_COMMIT"
	case NotReadonly:
		return "NOT_READONLY"
	case UserRetry:
		return "USER_RETRY"
	default:
		return "UNKNOWN"
	}
}

// Restart is panicked by a barrier or by Commit to unwind the user's
// transaction body back to Engine.Atomically's recover point; it
// stands in for the original's non-returning jump to a saved
// continuation, since Go has no setjmp/longjmp.
type Restart struct {
	Reason RestartReason
}

func (r *Restart) Error() string {
	return fmt.Sprintf("txn: restart (%s)", r.Reason)
}

// Throw panics with a Restart carrying reason; barriers call this
// instead of returning an error: a barrier either returns a value
// consistent with a committable snapshot or it does not return.
func Throw(reason RestartReason) {
	pstmmetrics.AbortReason(reason.String())
	if reason == Reallocate {
		pstmmetrics.ReallocationsTotal.Inc()
	}
	panic(&Restart{Reason: reason})
}

// Tx is the transaction descriptor.
type Tx struct {
	ID uint64

	Region  *pmem.Region
	Locks   *locktable.Table
	Clock   *clock.Clock
	Manager cm.Manager

	CacheLineSize uint64

	Status       Status
	Start        uint64
	End          uint64
	CanExtend    bool
	ReadOnly     bool
	LastCommitTS uint64

	StackBase uintptr
	StackSize uintptr

	Reads  *readset.Set
	Writes *redolog.WriteSet

	attempt             map[uint64]int // per-bucket conflict attempt counter, reset each barrier call
	invisibleReadAborts int
	visibleReads        bool
}

// Option configures a freshly begun Tx.
type Option func(*Tx)

// WithReadOnly marks the transaction read-only: its loads skip read-set
// recording and read-set extension. Stores are not rejected; a store in
// a read-only transaction still acquires its lock and write-set entry.
func WithReadOnly() Option {
	return func(t *Tx) { t.ReadOnly = true }
}

// WithStack configures the stack-filter geometry bypassing the TM
// entirely for addresses in [base-size, base].
func WithStack(base, size uintptr) Option {
	return func(t *Tx) { t.StackBase, t.StackSize = base, size }
}

// New creates a Tx bound to the given collaborators; call Begin before
// running a transaction body.
func New(region *pmem.Region, locks *locktable.Table, gclock *clock.Clock, manager cm.Manager, cacheLineSize uint64) *Tx {
	return &Tx{
		ID:            newID(),
		Region:        region,
		Locks:         locks,
		Clock:         gclock,
		Manager:       manager,
		CacheLineSize: cacheLineSize,
		Reads:         readset.New(8),
		attempt:       make(map[uint64]int),
	}
}

// newID derives a compact transaction identifier from a fresh UUID, so
// that CM PRIORITY scoring and log correlation get a stable, unique
// handle without the full 128 bits. The identifier is cut to the width
// of a lock word's owner field, so locktable.Word.OwnerID returns it
// unchanged and a contention manager compares like with like.
func newID() uint64 {
	id := uuid.New()
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(id[i])
	}
	return locktable.OwnedWithIndex(0, v).OwnerID()
}

// Begin starts a fresh snapshot: start = end = clock.Get(), status =
// ACTIVE. writeCapacity sizes the write set;
// nv, if non-nil, is this incarnation's persistent-twin slab.
func (t *Tx) Begin(writeCapacity int, nv *redolog.NVLog, opts ...Option) {
	t.Clock.Enter()
	t.Start = t.Clock.Get()
	t.End = t.Start
	t.CanExtend = !t.ReadOnly
	t.ReadOnly = false
	t.Status = Active
	t.Reads.Reset()
	if t.Writes == nil {
		t.Writes = redolog.New(writeCapacity, nv)
	} else {
		// Capacity may already have grown past writeCapacity via a prior
		// RESTART_REALLOCATE (redolog.WriteSet.Resize); Begin must not
		// undo that growth on the next incarnation.
		t.Writes.Reset()
	}
	for k := range t.attempt {
		delete(t.attempt, k)
	}
	for _, o := range opts {
		o(t)
	}
	if t.ReadOnly {
		t.CanExtend = false
	}
}

// Attempt returns and increments the conflict-retry counter for
// bucket, fed to the contention manager's Conflict call so strategies
// like BACKOFF can escalate.
func (t *Tx) Attempt(bucket uint64) int {
	n := t.attempt[bucket]
	t.attempt[bucket] = n + 1
	return n
}

// NotifyVisibleRead records an abort attributable to an invisible
// read and asks the contention manager whether this transaction
// should now switch to proactive (visible-read) locking on load.
func (t *Tx) NotifyVisibleRead() {
	t.invisibleReadAborts++
	t.Manager.VisibleRead(t.ID)
	if t.Manager.UpgradeLock(t.ID, t.invisibleReadAborts) {
		t.visibleReads = true
	}
}

// ShouldUpgrade reports whether the load barrier should synthesize a
// zero-masked write instead of a plain read.
func (t *Tx) ShouldUpgrade() bool { return t.visibleReads }

// extend revalidates the whole read set against the current clock and,
// if it passes, advances end to newEnd. Returns false if the tx cannot
// extend (read-only, or extension disabled) or validation fails.
func (t *Tx) extend(newEnd uint64) bool {
	if !t.CanExtend {
		return false
	}
	if !t.validateReadSet(newEnd) {
		return false
	}
	t.End = newEnd
	return true
}

// validateReadSet implements mtm_validate: for each read-set entry, the observed lock must be either free-form with
// a timestamp at or below bound, or owned-form pointing into this
// transaction's own write set.
func (t *Tx) validateReadSet(bound uint64) bool {
	for _, r := range t.Reads.Entries() {
		l := t.Locks.Load(r.Bucket)
		if l.Owned() {
			if !t.Writes.Contains(l.Index()) {
				return false
			}
			continue
		}
		if l.Version() > bound {
			return false
		}
	}
	return true
}

// TryExtend is the load barrier's entry point into read-set
// extension: it attempts to advance end to the clock's current value.
func (t *Tx) TryExtend() bool {
	now := t.Clock.Get()
	if now == clock.Overflow {
		return false
	}
	return t.extend(now)
}

// Commit implements the commit protocol. It panics with a Restart on
// VALIDATE_COMMIT failure without releasing its locks; callers must
// recover at Engine.Atomically's loop boundary same as any other
// barrier-thrown restart, where Abort releases them.
func (t *Tx) Commit() {
	timer := pstmmetrics.NewTimer()
	defer timer.ObserveDuration(pstmmetrics.CommitDuration)

	if t.Writes == nil || t.Writes.Len() == 0 {
		t.Status = Committed
		t.LastCommitTS = 0
		t.Clock.Exit(func() { t.Locks.Reset() })
		pstmmetrics.ReadOnlyCommitsTotal.Inc()
		return
	}

	newTS := t.Clock.FetchInc()
	if newTS == clock.Overflow {
		Throw(ValidateCommit)
	}
	if newTS != t.End+1 {
		if !t.validateReadSet(newTS - 1) {
			Throw(ValidateCommit)
		}
	}

	t.persistRedoLog()
	t.writeThrough()
	t.publishLocks(newTS)

	t.Status = Committed
	t.LastCommitTS = newTS
	t.Clock.Exit(func() { t.Locks.Reset() })

	pstmmetrics.CommitsTotal.Inc()
	pstmmetrics.WriteSetSize.Observe(float64(t.Writes.Len()))
	pstmmetrics.ReadSetSize.Observe(float64(t.Reads.Len()))
	stmlog.Debug("tx committed", "tx", t.ID, "ts", newTS, "entries", t.Writes.Len())
}

// persistRedoLog implements commit step c: entries were already
// stream-stored to their persistent twins as they were inserted
// (redolog.WriteSet.append/FindOrExtend); what remains is fencing them
// durable. The slab is a compact header-plus-array, not a set of
// cache lines scattered across the arena, so there is nothing to dedupe
// here the way writeThrough dedupes per cache line below — one ranged
// flush over the slab's in-use span is already minimal.
func (t *Tx) persistRedoLog() {
	if err := t.Writes.PersistNV(); err != nil {
		stmlog.Error("redo log persist failed", "tx", t.ID, "err", err)
	}
}

// writeThrough implements commit step d: apply (mem & ~mask) | (value
// & mask) to every live write-set location. Entries are grouped by
// redolog.WriteSet.CacheLineChainFrom before applying, and each cache
// line is flushed exactly once via pmem.Region.PersistRange (a line
// reached by chains of two buckets is not flushed again) rather than
// fencing the whole arena per commit.
func (t *Tx) writeThrough() {
	visited := make(map[int]bool, t.Writes.Len())
	flushed := make(map[pmem.Addr]bool)
	for i := 0; i < t.Writes.Len(); i++ {
		if visited[i] {
			continue
		}
		chain := t.Writes.CacheLineChainFrom(i)

		var block pmem.Addr
		dirty := false
		for _, idx := range chain {
			visited[idx] = true
			e := t.Writes.Entry(idx)
			if e.Mask == 0 {
				continue
			}
			if !dirty {
				block = e.Addr &^ pmem.Addr(t.CacheLineSize-1)
				dirty = true
			}
			cur := t.Region.LoadWord(e.Addr)
			t.Region.StoreWord(e.Addr, (cur&^e.Mask)|(e.Value&e.Mask))
		}
		if !dirty || flushed[block] {
			continue
		}
		flushed[block] = true
		if err := t.Region.PersistRange(block, int(t.CacheLineSize)); err != nil {
			stmlog.Error("write-through persist failed", "tx", t.ID, "err", err)
		}
	}
}

// publishLocks implements commit step e: release each distinct lock
// with the new timestamp.
func (t *Tx) publishLocks(newTS uint64) {
	seen := make(map[uint64]bool)
	for i := 0; i < t.Writes.Len(); i++ {
		b := t.Writes.Entry(i).Bucket
		if seen[b] {
			continue
		}
		seen[b] = true
		t.Locks.Publish(b, newTS)
	}
}

// releaseOwned restores every owned bucket to free-form carrying its
// pre-acquisition version.
func (t *Tx) releaseOwned() {
	seen := make(map[uint64]bool)
	for i := 0; i < t.Writes.Len(); i++ {
		e := t.Writes.Entry(i)
		if seen[e.Bucket] {
			continue
		}
		seen[e.Bucket] = true
		t.Locks.Release(e.Bucket, e.Version)
	}
}

// Abort releases owned locks and discards
// both sets (persistent redo is ignored by recovery because owner-form
// lock words are never released with a new timestamp).
func (t *Tx) Abort() {
	t.releaseOwned()
	t.Status = Aborted
	t.Clock.Exit(func() { t.Locks.Reset() })
	stmlog.Debug("tx aborted", "tx", t.ID)
}
