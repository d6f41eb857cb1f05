package txn

import (
	"path/filepath"
	"testing"

	"github.com/lishuomountain/mnemosyne-gcc/clock"
	"github.com/lishuomountain/mnemosyne-gcc/cm"
	"github.com/lishuomountain/mnemosyne-gcc/locktable"
	"github.com/lishuomountain/mnemosyne-gcc/pmem"
	"github.com/lishuomountain/mnemosyne-gcc/readset"
	"github.com/lishuomountain/mnemosyne-gcc/redolog"
)

type noopManager struct{}

func (noopManager) Conflict(uint64, uint64, int) cm.Verdict { return cm.RestartLocked }
func (noopManager) UpgradeLock(uint64, int) bool            { return false }
func (noopManager) VisibleRead(uint64)                      {}

func newTestTx(t *testing.T) (*Tx, *pmem.Region, *redolog.NVLog) {
	t.Helper()
	region, err := pmem.Open(filepath.Join(t.TempDir(), "arena.db"), 4096)
	if err != nil {
		t.Fatalf("open region: %v", err)
	}
	t.Cleanup(func() { region.Close() })

	locks := locktable.New(locktable.Config{Size: 64, ShiftBits: 3})
	gclock := clock.New()
	tx := New(region, locks, gclock, noopManager{}, 64)
	// The slab sits past the addresses the tests write, so its records
	// never overwrite test data.
	nv := redolog.NewNVLog(region, 2048, 8)
	return tx, region, nv
}

func TestBeginResetsState(t *testing.T) {
	tx, _, nv := newTestTx(t)
	tx.Begin(4, nv)
	if tx.Status != Active {
		t.Fatalf("expected Active after Begin, got %v", tx.Status)
	}
	if tx.Start != tx.End {
		t.Fatalf("expected start==end at begin, got %d/%d", tx.Start, tx.End)
	}
	if tx.Reads.Len() != 0 || tx.Writes.Len() != 0 {
		t.Fatal("expected empty read/write sets at begin")
	}
}

func TestBeginPreservesGrownCapacity(t *testing.T) {
	tx, _, nv := newTestTx(t)
	tx.Begin(4, nv)
	tx.Writes.Resize(16, nv)
	tx.Begin(4, nv) // simulate the next incarnation after a restart
	if tx.Writes.Capacity() != 16 {
		t.Fatalf("expected grown capacity 16 to survive Begin, got %d", tx.Writes.Capacity())
	}
}

func TestReadOnlyDisablesExtend(t *testing.T) {
	tx, _, nv := newTestTx(t)
	tx.Begin(4, nv, WithReadOnly())
	if tx.CanExtend {
		t.Fatal("read-only transactions must not extend")
	}
	if !tx.ReadOnly {
		t.Fatal("expected ReadOnly to stick after Begin")
	}
}

func TestCommitReadOnlyTakesFastPath(t *testing.T) {
	tx, _, nv := newTestTx(t)
	tx.Begin(4, nv)
	tx.Commit()
	if tx.Status != Committed {
		t.Fatalf("expected Committed, got %v", tx.Status)
	}
	if tx.LastCommitTS != 0 {
		t.Fatalf("expected LastCommitTS 0 for a read-only commit, got %d", tx.LastCommitTS)
	}
}

func TestCommitWriteThroughAppliesMaskedValue(t *testing.T) {
	tx, region, nv := newTestTx(t)
	region.StoreWord(8, 0xFFFFFFFFFFFFFFFF)
	tx.Begin(4, nv)

	bucket := tx.Locks.Bucket(8)
	observed := tx.Locks.Load(bucket)
	_, err := tx.Writes.AcquireAndInsert(tx.Locks, bucket, observed, region, 8, 0x00, 0x000000FF, observed.Version(), tx.ID)
	if err != nil {
		t.Fatalf("acquire and insert: %v", err)
	}

	tx.Commit()
	if tx.Status != Committed {
		t.Fatalf("expected Committed, got %v", tx.Status)
	}
	if got := region.LoadWord(8); got != 0xFFFFFFFFFFFFFF00 {
		t.Fatalf("expected masked write-through, got %#x", got)
	}
	if tx.Locks.Load(bucket).Owned() {
		t.Fatal("expected bucket released back to free-form after commit")
	}
}

func TestAbortReleasesOwnedLocks(t *testing.T) {
	tx, region, nv := newTestTx(t)
	tx.Begin(4, nv)

	bucket := tx.Locks.Bucket(8)
	observed := tx.Locks.Load(bucket)
	tx.Writes.AcquireAndInsert(tx.Locks, bucket, observed, region, 8, 1, ^uint64(0), observed.Version(), tx.ID)

	tx.Abort()
	if tx.Status != Aborted {
		t.Fatalf("expected Aborted, got %v", tx.Status)
	}
	if tx.Locks.Load(bucket).Owned() {
		t.Fatal("expected bucket released after abort")
	}
}

func TestThrowPanicsWithRestart(t *testing.T) {
	defer func() {
		p := recover()
		r, ok := p.(*Restart)
		if !ok {
			t.Fatalf("expected *Restart panic, got %#v", p)
		}
		if r.Reason != LockedWrite {
			t.Fatalf("expected LockedWrite, got %v", r.Reason)
		}
	}()
	Throw(LockedWrite)
	t.Fatal("Throw must not return")
}

func TestValidateReadSetDetectsForeignVersionBump(t *testing.T) {
	tx, _, nv := newTestTx(t)
	tx.Begin(4, nv)

	bucket := tx.Locks.Bucket(8)
	tx.Reads.Append(readset.Entry{Bucket: bucket, Version: 0})

	if !tx.validateReadSet(0) {
		t.Fatal("expected validation to pass when nothing has changed")
	}

	tx.Locks.Publish(bucket, 5) // a foreign commit bumps the version
	if tx.validateReadSet(0) {
		t.Fatal("expected validation to fail once the bucket's version exceeds the bound")
	}
}

func TestValidateReadSetAllowsOwnWrites(t *testing.T) {
	tx, region, nv := newTestTx(t)
	tx.Begin(4, nv)

	bucket := tx.Locks.Bucket(8)
	observed := tx.Locks.Load(bucket)
	tx.Writes.AcquireAndInsert(tx.Locks, bucket, observed, region, 8, 1, ^uint64(0), observed.Version(), tx.ID)
	tx.Reads.Append(readset.Entry{Bucket: bucket, Version: 0})

	if !tx.validateReadSet(0) {
		t.Fatal("a bucket owned by this transaction's own write set must validate")
	}
}

func TestTryExtendAdvancesEnd(t *testing.T) {
	tx, _, nv := newTestTx(t)
	tx.Begin(4, nv)
	tx.Clock.FetchInc()
	if !tx.TryExtend() {
		t.Fatal("expected TryExtend to succeed with an empty read set")
	}
	if tx.End != tx.Clock.Get() {
		t.Fatalf("expected End to advance to the current clock, got %d vs %d", tx.End, tx.Clock.Get())
	}
}

func TestNotifyVisibleReadUpgrades(t *testing.T) {
	tx, _, nv := newTestTx(t)
	tx.Manager = &cm.Priority{UpgradeThreshold: 1}
	tx.Begin(4, nv)
	if tx.ShouldUpgrade() {
		t.Fatal("should not upgrade before any invisible-read abort")
	}
	tx.NotifyVisibleRead()
	if !tx.ShouldUpgrade() {
		t.Fatal("expected upgrade after reaching the threshold")
	}
}
