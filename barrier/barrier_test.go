package barrier

import (
	"path/filepath"
	"testing"

	"github.com/lishuomountain/mnemosyne-gcc/clock"
	"github.com/lishuomountain/mnemosyne-gcc/cm"
	"github.com/lishuomountain/mnemosyne-gcc/locktable"
	"github.com/lishuomountain/mnemosyne-gcc/pmem"
	"github.com/lishuomountain/mnemosyne-gcc/redolog"
	"github.com/lishuomountain/mnemosyne-gcc/txn"
)

// giveUpManager always concedes immediately, so a foreign-owned lock
// turns into a deterministic RESTART_LOCKED rather than spinning.
type giveUpManager struct{}

func (giveUpManager) Conflict(uint64, uint64, int) cm.Verdict { return cm.RestartLocked }
func (giveUpManager) UpgradeLock(uint64, int) bool            { return false }
func (giveUpManager) VisibleRead(uint64)                      {}

func newBarrierTx(t *testing.T) *txn.Tx {
	t.Helper()
	region, err := pmem.Open(filepath.Join(t.TempDir(), "arena.db"), 4096)
	if err != nil {
		t.Fatalf("open region: %v", err)
	}
	t.Cleanup(func() { region.Close() })

	locks := locktable.New(locktable.Config{Size: 64, ShiftBits: 3})
	gclock := clock.New()
	tx := txn.New(region, locks, gclock, giveUpManager{}, 64)
	nv := redolog.NewNVLog(region, 0, 8)
	tx.Begin(8, nv)
	return tx
}

func expectRestart(t *testing.T, reason txn.RestartReason) {
	t.Helper()
	p := recover()
	if p == nil {
		t.Fatalf("expected a restart panic with reason %v, got none", reason)
	}
	r, ok := p.(*txn.Restart)
	if !ok {
		t.Fatalf("expected *txn.Restart, got %#v", p)
	}
	if r.Reason != reason {
		t.Fatalf("expected reason %v, got %v", reason, r.Reason)
	}
}

func TestStoreThenLoadSeesOwnWrite(t *testing.T) {
	tx := newBarrierTx(t)
	Store(tx, 8, 42)
	if v := Load(tx, 8); v != 42 {
		t.Fatalf("expected to read back 42, got %d", v)
	}
}

func TestStore2MasksSubWord(t *testing.T) {
	tx := newBarrierTx(t)
	tx.Region.StoreWord(8, 0xFFFFFFFFFFFFFFFF)
	Store2(tx, 8, 0x00, 0x000000FF)
	if v := Load(tx, 8); v != 0xFFFFFFFFFFFFFF00 {
		t.Fatalf("expected masked merge visible to a later load, got %#x", v)
	}
}

func TestLoadFreeFormRecordsReadSet(t *testing.T) {
	tx := newBarrierTx(t)
	tx.Region.StoreWord(16, 7)
	if v := Load(tx, 16); v != 7 {
		t.Fatalf("expected 7, got %d", v)
	}
	if tx.Reads.Len() != 1 {
		t.Fatalf("expected one read-set entry, got %d", tx.Reads.Len())
	}
}

func TestReadOnlyLoadSkipsReadSet(t *testing.T) {
	region, err := pmem.Open(filepath.Join(t.TempDir(), "arena.db"), 4096)
	if err != nil {
		t.Fatalf("open region: %v", err)
	}
	defer region.Close()
	locks := locktable.New(locktable.Config{Size: 64, ShiftBits: 3})
	tx := txn.New(region, locks, clock.New(), giveUpManager{}, 64)
	nv := redolog.NewNVLog(region, 0, 8)
	tx.Begin(8, nv, txn.WithReadOnly())

	region.StoreWord(16, 9)
	Load(tx, 16)
	if tx.Reads.Len() != 0 {
		t.Fatalf("expected read-only loads to skip the read set, got %d entries", tx.Reads.Len())
	}
}

func TestLoadForeignOwnedLockRestarts(t *testing.T) {
	tx := newBarrierTx(t)
	bucket := tx.Locks.Bucket(24)
	tx.Locks.Acquire(bucket, tx.Locks.Load(bucket), 0, 99) // owned by a foreign transaction

	defer expectRestart(t, txn.LockedRead)
	Load(tx, 24)
}

func TestStoreForeignOwnedLockRestarts(t *testing.T) {
	tx := newBarrierTx(t)
	bucket := tx.Locks.Bucket(24)
	tx.Locks.Acquire(bucket, tx.Locks.Load(bucket), 0, 99)

	defer expectRestart(t, txn.LockedWrite)
	Store(tx, 24, 1)
}

func TestStackAddressBypassesBarriers(t *testing.T) {
	region, err := pmem.Open(filepath.Join(t.TempDir(), "arena.db"), 4096)
	if err != nil {
		t.Fatalf("open region: %v", err)
	}
	defer region.Close()
	locks := locktable.New(locktable.Config{Size: 64, ShiftBits: 3})
	tx := txn.New(region, locks, clock.New(), giveUpManager{}, 64)
	nv := redolog.NewNVLog(region, 0, 8)
	base := uintptr(2048)
	tx.Begin(8, nv, txn.WithStack(base, 512))

	stackAddr := pmem.Addr(base - 64)
	Store(tx, stackAddr, 123)
	if v := Load(tx, stackAddr); v != 123 {
		t.Fatalf("expected stack write to be visible via direct memory, got %d", v)
	}
	if tx.Writes.Len() != 0 {
		t.Fatalf("expected no write-set entry for a stack address, got %d", tx.Writes.Len())
	}
}

func TestFindOrExtendWithinSameTx(t *testing.T) {
	tx := newBarrierTx(t)
	Store2(tx, 32, 0x01, 0x000000FF)
	Store2(tx, 32, 0x0200, 0x0000FF00)
	if v := Load(tx, 32); v != 0x0201 {
		t.Fatalf("expected cumulative masked writes to merge, got %#x", v)
	}
	if tx.Writes.Len() != 1 {
		t.Fatalf("expected a single write-set entry for repeated writes to the same address, got %d", tx.Writes.Len())
	}
}
