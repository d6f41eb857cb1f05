// Package recovery implements crash recovery over the persistent redo
// log: recovery ignores logs whose owning locks were never released
// with a post-commit timestamp. Since this translation keeps the lock
// table itself in ordinary process memory rather than in the
// persistent arena (see DESIGN.md), torn-commit detection is
// reconstructed from an external
// manifest — a small bbolt database recording which write-set slots
// reached publish — instead of from the lock words themselves.
package recovery

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/lishuomountain/mnemosyne-gcc/pmem"
	"github.com/lishuomountain/mnemosyne-gcc/redolog"
	"github.com/lishuomountain/mnemosyne-gcc/stmlog"
)

var commitsBucket = []byte("commits")

// Manifest is the durable publish ledger: one entry per write-set slot
// recording the commit timestamp it was last published with. A slot
// with no entry, or whose entry is older than what's in the redo log,
// is treated as torn.
type Manifest struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the manifest database at path.
func Open(path string) (*Manifest, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("recovery: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(commitsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("recovery: init buckets: %w", err)
	}
	return &Manifest{db: db}, nil
}

// Close closes the underlying database.
func (m *Manifest) Close() error { return m.db.Close() }

func slotKey(slot int) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(slot))
	return b[:]
}

// MarkCommitted records that slot was published with timestamp ts.
// Called after Tx.Commit's publishLocks step, before the slot is
// reused by a later transaction.
func (m *Manifest) MarkCommitted(slot int, ts uint64) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], ts)
		return tx.Bucket(commitsBucket).Put(slotKey(slot), v[:])
	})
}

// Committed reports the last recorded commit timestamp for slot, if
// any.
func (m *Manifest) Committed(slot int) (ts uint64, ok bool, err error) {
	err = m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(commitsBucket).Get(slotKey(slot))
		if v == nil {
			return nil
		}
		ts = binary.BigEndian.Uint64(v)
		ok = true
		return nil
	})
	return
}

// Slot describes one write-set slab to examine during replay.
type Slot struct {
	Index int
	NV    *redolog.NVLog
}

// AppliedWrite is one redo-log record replay applied to the arena.
type AppliedWrite struct {
	Slot int
	Addr pmem.Addr
	Value uint64
}

// Replay walks every slot's persistent twin; for slots the manifest
// confirms were committed, it re-applies every recorded (address,
// value) to region (idempotent: a crash between write-through and
// publish means the write-through may already have happened, and
// replaying it again is harmless since it writes the same value).
// Slots absent from the manifest are torn commits and are skipped
// entirely.
func Replay(region *pmem.Region, manifest *Manifest, slots []Slot) ([]AppliedWrite, error) {
	var applied []AppliedWrite
	for _, slot := range slots {
		ts, ok, err := manifest.Committed(slot.Index)
		if err != nil {
			return applied, fmt.Errorf("recovery: read manifest slot %d: %w", slot.Index, err)
		}
		if !ok {
			stmlog.Debug("recovery: skipping torn slot", "slot", slot.Index)
			continue
		}

		n := slot.NV.NBEntries()
		for i := 0; i < n; i++ {
			addr, value, _ := slot.NV.ReadEntry(i)
			region.StoreWord(addr, value)
			applied = append(applied, AppliedWrite{Slot: slot.Index, Addr: addr, Value: value})
		}
		stmlog.Info("recovery: replayed slot", "slot", slot.Index, "ts", ts, "entries", n)
	}
	if err := region.Sync(); err != nil {
		return applied, fmt.Errorf("recovery: sync after replay: %w", err)
	}
	return applied, nil
}
