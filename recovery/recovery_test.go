package recovery

import (
	"path/filepath"
	"testing"

	"github.com/lishuomountain/mnemosyne-gcc/pmem"
	"github.com/lishuomountain/mnemosyne-gcc/redolog"
)

func openTestManifest(t *testing.T) *Manifest {
	t.Helper()
	m, err := Open(filepath.Join(t.TempDir(), "manifest.db"))
	if err != nil {
		t.Fatalf("open manifest: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMarkCommittedAndCommitted(t *testing.T) {
	m := openTestManifest(t)
	if _, ok, err := m.Committed(3); err != nil || ok {
		t.Fatalf("expected slot 3 to start unmarked, got ok=%v err=%v", ok, err)
	}

	if err := m.MarkCommitted(3, 42); err != nil {
		t.Fatalf("mark committed: %v", err)
	}

	ts, ok, err := m.Committed(3)
	if err != nil || !ok || ts != 42 {
		t.Fatalf("expected committed ts=42, got ts=%d ok=%v err=%v", ts, ok, err)
	}
}

func TestReplaySkipsTornSlotsAndAppliesCommitted(t *testing.T) {
	region, err := pmem.Open(filepath.Join(t.TempDir(), "arena.db"), 4096)
	if err != nil {
		t.Fatalf("open region: %v", err)
	}
	defer region.Close()
	m := openTestManifest(t)

	committedNV := redolog.NewNVLog(region, 0, 4)
	committedNV.SetNBEntries(1)
	committedNV.WriteEntry(0, 256, 0xABCD, -1)
	if err := m.MarkCommitted(0, 7); err != nil {
		t.Fatalf("mark committed: %v", err)
	}

	tornNV := redolog.NewNVLog(region, pmem.Addr(redolog.SlabWords(4)*pmem.WordSize), 4)
	tornNV.SetNBEntries(1)
	tornNV.WriteEntry(0, 264, 0xFFFF, -1)
	// Slot 1 is left out of the manifest entirely: its commit was torn.

	applied, err := Replay(region, m, []Slot{
		{Index: 0, NV: committedNV},
		{Index: 1, NV: tornNV},
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(applied) != 1 || applied[0].Addr != 256 || applied[0].Value != 0xABCD {
		t.Fatalf("unexpected applied writes: %+v", applied)
	}
	if got := region.LoadWord(256); got != 0xABCD {
		t.Fatalf("expected replayed value at address 256, got %#x", got)
	}
	if got := region.LoadWord(264); got != 0 {
		t.Fatalf("expected torn slot's write to be skipped, got %#x", got)
	}
}
