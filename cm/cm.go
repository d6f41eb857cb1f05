// Package cm implements the contention manager collaborator interface:
// the policy consulted whenever a barrier observes a lock owned by a
// foreign transaction.
package cm

import (
	"math/rand"
	"runtime"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Verdict is the outcome a manager returns for a foreign-owned lock
// conflict: RESTART, RESTART_NO_LOAD, or RESTART_LOCKED.
type Verdict int

const (
	// Restart means re-observe the lock and retry the barrier.
	Restart Verdict = iota
	// RestartNoLoad means retry the barrier reusing the already
	// observed lock word, skipping a fresh load.
	RestartNoLoad
	// RestartLocked means give up and restart the whole transaction
	// with reason LOCKED_READ or LOCKED_WRITE.
	RestartLocked
)

// Manager is the contention manager collaborator interface the core
// depends on; strategies are interchangeable behind it.
type Manager interface {
	// Conflict is called on every foreign-owned lock a barrier
	// observes. txID identifies the calling transaction; ownerID is the
	// owning transaction's identity (locktable.Word.OwnerID, not its
	// write-set index, which is just a local array slot every
	// transaction reuses from 0 and carries no identity), used by
	// PRIORITY to break ties deterministically without a shared
	// registry of live priorities.
	Conflict(txID uint64, ownerID uint64, attempt int) Verdict
	// UpgradeLock reports whether tx should proactively acquire locks
	// on load (visible-read hint), given how many times it has
	// recently aborted due to invisible reads.
	UpgradeLock(txID uint64, invisibleReadAborts int) bool
	// VisibleRead is called when an abort is attributable to an
	// invisible read, so a manager can adapt (e.g. count towards the
	// UpgradeLock threshold).
	VisibleRead(txID uint64)
}

// Delay is the simplest manager: reobserve and retry after a short
// cooperative yield, so a spinning loser does not starve the owner out
// of the CPU, until MaxSpins attempts have been made.
type Delay struct {
	MaxSpins int
}

// NewDelay creates a Delay manager. maxSpins bounds how many times
// Conflict returns Restart before giving up with RestartLocked; 0
// means spin forever.
func NewDelay(maxSpins int) *Delay { return &Delay{MaxSpins: maxSpins} }

func (d *Delay) Conflict(_ uint64, _ uint64, attempt int) Verdict {
	if d.MaxSpins > 0 && attempt >= d.MaxSpins {
		return RestartLocked
	}
	runtime.Gosched()
	return Restart
}

func (d *Delay) UpgradeLock(uint64, int) bool { return false }
func (d *Delay) VisibleRead(uint64)           {}

// Backoff escalates with exponential, jittered waits between retries,
// capped at MaxDelay, before giving up (grounds the BACKOFF tuning
// knob). The exponential-Gosched shape is adapted from the pack's HTM
// simulation backoff helper.
type Backoff struct {
	MaxSpins int
	Base     time.Duration
	MaxDelay time.Duration
	rng      *rand.Rand
}

// NewBackoff creates a Backoff manager with the given base unit and
// ceiling; maxSpins bounds retries before RestartLocked (0 = unbounded).
func NewBackoff(maxSpins int, base, maxDelay time.Duration) *Backoff {
	return &Backoff{
		MaxSpins: maxSpins,
		Base:     base,
		MaxDelay: maxDelay,
		rng:      rand.New(rand.NewSource(1)),
	}
}

func (b *Backoff) Conflict(_ uint64, _ uint64, attempt int) Verdict {
	if b.MaxSpins > 0 && attempt >= b.MaxSpins {
		return RestartLocked
	}
	shift := attempt
	if shift > 20 {
		shift = 20
	}
	wait := b.Base * time.Duration(uint64(1)<<uint(shift))
	if wait > b.MaxDelay {
		wait = b.MaxDelay
	}
	jitter := time.Duration(b.rng.Int63n(int64(wait) + 1))
	time.Sleep(jitter)
	return Restart
}

func (b *Backoff) UpgradeLock(uint64, int) bool { return false }
func (b *Backoff) VisibleRead(uint64)           {}

// Priority breaks conflicts by comparing a deterministic score derived
// from each transaction's id, so that repeated collisions between the
// same pair resolve the same way every time rather than livelocking.
// The higher score keeps retrying; the lower score gets one retry
// (attempt 0) to let the owner finish and then gives up, restarting
// the whole transaction rather than spinning. It
// also adopts visible reads (proactive lock acquisition) once a
// transaction has aborted repeatedly from invisible-read conflicts,
// the read-to-write visibility hint.
type Priority struct {
	// UpgradeThreshold is how many invisible-read aborts a transaction
	// tolerates before UpgradeLock starts returning true for it.
	UpgradeThreshold int
}

// NewPriority creates a Priority manager with the given upgrade
// threshold.
func NewPriority(upgradeThreshold int) *Priority {
	return &Priority{UpgradeThreshold: upgradeThreshold}
}

func score(txID uint64) uint64 {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(txID >> (8 * i))
	}
	return xxhash.Sum64(b[:])
}

func (p *Priority) Conflict(txID uint64, ownerID uint64, attempt int) Verdict {
	mine := score(txID)
	theirs := score(ownerID)
	if mine > theirs {
		// Higher priority: keep trying, the owner should yield first.
		runtime.Gosched()
		return Restart
	}
	if attempt == 0 {
		// Give the owner one chance to finish before we concede.
		runtime.Gosched()
		return Restart
	}
	return RestartLocked
}

func (p *Priority) UpgradeLock(_ uint64, invisibleReadAborts int) bool {
	return invisibleReadAborts >= p.UpgradeThreshold
}

func (p *Priority) VisibleRead(uint64) {}
