// Package stm is the public entry point to the persistent software
// transactional memory engine: it wires together the global clock,
// lock table, contention manager, and persistent arena described by
// the core packages (clock, locktable, readset, redolog, cm, txn,
// barrier) behind a single Atomically call.
package stm

import (
	"fmt"

	"github.com/lishuomountain/mnemosyne-gcc/clock"
	"github.com/lishuomountain/mnemosyne-gcc/cm"
	"github.com/lishuomountain/mnemosyne-gcc/locktable"
	"github.com/lishuomountain/mnemosyne-gcc/pmem"
	"github.com/lishuomountain/mnemosyne-gcc/pstmmetrics"
	"github.com/lishuomountain/mnemosyne-gcc/recovery"
	"github.com/lishuomountain/mnemosyne-gcc/redolog"
	"github.com/lishuomountain/mnemosyne-gcc/stmlog"
	"github.com/lishuomountain/mnemosyne-gcc/txn"
)

// Re-exported so callers driving a transaction body only need to
// import this package for the common path.
type (
	// Tx is the transaction handle passed to a transaction body.
	Tx = txn.Tx
	// Addr is a byte offset into the engine's persistent arena.
	Addr = pmem.Addr
	// RestartReason names why a transaction body was re-entered.
	RestartReason = txn.RestartReason
)

// TxOption configures one incarnation of a transaction.
type TxOption = txn.Option

// WithReadOnly marks a transaction read-only.
func WithReadOnly() TxOption { return txn.WithReadOnly() }

// growthFactor is the largest multiple of WriteSetCapacity a slot's
// write set may grow to via RESTART_REALLOCATE (8: three doublings);
// the persistent slab reserved for each slot is
// sized for this ceiling up front, since the slab itself (unlike the
// volatile array) cannot move once the arena is open.
const growthFactor = 8

// Config configures an Engine.
type Config struct {
	// EnableIsolation selects the global, CAS-protected lock table
	// (true, the default) or a per-slot private table with plain
	// stores (false).
	EnableIsolation bool
	// Rollover enables the quiescing clock-reset path.
	Rollover bool
	// Manager is the contention manager; defaults to a Delay manager
	// if nil.
	Manager cm.Manager
	// LockTable controls address hashing; defaults to
	// locktable.DefaultConfig().
	LockTable locktable.Config
	// CacheLineSize is the assumed cache-line width in bytes.
	CacheLineSize uint64
	// WriteSetCapacity is the initial number of entries each
	// transaction's write set can hold before a RESTART_REALLOCATE.
	WriteSetCapacity int
	// MaxConcurrentTx bounds how many transactions may run inside
	// Atomically at once; further callers block until a slot frees up.
	MaxConcurrentTx int
	// Manifest, if non-nil, receives a commit record for every
	// committing transaction, enabling Engine.Recover after a crash.
	Manifest *recovery.Manifest
}

// Option mutates a Config.
type Option func(*Config)

// WithIsolationDisabled selects the per-slot private lock table.
func WithIsolationDisabled() Option {
	return func(c *Config) { c.EnableIsolation = false }
}

// WithRollover enables the quiescing clock-reset path.
func WithRollover() Option {
	return func(c *Config) { c.Rollover = true }
}

// WithContentionManager selects the contention manager strategy.
func WithContentionManager(m cm.Manager) Option {
	return func(c *Config) { c.Manager = m }
}

// WithLockTableConfig overrides the address-hashing parameters.
func WithLockTableConfig(cfg locktable.Config) Option {
	return func(c *Config) { c.LockTable = cfg }
}

// WithCacheLineSize overrides the assumed cache-line width.
func WithCacheLineSize(bytes uint64) Option {
	return func(c *Config) { c.CacheLineSize = bytes }
}

// WithWriteSetCapacity overrides the initial write-set size.
func WithWriteSetCapacity(n int) Option {
	return func(c *Config) { c.WriteSetCapacity = n }
}

// WithMaxConcurrentTx bounds in-flight transactions.
func WithMaxConcurrentTx(n int) Option {
	return func(c *Config) { c.MaxConcurrentTx = n }
}

// WithManifest wires a crash-recovery manifest into the engine.
func WithManifest(m *recovery.Manifest) Option {
	return func(c *Config) { c.Manifest = m }
}

func defaultConfig() Config {
	return Config{
		EnableIsolation:  true,
		Manager:          cm.NewDelay(0),
		LockTable:        locktable.DefaultConfig(),
		CacheLineSize:    64,
		WriteSetCapacity: 64,
		MaxConcurrentTx:  64,
	}
}

type slot struct {
	tx *txn.Tx
	nv *redolog.NVLog
}

// Engine is a running PSTM instance bound to one persistent arena.
type Engine struct {
	cfg      Config
	region   *pmem.Region
	locks    *locktable.Table
	ceiling  int
	dataBase int

	slots     []slot
	freeSlots chan int
}

// DataBase returns the first byte offset in the arena not reserved for
// a slot's persistent redo-log slab; callers place their own
// transactional data at or beyond this offset.
func (e *Engine) DataBase() pmem.Addr { return pmem.Addr(e.dataBase) }

// Open builds an Engine over region using the given options. region
// must be large enough to hold MaxConcurrentTx persistent redo-log
// slabs, each sized for WriteSetCapacity*growthFactor entries.
func Open(region *pmem.Region, opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.MaxConcurrentTx <= 0 {
		return nil, fmt.Errorf("stm: MaxConcurrentTx must be positive")
	}
	if cfg.WriteSetCapacity <= 0 {
		return nil, fmt.Errorf("stm: WriteSetCapacity must be positive")
	}
	if cfg.Manager == nil {
		cfg.Manager = cm.NewDelay(0)
	}

	var locks *locktable.Table
	if cfg.EnableIsolation {
		locks = locktable.New(cfg.LockTable)
	}

	var clockOpts []clock.Option
	if cfg.Rollover {
		clockOpts = append(clockOpts, clock.WithRollover())
	}
	gclock := clock.New(clockOpts...)

	ceiling := cfg.WriteSetCapacity * growthFactor
	slabWords := redolog.SlabWords(ceiling)
	slabBytes := slabWords * pmem.WordSize
	neededBytes := slabBytes * cfg.MaxConcurrentTx
	if neededBytes > region.Size() {
		return nil, fmt.Errorf("stm: arena too small for %d slots of %d entries (need %d bytes, have %d)",
			cfg.MaxConcurrentTx, ceiling, neededBytes, region.Size())
	}

	e := &Engine{
		cfg:       cfg,
		region:    region,
		locks:     locks,
		ceiling:   ceiling,
		dataBase:  neededBytes,
		slots:     make([]slot, cfg.MaxConcurrentTx),
		freeSlots: make(chan int, cfg.MaxConcurrentTx),
	}

	for i := 0; i < cfg.MaxConcurrentTx; i++ {
		base := pmem.Addr(i * slabBytes)
		nv := redolog.NewNVLog(region, base, ceiling)

		slotLocks := locks
		if !cfg.EnableIsolation {
			slotLocks = locktable.NewPrivate(cfg.LockTable)
		}

		e.slots[i] = slot{
			tx: txn.New(region, slotLocks, gclock, cfg.Manager, cfg.CacheLineSize),
			nv: nv,
		}
		e.freeSlots <- i
	}

	return e, nil
}

// Close releases the engine's persistent arena.
func (e *Engine) Close() error {
	return e.region.Close()
}

// Atomically runs fn as a transaction, retrying until it commits. fn
// returning a non-nil error aborts the transaction and returns that
// error from Atomically without retrying; a restart thrown by a
// barrier (lock contention, a failed validation, a full write set) is
// invisible to fn and causes an automatic retry, growing the write set
// first where RESTART_REALLOCATE calls for it. If the write set would
// need to grow past WriteSetCapacity*growthFactor entries, Atomically
// returns an error without committing.
func (e *Engine) Atomically(fn func(*txn.Tx) error, opts ...TxOption) error {
	slotIdx := <-e.freeSlots
	defer func() { e.freeSlots <- slotIdx }()
	s := &e.slots[slotIdx]

	capacity := e.cfg.WriteSetCapacity
	if s.tx.Writes != nil {
		capacity = s.tx.Writes.Capacity()
	}

	for {
		s.tx.Begin(capacity, s.nv, opts...)
		reason, err := e.runBody(slotIdx, s.tx, fn)
		if reason == nil {
			return err
		}
		if *reason == txn.Reallocate {
			if capacity >= e.ceiling {
				return fmt.Errorf("stm: transaction needs more than %d write-set entries, the configured ceiling", e.ceiling)
			}
			capacity *= 2
			if capacity > e.ceiling {
				capacity = e.ceiling
			}
			s.tx.Writes.Resize(capacity, s.nv)
		}
	}
}

// runBody executes one incarnation of fn and translates a Restart
// panic into a returned reason, recovering exactly at the point the
// original's non-returning restart jump would have landed.
func (e *Engine) runBody(slotIdx int, tx *txn.Tx, fn func(*txn.Tx) error) (reason *txn.RestartReason, err error) {
	defer func() {
		if p := recover(); p != nil {
			r, ok := p.(*txn.Restart)
			if !ok {
				panic(p)
			}
			tx.Abort()
			reason = &r.Reason
		}
	}()

	if bodyErr := fn(tx); bodyErr != nil {
		tx.Abort()
		return nil, bodyErr
	}
	tx.Commit()

	if e.cfg.Manifest != nil && tx.LastCommitTS != 0 {
		if merr := e.cfg.Manifest.MarkCommitted(slotIdx, tx.LastCommitTS); merr != nil {
			stmlog.Warn("failed to record commit in manifest", "slot", slotIdx, "err", merr)
		}
	}
	return nil, nil
}

// SampleOccupancy publishes the current lock-table occupancy gauge. It
// walks the whole table and is meant to be called from a background
// ticker, not the commit hot path.
func (e *Engine) SampleOccupancy() {
	if e.locks == nil {
		return
	}
	pstmmetrics.LockTableOccupancy.Set(float64(e.locks.Occupied()))
}

// Recover replays the persistent redo logs of every slot against
// region, restoring the effects of transactions that committed but
// crashed before their write-through completed.
func (e *Engine) Recover(manifest *recovery.Manifest) ([]recovery.AppliedWrite, error) {
	slots := make([]recovery.Slot, len(e.slots))
	for i, s := range e.slots {
		slots[i] = recovery.Slot{Index: i, NV: s.nv}
	}
	return recovery.Replay(e.region, manifest, slots)
}
