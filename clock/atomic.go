package clock

import "sync/atomic"

func atomicLoad(v *uint64) uint64                { return atomic.LoadUint64(v) }
func atomicStore(v *uint64, val uint64)          { atomic.StoreUint64(v, val) }
func atomicAdd(v *uint64, delta uint64) uint64   { return atomic.AddUint64(v, delta) }
