package chashtable

import (
	"unsafe"

	"github.com/llxisdsh/chashtable/internal/opt"
)

// smrDomain is this module's safe-memory-reclamation service: the external
// collaborator spec.md #9 specifies as an opaque enter/exit/write_synchronize
// interface. Any epoch-based, hazard-pointer, or RCU-like mechanism would
// satisfy that interface; this module grounds it in the teacher's own
// RWLock (rwlock.go) rather than hand-rolling a reader registry.
//
// The mapping: entering a scope takes RLock on one of several shards
// (Enter ≈ enter); leaving it calls RUnlock (Exit ≈ exit); write_synchronize
// takes and immediately releases the write lock on every shard in turn. A
// write lock cannot be granted on a shard until every reader that already
// holds its read lock has released it, so by the time the sweep finishes,
// every reader that was active when it started has made a quiescent
// transition — exactly the guarantee spec.md #9 requires.
//
// Sharding spreads reader contention across multiple cache lines; which
// shard a given call lands on only affects throughput, never correctness,
// since write_synchronize always sweeps all of them.
type smrDomain struct {
	shards    []smrShard
	shardMask uintptr
}

type smrShard struct {
	lock RWLock
	_    [(opt.CacheLineSize_ - unsafe.Sizeof(struct {
		lock RWLock
	}{})%opt.CacheLineSize_) % opt.CacheLineSize_]byte
}

// smrDomainShards is the number of stripes in the SMR domain. A small
// power of two is enough to de-contend read-side traffic without wasting
// much memory; bulk ops sweep every shard regardless of count.
const smrDomainShards = 16

func newSMRDomain() *smrDomain {
	return &smrDomain{
		shards:    make([]smrShard, smrDomainShards),
		shardMask: smrDomainShards - 1,
	}
}

func (d *smrDomain) shardFor(hash uintptr) *RWLock {
	return &d.shards[hash&d.shardMask].lock
}

// writeSynchronize blocks until every reader that was inside a scope when
// this call began has exited it.
func (d *smrDomain) writeSynchronize() {
	for i := range d.shards {
		d.shards[i].lock.Lock()
		d.shards[i].lock.Unlock()
	}
}

// resizeToken is a unique identity representing "the resize-lock holder's
// current version has not yet been observed by any reader". Any distinct
// pointer works as an identity; it stands in for HotSpot's Thread* in
// spec.md's invisible_epoch.
type resizeToken struct{ _ byte }
