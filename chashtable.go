package chashtable

import (
	"runtime"
	"sync/atomic"
)

// Table is a concurrent, resizable, open-chaining hash table. Readers walk
// bucket chains without taking any lock, protected by an internal SMR
// domain; writers take a per-bucket spin-lock. Grow and shrink double or
// halve the table in place, coordinated by a single resize lock.
//
// The zero Table is not usable; construct one with NewTable.
type Table[V any] struct {
	cfg Config[V]

	table    atomic.Pointer[internalTable[V]]
	newTable atomic.Pointer[internalTable[V]] // non-nil only mid-resize

	resizeLock       TicketLock
	invisibleEpoch   atomic.Pointer[resizeToken]
	sizeLimitReached atomic.Bool

	smr   *smrDomain
	epoch Epoch // bumped once per completed grow/shrink

	growHintSeen atomic.Bool
}

// NewTable constructs a Table. cfg.Hash and cfg.Equal must be non-nil.
func NewTable[V any](cfg Config[V], opts ...Option[V]) *Table[V] {
	for _, o := range opts {
		o(&cfg)
	}
	cfg = cfg.withDefaults()
	if cfg.Hash == nil || cfg.Equal == nil {
		panic("chashtable: Config.Hash and Config.Equal are required")
	}
	t := &Table[V]{cfg: cfg, smr: newSMRDomain()}
	t.table.Store(newInternalTable[V](cfg.Log2StartSize))
	return t
}

// enterSMR enters the SMR scope for the given hash's shard, clearing
// invisibleEpoch per spec.md #4.3: a reader having observed the current
// version means the next write_synchronize can no longer be skipped.
func (t *Table[V]) enterSMR(hash uintptr) *RWLock {
	shard := t.smr.shardFor(hash)
	shard.RLock()
	if t.invisibleEpoch.Load() != nil {
		t.invisibleEpoch.Store(nil)
	}
	return shard
}

func (t *Table[V]) exitSMR(shard *RWLock) {
	shard.RUnlock()
}

// writeSynchronizeOnVisibleEpoch is the resize-lock holder's bulk-synchronize
// helper (spec.md #4.7): if no reader has observed the current version
// since the last synchronize, it can be skipped.
func (t *Table[V]) writeSynchronizeOnVisibleEpoch(tok *resizeToken) {
	if t.invisibleEpoch.Load() == tok {
		return
	}
	t.invisibleEpoch.Store(tok)
	t.smr.writeSynchronize()
}

// getBucket resolves hash to a bucket in the currently published table,
// following one redirect into new_table if the bucket has been retired by
// an in-progress resize (spec.md #4.2).
func (t *Table[V]) getBucket(hash uintptr) *bucket[V] {
	it := t.table.Load()
	b := it.bucketFor(hash)
	if b.haveRedirect() {
		nt := t.newTable.Load()
		return nt.bucketFor(hash)
	}
	return b
}

// getNode walks a bucket's chain looking for a match, recording how many
// nodes were stepped over (a grow hint) and whether any dead value was
// seen (an opportunistic-cleanup hint).
func (t *Table[V]) getNode(b *bucket[V], match func(V) bool) (found *node[V], steps int, sawDead bool) {
	for n := b.first(); n != nil; n = n.next.Load() {
		steps++
		if _, dead := t.cfg.Hash(n.value); dead {
			sawDead = true
			continue
		}
		if match(n.value) {
			return n, steps, sawDead
		}
	}
	return nil, steps, sawDead
}

func (t *Table[V]) noteSteps(steps int) {
	if t.cfg.GrowHint > 0 && steps > t.cfg.GrowHint {
		t.growHintSeen.Store(true)
	}
}

// Get reports whether a value matching match exists for hash, returning it.
func (t *Table[V]) Get(hash uintptr, match func(V) bool) (v V, ok bool) {
	shard := t.enterSMR(hash)
	b := t.getBucket(hash)
	n, steps, _ := t.getNode(b, match)
	t.exitSMR(shard)
	t.noteSteps(steps)
	if n == nil {
		return v, false
	}
	return n.value, true
}

// GetCopy returns the matching value, or cfg.NotFound if absent.
func (t *Table[V]) GetCopy(hash uintptr, match func(V) bool) V {
	if v, ok := t.Get(hash, match); ok {
		return v
	}
	return t.cfg.NotFound
}

// Insert finds an existing match for hash, or inserts the value produced
// by create. It returns the winning value (existing or newly created) and
// whether this call was the one that inserted it.
func (t *Table[V]) Insert(hash uintptr, match func(V) bool, create func() V) (result V, inserted bool) {
	var pending *node[V]
	var spins int
	for i := 0; ; i++ {
		shard := t.enterSMR(hash)
		b := t.getBucket(hash)
		found, steps, sawDead := t.getNode(b, match)
		if found != nil {
			existing := found.value
			t.exitSMR(shard)
			t.noteSteps(steps)
			return existing, false
		}

		old := b.first()
		if pending == nil {
			pending = newNode(create(), old)
		} else {
			pending.next.Store(old)
		}

		ok, locked := b.casInsertHead(old, pending)
		if ok {
			v := pending.value
			t.exitSMR(shard)
			t.noteSteps(steps)
			if i == 0 && sawDead {
				t.cleanupDead(hash, b, match)
			}
			return v, true
		}
		t.exitSMR(shard)
		if locked {
			runtime.Gosched()
		} else {
			delay(&spins)
		}
	}
}

// cleanupDead opportunistically purges dead entries from a bucket right
// after a successful first-attempt insert noticed some while scanning
// (spec.md #4.4 step 4). match is unused for dead entries — every dead
// node is eligible — but is threaded through for symmetry with
// delete_in_bucket's signature.
func (t *Table[V]) cleanupDead(hash uintptr, b *bucket[V], _ func(V) bool) {
	b.lock()
	var dead []*node[V]
	var prev *node[V]
	cur := b.first()
	for cur != nil {
		next := cur.next.Load()
		if _, isDead := t.cfg.Hash(cur.value); isDead {
			if prev == nil {
				if !b.casHead(cur, next) {
					// a fast-path insert raced us at the head; stop this
					// pass rather than retry the whole walk from scratch.
					break
				}
			} else {
				prev.next.Store(next)
			}
			dead = append(dead, cur)
			cur = next
			continue
		}
		prev = cur
		cur = next
	}
	b.unlock()
	if len(dead) == 0 {
		return
	}
	t.smr.writeSynchronize()
}

// Remove finds a match for hash under the bucket lock, splices it out, and
// after a global write-synchronize returns the removed value.
func (t *Table[V]) Remove(hash uintptr, match func(V) bool) (removed V, ok bool) {
	b, shard := t.getBucketLocked(hash)

	var target *node[V]
	var prev *node[V]
	cur := b.first()
	for cur != nil {
		if _, dead := t.cfg.Hash(cur.value); !dead && match(cur.value) {
			target = cur
			break
		}
		prev = cur
		cur = cur.next.Load()
	}

	if target == nil {
		b.unlock()
		t.exitSMR(shard)
		return removed, false
	}

	next := target.next.Load()
	if prev == nil {
		for !b.casHead(target, next) {
			// a fast-path insert raced the head; target is still linked
			// further down the (now refreshed) chain, find its new prev.
			p := b.first()
			for p != nil && p.next.Load() != target {
				p = p.next.Load()
			}
			if p == nil {
				break // target already spliced out by a concurrent op
			}
			if p.next.CompareAndSwap(target, next) {
				break
			}
		}
	} else {
		prev.next.Store(next)
	}
	b.unlock()
	t.exitSMR(shard)

	t.smr.writeSynchronize()
	return target.value, true
}

// getBucketLocked resolves hash to a bucket and returns it locked, along
// with the SMR shard entered to compute it (spec.md #4.6). The scope is
// only needed until trylock succeeds: once locked, the bucket cannot be
// redirected out from under the caller.
func (t *Table[V]) getBucketLocked(hash uintptr) (*bucket[V], *RWLock) {
	var spins int
	for {
		shard := t.enterSMR(hash)
		b := t.getBucket(hash)
		if b.tryLock() {
			return b, shard
		}
		t.exitSMR(shard)
		delay(&spins)
	}
}

// Log2Size returns the current table's size exponent, observed under the
// SMR scope (spec.md #6.2).
func (t *Table[V]) Log2Size() int {
	shard := t.smr.shardFor(0)
	shard.RLock()
	n := t.table.Load().log2Size
	shard.RUnlock()
	return n
}

// UnsafeInsert inserts v with no concurrency safety whatsoever: no lock,
// no SMR scope. Intended only for populating a Table before it is
// published to any other goroutine (spec.md #6.2).
func (t *Table[V]) UnsafeInsert(v V) bool {
	h, dead := t.cfg.Hash(v)
	if dead {
		return false
	}
	it := t.table.Load()
	b := it.bucketFor(h)
	b.storeHead(newNode(v, b.first()))
	return true
}
