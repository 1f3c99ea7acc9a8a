package chashtable

import (
	"fmt"
	"io"
	"unsafe"
)

// scanBucketLocked visits every live node in an already-locked bucket,
// stopping early if visit returns false.
func (t *Table[V]) scanBucketLocked(b *bucket[V], visit func(V) bool) (completed bool) {
	for n := b.first(); n != nil; n = n.next.Load() {
		if _, dead := t.cfg.Hash(n.value); dead {
			continue
		}
		if !visit(n.value) {
			return false
		}
	}
	return true
}

// Scan visits every live value in the table, one bucket-lock at a time, in
// an unspecified order. visit may return false to stop early. Scan holds
// the resize lock for its duration, so Grow/Shrink/BulkDelete/another Scan
// block behind it; single-key Get/Insert/Remove do not.
func (t *Table[V]) Scan(visit func(V) bool) {
	t.resizeLock.Lock()
	defer t.resizeLock.Unlock()
	tbl := t.table.Load()
	for i := range tbl.buckets {
		b := &tbl.buckets[i]
		b.lock()
		cont := t.scanBucketLocked(b, visit)
		b.unlock()
		if !cont {
			return
		}
	}
}

// TryScan is Scan's best-effort variant: a bucket already locked by a
// concurrent single-key writer is skipped rather than waited on. It
// reports whether every bucket was actually visited.
func (t *Table[V]) TryScan(visit func(V) bool) (complete bool) {
	t.resizeLock.Lock()
	defer t.resizeLock.Unlock()
	tbl := t.table.Load()
	complete = true
	for i := range tbl.buckets {
		b := &tbl.buckets[i]
		if !b.tryLock() {
			complete = false
			continue
		}
		cont := t.scanBucketLocked(b, visit)
		b.unlock()
		if !cont {
			return false
		}
	}
	return complete
}

// deleteInBucket removes every node from an already-locked bucket that
// evict approves of (dead values are always approved), up to limit
// removals, and returns the removed values. Splicing the head composes
// with a concurrent fast-path insert the same way Remove does: CAS-retry
// rather than a blind store, since the lock alone doesn't exclude that
// path (bucket.go).
func (t *Table[V]) deleteInBucket(b *bucket[V], evict func(V) bool, limit int) []V {
	var removed []V
	var prev *node[V]
	cur := b.first()
	for cur != nil && len(removed) < limit {
		next := cur.next.Load()
		_, dead := t.cfg.Hash(cur.value)
		if dead || evict(cur.value) {
			if prev == nil {
				for !b.casHead(cur, next) {
					p := b.first()
					for p != nil && p.next.Load() != cur {
						p = p.next.Load()
					}
					if p == nil {
						break
					}
					if p.next.CompareAndSwap(cur, next) {
						break
					}
				}
			} else {
				prev.next.Store(next)
			}
			removed = append(removed, cur.value)
			cur = next
			continue
		}
		prev = cur
		cur = next
	}
	return removed
}

// BulkDelete removes values for which evict returns true (plus any dead
// values encountered along the way), across the whole table, and reports
// how many were removed. Each bucket is visited once and gives up at most
// cfg.BulkDeleteLimit values; matches beyond that limit in one bucket stay.
func (t *Table[V]) BulkDelete(evict func(V) bool) int {
	t.resizeLock.Lock()
	defer t.resizeLock.Unlock()
	tbl := t.table.Load()
	total := 0
	for i := range tbl.buckets {
		b := &tbl.buckets[i]
		b.lock()
		removed := t.deleteInBucket(b, evict, t.cfg.BulkDeleteLimit)
		b.unlock()
		total += len(removed)
	}
	if total > 0 {
		t.smr.writeSynchronize()
	}
	return total
}

// TryBulkDelete is BulkDelete's best-effort variant, skipping buckets held
// by a concurrent single-key writer rather than waiting on them.
func (t *Table[V]) TryBulkDelete(evict func(V) bool) (deleted int, complete bool) {
	t.resizeLock.Lock()
	defer t.resizeLock.Unlock()
	tbl := t.table.Load()
	complete = true
	for i := range tbl.buckets {
		b := &tbl.buckets[i]
		if !b.tryLock() {
			complete = false
			continue
		}
		removed := t.deleteInBucket(b, evict, t.cfg.BulkDeleteLimit)
		b.unlock()
		deleted += len(removed)
	}
	if deleted > 0 {
		t.smr.writeSynchronize()
	}
	return deleted, complete
}

// TryMoveNodesTo copies every live value into dst, best-effort: a bucket
// already held by a concurrent single-key writer is skipped rather than
// waited on. It reports how many values were moved and whether every
// bucket was visited. Callers moving between two tables concurrently in
// opposite directions are responsible for avoiding lock-order deadlock;
// a single in-progress move in one direction is always safe.
func (t *Table[V]) TryMoveNodesTo(dst *Table[V]) (moved int, complete bool) {
	t.resizeLock.Lock()
	defer t.resizeLock.Unlock()
	tbl := t.table.Load()
	complete = true
	for i := range tbl.buckets {
		b := &tbl.buckets[i]
		if !b.tryLock() {
			complete = false
			continue
		}
		for n := b.first(); n != nil; n = n.next.Load() {
			v := n.value
			h, dead := t.cfg.Hash(v)
			if dead {
				continue
			}
			_, inserted := dst.Insert(h, func(x V) bool { return dst.cfg.Equal(x, v) }, func() V { return v })
			if inserted {
				moved++
			}
		}
		b.unlock()
	}
	return moved, complete
}

// StatisticsTo writes a human-readable occupancy report: bucket count,
// empty buckets, live and dead node counts, the longest chain observed,
// and an approximate memory footprint.
func (t *Table[V]) StatisticsTo(w io.Writer) error {
	t.resizeLock.Lock()
	tbl := t.table.Load()
	var totalNodes, maxChain, emptyBuckets, deadNodes uint64
	for i := range tbl.buckets {
		b := &tbl.buckets[i]
		b.lock()
		var chain uint64
		for n := b.first(); n != nil; n = n.next.Load() {
			chain++
			if _, dead := t.cfg.Hash(n.value); dead {
				deadNodes++
			}
		}
		b.unlock()
		totalNodes += chain
		if chain == 0 {
			emptyBuckets++
		}
		if chain > maxChain {
			maxChain = chain
		}
	}
	t.resizeLock.Unlock()

	bucketSize := uint64(unsafe.Sizeof(bucket[V]{}))
	nodeSize := uint64(unsafe.Sizeof(node[V]{}))
	footprint := bucketSize*uint64(tbl.size()) + nodeSize*totalNodes

	_, err := fmt.Fprintf(w,
		"buckets: %d\nempty buckets: %d\nlive nodes: %d\ndead nodes: %d\nmax chain length: %d\nTotal footprint: %d bytes\n",
		tbl.size(), emptyBuckets, totalNodes-deadNodes, deadNodes, maxChain, footprint)
	return err
}

// MultiGetHandle amortizes SMR scope entry across a batch of lookups: it
// enters every shard once up front and exits them all on Close, instead of
// paying enter/exit per Get. The tradeoff is that every write-synchronize
// (Remove, Grow/Shrink, a bulk delete that removed something) blocks for
// the handle's entire lifetime, so handles should be short-lived.
type MultiGetHandle[V any] struct {
	_      noCopy
	t      *Table[V]
	shards []*RWLock
}

// NewMultiGetHandle opens a batched read scope over t.
func NewMultiGetHandle[V any](t *Table[V]) *MultiGetHandle[V] {
	h := &MultiGetHandle[V]{t: t, shards: make([]*RWLock, len(t.smr.shards))}
	for i := range t.smr.shards {
		lk := &t.smr.shards[i].lock
		lk.RLock()
		h.shards[i] = lk
	}
	if t.invisibleEpoch.Load() != nil {
		t.invisibleEpoch.Store(nil)
	}
	return h
}

// Get looks up a value within the handle's open scope.
func (h *MultiGetHandle[V]) Get(hash uintptr, match func(V) bool) (v V, ok bool) {
	b := h.t.getBucket(hash)
	n, steps, _ := h.t.getNode(b, match)
	h.t.noteSteps(steps)
	if n == nil {
		return v, false
	}
	return n.value, true
}

// Close releases the handle's scope. A handle must not be used afterward.
func (h *MultiGetHandle[V]) Close() {
	for _, lk := range h.shards {
		lk.RUnlock()
	}
	h.shards = nil
}
