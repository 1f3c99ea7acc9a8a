package chashtable

import "sync/atomic"

// Resize tuning. Below resizeParallelThreshold buckets, a single goroutine
// walks the whole table; at or above it, work is split into fixed-size
// chunks run by a small worker pool bounded by a FairSemaphore, with a
// Latch-based barrier standing in for sync.WaitGroup.
const (
	resizeParallelThreshold = 1 << 12
	resizeChunkSize         = 256
	resizeMaxWorkers        = 8
)

// resizeBarrier is a one-shot "wait for N completions" gate built from
// Latch: the Nth done() call is the one that observes the counter reach
// zero, and it alone opens the door for wait() to return.
type resizeBarrier struct {
	remaining atomic.Int64
	latch     Latch
}

func newResizeBarrier(n int) *resizeBarrier {
	b := &resizeBarrier{}
	b.remaining.Store(int64(n))
	return b
}

func (b *resizeBarrier) done() {
	if b.remaining.Add(-1) == 0 {
		b.latch.Open()
	}
}

func (b *resizeBarrier) wait() {
	b.latch.Wait()
}

// Grow doubles the table size, redistributing every bucket's chain across
// two sibling buckets in a freshly allocated table (spec.md #4.7's unzip).
// It reports false if the table is already at Log2SizeLimit.
func (t *Table[V]) Grow() bool {
	t.resizeLock.Lock()
	defer t.resizeLock.Unlock()
	return t.growStep()
}

// Shrink halves the table size, merging sibling bucket pairs (zip). It
// reports false if the table is already at Log2StartSize.
func (t *Table[V]) Shrink() bool {
	t.resizeLock.Lock()
	defer t.resizeLock.Unlock()
	return t.shrinkStep()
}

// MaybeGrow grows the table once if a prior Get or Insert walked a chain
// longer than cfg.GrowHint since the last check. When it does grow, it
// waits for the resize lock just as Grow does.
func (t *Table[V]) MaybeGrow() bool {
	if !t.growHintSeen.Swap(false) {
		return false
	}
	return t.Grow()
}

// SizeLimitReached reports whether the most recent Grow attempt was
// refused because Log2SizeLimit was already reached.
func (t *Table[V]) SizeLimitReached() bool {
	return t.sizeLimitReached.Load()
}

func (t *Table[V]) growStep() bool {
	old := t.table.Load()
	if old.log2Size+1 > t.cfg.Log2SizeLimit {
		t.sizeLimitReached.Store(true)
		return false
	}
	newTbl := newInternalTable[V](old.log2Size + 1)
	oldSize := old.size()
	t.newTable.Store(newTbl)

	if oldSize >= resizeParallelThreshold {
		t.unzipParallel(old, newTbl, oldSize)
	} else {
		t.unzipSequential(old, newTbl, oldSize)
	}

	t.table.Store(newTbl)
	// A reader that snapshotted old before this Store may still be about to
	// follow a just-observed redirect into newTable; it must finish that
	// lookup before newTable is cleared below, or it dereferences nil.
	t.smr.writeSynchronize()
	t.newTable.Store(nil)
	t.epoch.Add(1)
	t.sizeLimitReached.Store(false)
	return true
}

func (t *Table[V]) shrinkStep() bool {
	old := t.table.Load()
	if old.log2Size-1 < t.cfg.Log2StartSize {
		return false
	}
	newTbl := newInternalTable[V](old.log2Size - 1)
	newSize := newTbl.size()
	t.newTable.Store(newTbl)

	if newSize >= resizeParallelThreshold {
		t.zipParallel(old, newTbl, newSize)
	} else {
		t.zipSequential(old, newTbl, newSize)
	}

	t.table.Store(newTbl)
	// See the matching comment in growStep: readers mid-redirect must finish
	// before newTable is cleared.
	t.smr.writeSynchronize()
	t.newTable.Store(nil)
	t.epoch.Add(1)
	return true
}

// unzipOne splits old bucket i's chain across newTbl's sibling buckets i
// and i+oldSize, then retires the old bucket. Caller holds no lock on
// either side; this acquires the old bucket's lock itself.
func (t *Table[V]) unzipOne(old, newTbl *internalTable[V], oldSize, i uintptr) {
	ob := &old.buckets[i]
	ob.lock()
	lo, hi := splitChain(ob.first(), &t.cfg, oldSize)
	newTbl.buckets[i].setLockedRaw(lo)
	newTbl.buckets[i+oldSize].setLockedRaw(hi)
	ob.redirect()
	newTbl.buckets[i].unlock()
	newTbl.buckets[i+oldSize].unlock()
}

func (t *Table[V]) unzipSequential(old, newTbl *internalTable[V], oldSize uintptr) {
	tok := &resizeToken{}
	for i := uintptr(0); i < oldSize; i++ {
		t.unzipOne(old, newTbl, oldSize, i)
		t.writeSynchronizeOnVisibleEpoch(tok)
	}
}

func (t *Table[V]) unzipParallel(old, newTbl *internalTable[V], oldSize uintptr) {
	nChunks := int((oldSize + resizeChunkSize - 1) / resizeChunkSize)
	barrier := newResizeBarrier(nChunks)
	sem := NewFairSemaphore(resizeMaxWorkers)
	for c := 0; c < nChunks; c++ {
		start := uintptr(c) * resizeChunkSize
		end := start + resizeChunkSize
		if end > oldSize {
			end = oldSize
		}
		sem.Acquire(1)
		go func(start, end uintptr) {
			defer sem.Release(1)
			defer barrier.done()
			for i := start; i < end; i++ {
				t.unzipOne(old, newTbl, oldSize, i)
			}
			t.writeSynchronizeOnVisibleEpoch(&resizeToken{})
		}(start, end)
	}
	barrier.wait()
}

// zipOne merges old buckets i and i+newSize into newTbl bucket i, then
// retires both old buckets.
func (t *Table[V]) zipOne(old, newTbl *internalTable[V], newSize, i uintptr) {
	lo := &old.buckets[i]
	hi := &old.buckets[i+newSize]
	lo.lock()
	hi.lock()
	merged := mergeChains(lo.first(), hi.first(), &t.cfg)
	newTbl.buckets[i].setLockedRaw(merged)
	lo.redirect()
	hi.redirect()
	newTbl.buckets[i].unlock()
}

func (t *Table[V]) zipSequential(old, newTbl *internalTable[V], newSize uintptr) {
	tok := &resizeToken{}
	for i := uintptr(0); i < newSize; i++ {
		t.zipOne(old, newTbl, newSize, i)
		t.writeSynchronizeOnVisibleEpoch(tok)
	}
}

func (t *Table[V]) zipParallel(old, newTbl *internalTable[V], newSize uintptr) {
	nChunks := int((newSize + resizeChunkSize - 1) / resizeChunkSize)
	barrier := newResizeBarrier(nChunks)
	sem := NewFairSemaphore(resizeMaxWorkers)
	for c := 0; c < nChunks; c++ {
		start := uintptr(c) * resizeChunkSize
		end := start + resizeChunkSize
		if end > newSize {
			end = newSize
		}
		sem.Acquire(1)
		go func(start, end uintptr) {
			defer sem.Release(1)
			defer barrier.done()
			for i := start; i < end; i++ {
				t.zipOne(old, newTbl, newSize, i)
			}
			t.writeSynchronizeOnVisibleEpoch(&resizeToken{})
		}(start, end)
	}
	barrier.wait()
}

// splitChain partitions head's chain by whether each value's hash has the
// bit set, building two brand-new chains rather than relinking existing
// nodes — old readers may still be walking head concurrently, so its nodes
// and their next pointers must stay untouched until write_synchronize
// proves they're unobserved. Dead values are dropped rather than carried
// into either side, folding lazy cleanup into every resize for free.
func splitChain[V any](head *node[V], cfg *Config[V], bit uintptr) (lo, hi *node[V]) {
	for n := head; n != nil; n = n.next.Load() {
		h, dead := cfg.Hash(n.value)
		if dead {
			continue
		}
		if h&bit == 0 {
			lo = newNode(n.value, lo)
		} else {
			hi = newNode(n.value, hi)
		}
	}
	return lo, hi
}

// mergeChains concatenates two chains into one brand-new chain, dropping
// any dead values encountered along the way.
func mergeChains[V any](a, b *node[V], cfg *Config[V]) *node[V] {
	var head *node[V]
	for n := a; n != nil; n = n.next.Load() {
		if _, dead := cfg.Hash(n.value); dead {
			continue
		}
		head = newNode(n.value, head)
	}
	for n := b; n != nil; n = n.next.Load() {
		if _, dead := cfg.Hash(n.value); dead {
			continue
		}
		head = newNode(n.value, head)
	}
	return head
}
