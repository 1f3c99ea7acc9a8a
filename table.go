package chashtable

// internalTable is a power-of-two array of buckets with a precomputed
// index mask. Its shape is immutable after construction — growing or
// shrinking always allocates a new internalTable; only the buckets inside
// one instance mutate.
type internalTable[V any] struct {
	log2Size int
	mask     uintptr
	buckets  []bucket[V]
}

func newInternalTable[V any](log2Size int) *internalTable[V] {
	size := uintptr(1) << uint(log2Size)
	return &internalTable[V]{
		log2Size: log2Size,
		mask:     size - 1,
		buckets:  make([]bucket[V], size),
	}
}

func (t *internalTable[V]) size() uintptr {
	return t.mask + 1
}

func (t *internalTable[V]) bucketFor(hash uintptr) *bucket[V] {
	return &t.buckets[hash&t.mask]
}
