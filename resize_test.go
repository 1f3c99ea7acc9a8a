package chashtable

import (
	"testing"
)

func TestGrowPreservesEntries(t *testing.T) {
	tbl := NewTable(entryConfig(), WithLog2StartSize[entry](SizeSmallLog2))
	const n = 4000
	for i := 0; i < n; i++ {
		tbl.Insert(uintptr(i), matchKey(i), func() entry { return entry{key: i, val: i} })
	}
	before := tbl.Log2Size()
	if !tbl.Grow() {
		t.Fatalf("Grow() failed unexpectedly")
	}
	if got := tbl.Log2Size(); got != before+1 {
		t.Fatalf("Log2Size() = %d, want %d", got, before+1)
	}
	for i := 0; i < n; i++ {
		v, ok := tbl.Get(uintptr(i), matchKey(i))
		if !ok || v.val != i {
			t.Fatalf("after grow, get %d: got %+v ok=%v", i, v, ok)
		}
	}

	v, inserted := tbl.Insert(uintptr(n), matchKey(n), func() entry { return entry{key: n, val: n} })
	if !inserted || v.val != n {
		t.Fatalf("insert after grow: got %+v inserted=%v", v, inserted)
	}
	if removed, ok := tbl.Remove(0, matchKey(0)); !ok || removed.val != 0 {
		t.Fatalf("remove after grow: got %+v ok=%v", removed, ok)
	}
	if _, ok := tbl.Get(0, matchKey(0)); ok {
		t.Fatalf("key 0 still present after remove following grow")
	}
}

func TestShrinkPreservesEntries(t *testing.T) {
	tbl := NewTable(entryConfig(), WithLog2StartSize[entry](SizeSmallLog2))
	tbl.Grow()
	tbl.Grow()
	const n = 200
	for i := 0; i < n; i++ {
		tbl.Insert(uintptr(i), matchKey(i), func() entry { return entry{key: i, val: i} })
	}
	before := tbl.Log2Size()
	if !tbl.Shrink() {
		t.Fatalf("Shrink() failed unexpectedly")
	}
	if got := tbl.Log2Size(); got != before-1 {
		t.Fatalf("Log2Size() = %d, want %d", got, before-1)
	}
	for i := 0; i < n; i++ {
		v, ok := tbl.Get(uintptr(i), matchKey(i))
		if !ok || v.val != i {
			t.Fatalf("after shrink, get %d: got %+v ok=%v", i, v, ok)
		}
	}

	v, inserted := tbl.Insert(uintptr(n), matchKey(n), func() entry { return entry{key: n, val: n} })
	if !inserted || v.val != n {
		t.Fatalf("insert after shrink: got %+v inserted=%v", v, inserted)
	}
	if removed, ok := tbl.Remove(0, matchKey(0)); !ok || removed.val != 0 {
		t.Fatalf("remove after shrink: got %+v ok=%v", removed, ok)
	}
	if _, ok := tbl.Get(0, matchKey(0)); ok {
		t.Fatalf("key 0 still present after remove following shrink")
	}
}

func TestShrinkRefusesBelowFloor(t *testing.T) {
	tbl := NewTable(entryConfig(), WithLog2StartSize[entry](SizeSmallLog2))
	if tbl.Shrink() {
		t.Fatalf("expected Shrink() to refuse at the configured floor")
	}
	if got := tbl.Log2Size(); got != SizeSmallLog2 {
		t.Fatalf("Log2Size() = %d, want unchanged %d", got, SizeSmallLog2)
	}
}

func TestGrowRefusesAtSizeLimit(t *testing.T) {
	tbl := NewTable(entryConfig(),
		WithLog2StartSize[entry](SizeSmallLog2),
		WithLog2SizeLimit[entry](SizeSmallLog2))
	if tbl.Grow() {
		t.Fatalf("expected Grow() to refuse at the configured ceiling")
	}
	if !tbl.SizeLimitReached() {
		t.Fatalf("expected SizeLimitReached() after a refused Grow()")
	}
}

func TestBucketMappingAfterGrow(t *testing.T) {
	tbl := NewTable(entryConfig(), WithLog2StartSize[entry](SizeSmallLog2))
	oldSize := tbl.table.Load().size()
	tbl.Grow()
	newTbl := tbl.table.Load()
	if newTbl.size() != oldSize*2 {
		t.Fatalf("new size = %d, want %d", newTbl.size(), oldSize*2)
	}
	for i := uintptr(0); i < oldSize; i++ {
		lo := newTbl.bucketFor(i)
		hi := newTbl.bucketFor(i + oldSize)
		if lo == hi {
			t.Fatalf("bucket %d and its sibling %d collapsed to the same slot", i, i+oldSize)
		}
	}
}

func TestMaybeGrowRespectsHint(t *testing.T) {
	tbl := NewTable(entryConfig(),
		WithLog2StartSize[entry](SizeSmallLog2),
		WithGrowHint[entry](2))
	for i := 0; i < 200; i++ {
		tbl.Insert(uintptr(i)<<uint(SizeSmallLog2), matchKey(i), func() entry { return entry{key: i} })
	}
	before := tbl.Log2Size()
	grew := tbl.MaybeGrow()
	if grew && tbl.Log2Size() != before+1 {
		t.Fatalf("MaybeGrow reported growth but Log2Size is unchanged")
	}
}

func TestParallelResizeLargeTable(t *testing.T) {
	tbl := NewTable(entryConfig(), WithLog2StartSize[entry](14)) // 2^14 buckets, over the parallel threshold
	const n = 30000
	for i := 0; i < n; i++ {
		tbl.Insert(uintptr(i), matchKey(i), func() entry { return entry{key: i, val: i} })
	}
	if !tbl.Grow() {
		t.Fatalf("Grow() failed unexpectedly")
	}
	for i := 0; i < n; i++ {
		v, ok := tbl.Get(uintptr(i), matchKey(i))
		if !ok || v.val != i {
			t.Fatalf("after parallel grow, get %d: got %+v ok=%v", i, v, ok)
		}
	}
	v, inserted := tbl.Insert(uintptr(n), matchKey(n), func() entry { return entry{key: n, val: n} })
	if !inserted || v.val != n {
		t.Fatalf("insert after parallel grow: got %+v inserted=%v", v, inserted)
	}
	if removed, ok := tbl.Remove(0, matchKey(0)); !ok || removed.val != 0 {
		t.Fatalf("remove after parallel grow: got %+v ok=%v", removed, ok)
	}

	if !tbl.Shrink() {
		t.Fatalf("Shrink() failed unexpectedly")
	}
	for i := 1; i < n; i++ {
		v, ok := tbl.Get(uintptr(i), matchKey(i))
		if !ok || v.val != i {
			t.Fatalf("after parallel shrink, get %d: got %+v ok=%v", i, v, ok)
		}
	}
	v, inserted = tbl.Insert(uintptr(n+1), matchKey(n+1), func() entry { return entry{key: n + 1, val: n + 1} })
	if !inserted || v.val != n+1 {
		t.Fatalf("insert after parallel shrink: got %+v inserted=%v", v, inserted)
	}
	if removed, ok := tbl.Remove(1, matchKey(1)); !ok || removed.val != 1 {
		t.Fatalf("remove after parallel shrink: got %+v ok=%v", removed, ok)
	}
}

func TestEpochAdvancesOnResize(t *testing.T) {
	tbl := NewTable(entryConfig(), WithLog2StartSize[entry](SizeSmallLog2))
	before := tbl.epoch.Current()
	tbl.Grow()
	if got := tbl.epoch.Current(); got != before+1 {
		t.Fatalf("epoch = %d, want %d", got, before+1)
	}
}
