package chashtable

import (
	"fmt"
	"sync"
	"testing"
)

type entry struct {
	key int
	val int
}

func entryConfig() Config[entry] {
	return Config[entry]{
		Hash:     func(e entry) (uintptr, bool) { return uintptr(e.key), false },
		Equal:    func(a, b entry) bool { return a.key == b.key },
		NotFound: entry{key: -1, val: -1},
	}
}

func matchKey(k int) func(entry) bool {
	return func(e entry) bool { return e.key == k }
}

func TestInsertGet(t *testing.T) {
	tbl := NewTable(entryConfig())
	const n = 2000
	for i := 0; i < n; i++ {
		v, inserted := tbl.Insert(uintptr(i), matchKey(i), func() entry { return entry{key: i, val: i * 2} })
		if !inserted || v.val != i*2 {
			t.Fatalf("insert %d: got %+v inserted=%v", i, v, inserted)
		}
	}
	for i := 0; i < n; i++ {
		v, ok := tbl.Get(uintptr(i), matchKey(i))
		if !ok || v.val != i*2 {
			t.Fatalf("get %d: got %+v ok=%v", i, v, ok)
		}
	}
	if _, ok := tbl.Get(uintptr(n+1), matchKey(n+1)); ok {
		t.Fatalf("expected miss for absent key")
	}
}

func TestInsertDuplicateRace(t *testing.T) {
	tbl := NewTable(entryConfig())
	const workers = 64
	var wg sync.WaitGroup
	var winners sync.Map
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			v, inserted := tbl.Insert(7, matchKey(7), func() entry { return entry{key: 7, val: i} })
			if inserted {
				winners.Store(i, v)
			}
		}(i)
	}
	wg.Wait()

	count := 0
	winners.Range(func(_, _ any) bool { count++; return true })
	if count != 1 {
		t.Fatalf("expected exactly one winning insert, got %d", count)
	}
	got, ok := tbl.Get(7, matchKey(7))
	if !ok {
		t.Fatalf("expected key 7 present after race")
	}
	var want entry
	winners.Range(func(_, v any) bool { want = v.(entry); return false })
	if got != want {
		t.Fatalf("Get returned %+v, want the winning insert %+v", got, want)
	}
}

func TestRemoveThenGetMisses(t *testing.T) {
	tbl := NewTable(entryConfig())
	tbl.Insert(1, matchKey(1), func() entry { return entry{key: 1, val: 100} })
	removed, ok := tbl.Remove(1, matchKey(1))
	if !ok || removed.val != 100 {
		t.Fatalf("remove: got %+v ok=%v", removed, ok)
	}
	if _, ok := tbl.Get(1, matchKey(1)); ok {
		t.Fatalf("expected miss after remove")
	}
	if _, ok := tbl.Remove(1, matchKey(1)); ok {
		t.Fatalf("expected second remove to report not found")
	}
}

func TestRemoveThenReinsert(t *testing.T) {
	tbl := NewTable(entryConfig())
	tbl.Insert(1, matchKey(1), func() entry { return entry{key: 1, val: 1} })
	tbl.Remove(1, matchKey(1))
	v, inserted := tbl.Insert(1, matchKey(1), func() entry { return entry{key: 1, val: 2} })
	if !inserted || v.val != 2 {
		t.Fatalf("reinsert: got %+v inserted=%v", v, inserted)
	}
}

func TestGetCopyReturnsNotFound(t *testing.T) {
	tbl := NewTable(entryConfig())
	v := tbl.GetCopy(42, matchKey(42))
	if v != tbl.cfg.NotFound {
		t.Fatalf("expected NotFound sentinel, got %+v", v)
	}
}

// TestConcurrentReadsDuringWrites exercises readers and writers on
// disjoint keys concurrently: reads must never observe a half-spliced
// chain, and the run must terminate (no writer starves a reader out).
func TestConcurrentReadsDuringWrites(t *testing.T) {
	tbl := NewTable(entryConfig())
	const n = 500
	for i := 0; i < n; i++ {
		tbl.Insert(uintptr(i), matchKey(i), func() entry { return entry{key: i, val: i} })
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				for i := 0; i < n; i++ {
					if v, ok := tbl.Get(uintptr(i), matchKey(i)); ok && v.key != i {
						t.Errorf("reader saw mismatched entry for key %d: %+v", i, v)
					}
				}
			}
		}
	}()

	for i := n; i < n+200; i++ {
		tbl.Insert(uintptr(i), matchKey(i), func() entry { return entry{key: i, val: i} })
	}
	close(stop)
	wg.Wait()
}

func TestUnsafeInsertBeforePublish(t *testing.T) {
	tbl := NewTable(entryConfig())
	for i := 0; i < 100; i++ {
		if !tbl.UnsafeInsert(entry{key: i, val: i}) {
			t.Fatalf("UnsafeInsert(%d) failed", i)
		}
	}
	for i := 0; i < 100; i++ {
		v, ok := tbl.Get(uintptr(i), matchKey(i))
		if !ok || v.val != i {
			t.Fatalf("get after UnsafeInsert: key %d got %+v ok=%v", i, v, ok)
		}
	}
}

func TestUnsafeInsertRejectsDead(t *testing.T) {
	cfg := Config[entry]{
		Hash:     func(e entry) (uintptr, bool) { return 0, e.key < 0 },
		Equal:    func(a, b entry) bool { return a.key == b.key },
		NotFound: entry{key: -1},
	}
	tbl := NewTable(cfg)
	if tbl.UnsafeInsert(entry{key: -1}) {
		t.Fatalf("expected UnsafeInsert to reject a dead value")
	}
}

func TestLog2SizeStartsAtConfiguredFloor(t *testing.T) {
	tbl := NewTable(entryConfig(), WithLog2StartSize[entry](7))
	if got := tbl.Log2Size(); got != 7 {
		t.Fatalf("Log2Size() = %d, want 7", got)
	}
}

func BenchmarkInsertGet(b *testing.B) {
	tbl := NewTable(entryConfig())
	for i := 0; i < b.N; i++ {
		tbl.Insert(uintptr(i), matchKey(i), func() entry { return entry{key: i, val: i} })
	}
	for i := 0; i < b.N; i++ {
		tbl.Get(uintptr(i), matchKey(i))
	}
}

func ExampleTable() {
	tbl := NewTable(entryConfig())
	tbl.Insert(1, matchKey(1), func() entry { return entry{key: 1, val: 10} })
	v, _ := tbl.Get(1, matchKey(1))
	fmt.Println(v.val)
	// Output: 10
}
