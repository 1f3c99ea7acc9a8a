package benchmark

import (
	"runtime"
	"sync"
	"testing"
	"time"

	chash "github.com/llxisdsh/chashtable"
)

const chashTotal = 2_000_000

type intEntry struct {
	key int
	val int
}

func chashConfig() chash.Config[intEntry] {
	return chash.Config[intEntry]{
		Hash:     func(e intEntry) (uintptr, bool) { return uintptr(e.key), false },
		Equal:    func(a, b intEntry) bool { return a.key == b.key },
		NotFound: intEntry{key: -1},
	}
}

// TestInsert_chashtable exercises the bucket-chain Table alongside this
// module's other comparison targets, at a scale sized for its per-key
// lock/CAS-retry insert path rather than the 100M runs the SIMD-meta maps
// above use.
func TestInsert_chashtable(t *testing.T) {
	t.Run("1", func(t *testing.T) {
		testInsertChashtable(t, chashTotal, 1)
	})
	t.Run("numCPU", func(t *testing.T) {
		testInsertChashtable(t, chashTotal, runtime.GOMAXPROCS(0))
	})
}

func testInsertChashtable(t *testing.T, total, numCPU int) {
	time.Sleep(time.Second)
	runtime.GC()

	tbl := chash.NewTable(chashConfig(), chash.WithLog2StartSize[intEntry](chash.SizeSmallLog2))

	var wg sync.WaitGroup
	wg.Add(numCPU)
	batchSize := (total + numCPU - 1) / numCPU

	start := time.Now()
	for i := range numCPU {
		go func(lo, hi int) {
			defer wg.Done()
			for j := lo; j < hi; j++ {
				tbl.Insert(uintptr(j), func(e intEntry) bool { return e.key == j },
					func() intEntry { return intEntry{key: j, val: j} })
			}
		}(i*batchSize, min((i+1)*batchSize, total))
	}
	wg.Wait()
	t.Logf("insert %d entries with %d goroutines: %v", total, numCPU, time.Since(start))

	start = time.Now()
	for j := 0; j < total; j++ {
		if _, ok := tbl.Get(uintptr(j), func(e intEntry) bool { return e.key == j }); !ok {
			t.Fatalf("missing key %d after concurrent insert", j)
		}
	}
	t.Logf("get %d entries: %v", total, time.Since(start))
}
