package dist

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Ian2x/cs426-ddp/config"
	utl "github.com/Ian2x/cs426-ddp/util"
	"go.uber.org/zap/zaptest"
)

func freePort(t *testing.T) int {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

// startGroup brings up worldSize ranks in this process over loopback.
func startGroup(t *testing.T, worldSize int, strategy Strategy) []*ProcessGroup {
	t.Helper()
	port := freePort(t)
	logger := zaptest.NewLogger(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pgs := make([]*ProcessGroup, worldSize)
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			pgs[rank], errs[rank] = InitProcessGroup(ctx, Options{
				Env: config.Env{
					Rank:       rank,
					LocalRank:  rank,
					WorldSize:  worldSize,
					MasterAddr: "127.0.0.1",
					MasterPort: port,
				},
				Strategy:          strategy,
				CollectiveTimeout: 10 * time.Second,
				HeartbeatInterval: 50 * time.Millisecond,
				ChunkSize:         7,
				Logger:            logger.Named(fmt.Sprintf("rank%d", rank)),
			})
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: InitProcessGroup: %v", rank, err)
		}
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var wg sync.WaitGroup
		for _, pg := range pgs {
			wg.Add(1)
			go func(pg *ProcessGroup) {
				defer wg.Done()
				if err := pg.Destroy(ctx); err != nil {
					t.Errorf("rank %d: Destroy: %v", pg.Rank(), err)
				}
			}(pg)
		}
		wg.Wait()
	})
	return pgs
}

// runAll calls f on every rank concurrently and fails on the first error.
func runAll(t *testing.T, pgs []*ProcessGroup, f func(pg *ProcessGroup) error) {
	t.Helper()
	errs := make([]error, len(pgs))
	var wg sync.WaitGroup
	for i, pg := range pgs {
		wg.Add(1)
		go func(i int, pg *ProcessGroup) {
			defer wg.Done()
			errs[i] = f(pg)
		}(i, pg)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
}

func TestAllReduce(t *testing.T) {
	for _, strategy := range []Strategy{Ring, Tree, Star} {
		for _, worldSize := range []int{1, 2, 3, 5} {
			t.Run(fmt.Sprintf("%s/%d", strategy, worldSize), func(t *testing.T) {
				testAllReduce(t, worldSize, strategy)
			})
		}
	}
}

func testAllReduce(t *testing.T, worldSize int, strategy Strategy) {
	pgs := startGroup(t, worldSize, strategy)
	ctx := context.Background()

	for _, length := range []int{0, 1, worldSize - 1, 10, 101} {
		if length < 0 {
			continue
		}
		results := make([][]float64, worldSize)
		runAll(t, pgs, func(pg *ProcessGroup) error {
			data := make([]float64, length)
			for i := range data {
				data[i] = float64(pg.Rank()*1000 + i)
			}
			results[pg.Rank()] = data
			return pg.AllReduce(ctx, data, utl.SUM)
		})
		for rank, data := range results {
			for i, v := range data {
				want := float64(1000*worldSize*(worldSize-1)/2 + worldSize*i)
				if v != want {
					t.Fatalf("length %d, rank %d, index %d: expected %v, got %v", length, rank, i, want, v)
				}
			}
		}
	}
}

func TestAllReduceBitwiseIdentical(t *testing.T) {
	for _, strategy := range []Strategy{Ring, Tree, Star} {
		t.Run(strategy.String(), func(t *testing.T) {
			pgs := startGroup(t, 4, strategy)
			results := make([][]float64, len(pgs))
			runAll(t, pgs, func(pg *ProcessGroup) error {
				rng := rand.New(rand.NewSource(int64(pg.Rank())))
				data := make([]float64, 257)
				for i := range data {
					data[i] = rng.NormFloat64() * math.Pow(10, float64(rng.Intn(12)-6))
				}
				results[pg.Rank()] = data
				return pg.AllReduce(context.Background(), data, utl.SUM)
			})
			for rank := 1; rank < len(results); rank++ {
				for i := range results[0] {
					if math.Float64bits(results[rank][i]) != math.Float64bits(results[0][i]) {
						t.Fatalf("rank %d index %d differs from rank 0: %v vs %v", rank, i, results[rank][i], results[0][i])
					}
				}
			}
		})
	}
}

func TestAllReduceOps(t *testing.T) {
	pgs := startGroup(t, 3, Ring)
	vecs := [][]float64{
		{1, 6, 7},
		{2, 5, 8},
		{3, 4, 9},
	}
	cases := []struct {
		op   utl.ReduceOp
		want []float64
	}{
		{utl.MIN, []float64{1, 4, 7}},
		{utl.MAX, []float64{3, 6, 9}},
		{utl.PROD, []float64{6, 120, 504}},
	}
	for _, c := range cases {
		results := make([][]float64, 3)
		runAll(t, pgs, func(pg *ProcessGroup) error {
			data := append([]float64(nil), vecs[pg.Rank()]...)
			results[pg.Rank()] = data
			return pg.AllReduce(context.Background(), data, c.op)
		})
		for rank, got := range results {
			for i := range got {
				if got[i] != c.want[i] {
					t.Errorf("%s rank %d: expected %v, got %v", c.op, rank, c.want, got)
					break
				}
			}
		}
	}
}

func TestAllReduceMany(t *testing.T) {
	pgs := startGroup(t, 3, Ring)
	results := make([][][]float64, 3)
	runAll(t, pgs, func(pg *ProcessGroup) error {
		bufs := [][]float64{
			{float64(pg.Rank())},
			{1, 2, 3, 4, 5},
			make([]float64, 50),
		}
		for i := range bufs[2] {
			bufs[2][i] = float64(pg.Rank())
		}
		results[pg.Rank()] = bufs
		return pg.AllReduceMany(context.Background(), bufs, utl.SUM)
	})
	for rank, bufs := range results {
		if bufs[0][0] != 3 || bufs[1][4] != 15 || bufs[2][49] != 3 {
			t.Errorf("rank %d: unexpected results %v %v %v", rank, bufs[0], bufs[1], bufs[2][49])
		}
	}
}

func TestBroadcast(t *testing.T) {
	pgs := startGroup(t, 5, Ring)
	for _, root := range []int{0, 2, 4} {
		results := make([][]float64, len(pgs))
		runAll(t, pgs, func(pg *ProcessGroup) error {
			data := []float64{float64(pg.Rank()), float64(pg.Rank() * 10)}
			results[pg.Rank()] = data
			return pg.Broadcast(context.Background(), data, root)
		})
		for rank, data := range results {
			if data[0] != float64(root) || data[1] != float64(root*10) {
				t.Errorf("root %d, rank %d: got %v", root, rank, data)
			}
		}
	}
}

func TestBroadcastInvalidRoot(t *testing.T) {
	pgs := startGroup(t, 1, Ring)
	if err := pgs[0].Broadcast(context.Background(), []float64{1}, 1); err == nil {
		t.Fatal("expected an error for root out of range")
	}
}

func TestBarrier(t *testing.T) {
	pgs := startGroup(t, 3, Ring)
	var mu sync.Mutex
	arrived := 0
	runAll(t, pgs, func(pg *ProcessGroup) error {
		time.Sleep(time.Duration(pg.Rank()) * 20 * time.Millisecond)
		mu.Lock()
		arrived++
		mu.Unlock()
		if err := pg.Barrier(context.Background()); err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if arrived != len(pgs) {
			return fmt.Errorf("left barrier with only %d ranks arrived", arrived)
		}
		return nil
	})
}

func TestLengthMismatchFails(t *testing.T) {
	pgs := startGroup(t, 2, Star)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for _, pg := range pgs {
		wg.Add(1)
		go func(pg *ProcessGroup) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			errs[pg.Rank()] = pg.AllReduce(ctx, make([]float64, 3+pg.Rank()), utl.SUM)
		}(pg)
	}
	wg.Wait()
	if errs[0] == nil && errs[1] == nil {
		t.Fatal("expected mismatched lengths to fail")
	}
}

func TestResolveBackend(t *testing.T) {
	cases := []struct {
		in      string
		aliased bool
		wantErr bool
	}{
		{"", false, false},
		{"grpc", false, false},
		{"gloo", true, false},
		{"nccl", true, false},
		{"mpi", false, true},
	}
	for _, c := range cases {
		backend, aliased, err := resolveBackend(c.in)
		if (err != nil) != c.wantErr || aliased != c.aliased {
			t.Errorf("resolveBackend(%q) = %q, %v, %v", c.in, backend, aliased, err)
		}
		if err == nil && backend != BackendGRPC {
			t.Errorf("resolveBackend(%q) = %q", c.in, backend)
		}
	}
}

func TestParseStrategy(t *testing.T) {
	for _, name := range StrategyNames() {
		s, err := ParseStrategy(name)
		if err != nil || s.String() != name {
			t.Errorf("ParseStrategy(%q) = %v, %v", name, s, err)
		}
	}
	if _, err := ParseStrategy("BUTTERFLY"); err == nil {
		t.Error("expected an error")
	}
}

func TestSegment(t *testing.T) {
	for _, length := range []int{0, 1, 4, 10, 11} {
		for _, n := range []int{1, 3, 4} {
			prev := 0
			for i := 0; i < n; i++ {
				lo, hi := segment(length, n, i)
				if lo != prev || hi < lo || hi-lo > length/n+1 {
					t.Fatalf("segment(%d, %d, %d) = [%d, %d)", length, n, i, lo, hi)
				}
				prev = hi
			}
			if prev != length {
				t.Fatalf("segments of %d into %d end at %d", length, n, prev)
			}
		}
	}
}

func TestTreePosition(t *testing.T) {
	for _, n := range []int{1, 2, 5, 8} {
		for _, root := range []int{0, n - 1} {
			seen := map[int]bool{}
			for rank := 0; rank < n; rank++ {
				parent, children := treePosition(rank, n, root)
				if (parent == -1) != (rank == root) {
					t.Fatalf("n=%d root=%d rank=%d: parent %d", n, root, rank, parent)
				}
				for _, c := range children {
					if p, _ := treePosition(c, n, root); p != rank {
						t.Fatalf("n=%d root=%d: child %d of %d has parent %d", n, root, c, rank, p)
					}
					if seen[c] {
						t.Fatalf("n=%d root=%d: rank %d has two parents", n, root, c)
					}
					seen[c] = true
				}
			}
			if len(seen) != n-1 {
				t.Fatalf("n=%d root=%d: tree covers %d non-root ranks", n, root, len(seen))
			}
		}
	}
}
