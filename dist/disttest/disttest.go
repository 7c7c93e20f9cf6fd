// Package disttest starts in-process process groups over loopback for tests
// of packages built on dist.
package disttest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Ian2x/cs426-ddp/config"
	"github.com/Ian2x/cs426-ddp/dist"
)

// FreePort returns a loopback port that was free a moment ago.
func FreePort(t testing.TB) int {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

// Env returns the launcher environment for rank.
func Env(rank, worldSize, masterPort int) config.Env {
	return config.Env{
		Rank:       rank,
		LocalRank:  rank,
		WorldSize:  worldSize,
		MasterAddr: "127.0.0.1",
		MasterPort: masterPort,
	}
}

// StartGroup initializes worldSize ranks concurrently and destroys them when
// the test ends.
func StartGroup(t testing.TB, worldSize int, strategy dist.Strategy) []*dist.ProcessGroup {
	t.Helper()
	port := FreePort(t)
	logger := zaptest.NewLogger(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pgs := make([]*dist.ProcessGroup, worldSize)
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			pgs[rank], errs[rank] = dist.InitProcessGroup(ctx, dist.Options{
				Env:               Env(rank, worldSize, port),
				Strategy:          strategy,
				CollectiveTimeout: 10 * time.Second,
				HeartbeatInterval: 50 * time.Millisecond,
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
		Run(worldSize, func(rank int) error {
			return pgs[rank].Destroy(ctx)
		})
	})
	return pgs
}

// Run calls fn for every rank concurrently and returns the errors by rank.
func Run(worldSize int, fn func(rank int) error) []error {
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = fn(rank)
		}(rank)
	}
	wg.Wait()
	return errs
}

// Check fails the test on the first non-nil error in errs.
func Check(t testing.TB, errs []error) {
	t.Helper()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
}
