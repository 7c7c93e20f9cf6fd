package trainer

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Ian2x/cs426-ddp/config"
	"github.com/Ian2x/cs426-ddp/data"
	"github.com/Ian2x/cs426-ddp/dist"
	"github.com/Ian2x/cs426-ddp/dist/disttest"
	utl "github.com/Ian2x/cs426-ddp/util"
)

func syntheticConfig() config.Train {
	cfg := config.Default()
	cfg.Dataset = data.DatasetSynthetic
	cfg.SyntheticSamples = 256
	cfg.Epochs = 3
	cfg.BatchSize = 16
	cfg.NumWorkers = 2
	cfg.LogInterval = 4
	cfg.LR = 0.05
	cfg.CollectiveTimeout = 10 * time.Second
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.Rendezvous.Timeout = 10 * time.Second
	return cfg
}

func TestFitAcrossRanks(t *testing.T) {
	const world = 2
	pgs := disttest.StartGroup(t, world, dist.Ring)
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	cfg := syntheticConfig()
	dataset := data.NewSynthetic(cfg.SyntheticSamples, cfg.Seed)
	losses := make([][]float64, world)
	disttest.Check(t, disttest.Run(world, func(rank int) error {
		var err error
		losses[rank], err = Fit(context.Background(), cfg, pgs[rank], dataset, logger)
		return err
	}))

	for rank, l := range losses {
		if len(l) != cfg.Epochs {
			t.Fatalf("rank %d: expected %d epoch losses, got %d", rank, cfg.Epochs, len(l))
		}
		if l[len(l)-1] >= l[0] {
			t.Errorf("rank %d: loss did not decrease: %v", rank, l)
		}
		for epoch := 1; epoch <= cfg.Epochs; epoch++ {
			msg := fmt.Sprintf("Rank %d, Epoch %d finished. Average Loss: %.4f", rank, epoch, l[epoch-1])
			if logs.FilterMessage(msg).Len() != 1 {
				t.Errorf("missing log line %q", msg)
			}
		}
	}

	// 128 samples per rank in batches of 16: batches 0 and 4 are logged,
	// only by rank 0.
	progress := logs.FilterMessageSnippet("Batch ").AllUntimed()
	if len(progress) != 2*cfg.Epochs {
		t.Fatalf("expected %d progress lines, got %d", 2*cfg.Epochs, len(progress))
	}
	if got := progress[1].Message; !strings.HasPrefix(got, "Epoch 1, Batch 4/8, Loss: ") {
		t.Errorf("unexpected progress line %q", got)
	}
}

func TestRunSingleRank(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cfg := syntheticConfig()
	cfg.Epochs = 1
	env := disttest.Env(0, 1, disttest.FreePort(t))

	losses, err := Run(context.Background(), cfg, env, zap.New(core))
	if err != nil {
		t.Fatal(err)
	}
	if len(losses) != 1 {
		t.Fatalf("expected one epoch loss, got %v", losses)
	}
	for _, msg := range []string{
		"Rank 0/1: Starting training...",
		"Rank 0/1: Using device cpu",
		"Epoch 1, Batch 0/16, Loss: ",
		"Rank 0, Epoch 1 finished. Average Loss: ",
		fmt.Sprintf("Rank 0: Initializing process group with MASTER_ADDR=127.0.0.1, MASTER_PORT=%d, WORLD_SIZE=1, BACKEND=grpc", env.MasterPort),
	} {
		if logs.FilterMessageSnippet(msg).Len() == 0 {
			t.Errorf("missing log line %q", msg)
		}
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := syntheticConfig()
	cfg.BatchSize = 0
	if _, err := Run(context.Background(), cfg, disttest.Env(0, 1, 1), zap.NewNop()); err == nil {
		t.Errorf("expected validation error")
	}
}

type fakeGroup struct {
	rank, world int
	barriers    int
}

func (g *fakeGroup) Rank() int      { return g.rank }
func (g *fakeGroup) WorldSize() int { return g.world }
func (g *fakeGroup) Broadcast(context.Context, []float64, int) error {
	return nil
}
func (g *fakeGroup) AllReduceMany(context.Context, [][]float64, utl.ReduceOp) error {
	return nil
}
func (g *fakeGroup) Barrier(context.Context) error {
	g.barriers++
	return nil
}

func TestLoadDatasetWaitsAtBarrier(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	g := &fakeGroup{rank: 1, world: 2}
	if _, err := LoadDataset(context.Background(), cfg, g, zap.NewNop()); err == nil {
		t.Errorf("expected error for missing dataset files")
	}
	if g.barriers != 1 {
		t.Errorf("expected one barrier, got %d", g.barriers)
	}
}

func TestFitNoBatches(t *testing.T) {
	cfg := syntheticConfig()
	cfg.DropLast = true
	g := &fakeGroup{rank: 0, world: 4}
	if _, err := Fit(context.Background(), cfg, g, data.NewSynthetic(3, 0), zap.NewNop()); err == nil {
		t.Errorf("expected error when a rank has no batches")
	}
}
