// Package trainer runs one worker of a data parallel training job: it joins
// the process group, loads this rank's shard of the dataset, trains the
// replicated model and leaves the group.
package trainer

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Ian2x/cs426-ddp/config"
	"github.com/Ian2x/cs426-ddp/data"
	"github.com/Ian2x/cs426-ddp/ddp"
	"github.com/Ian2x/cs426-ddp/device"
	"github.com/Ian2x/cs426-ddp/dist"
	"github.com/Ian2x/cs426-ddp/nn"
)

const defaultDestroyTimeout = 30 * time.Second

// Group is the part of a process group the training loop uses.
type Group interface {
	ddp.Collective
	Barrier(ctx context.Context) error
}

// Run trains with the given settings as the worker described by env and
// returns the average loss of each epoch.
func Run(ctx context.Context, cfg config.Train, env config.Env, logger *zap.Logger) ([]float64, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Info(fmt.Sprintf("Rank %d/%d: Starting training...", env.Rank, env.WorldSize))

	strategy, err := dist.ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	pg, err := dist.InitProcessGroup(ctx, dist.Options{
		Env:               env,
		Backend:           cfg.Backend,
		Strategy:          strategy,
		Rendezvous:        cfg.Rendezvous,
		CollectiveTimeout: cfg.CollectiveTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "initializing process group")
	}

	losses, err := train(ctx, cfg, pg, logger)

	// The group is torn down even if ctx is already done.
	timeout := cfg.Rendezvous.Timeout
	if timeout <= 0 {
		timeout = defaultDestroyTimeout
	}
	destroyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if derr := pg.Destroy(destroyCtx); derr != nil && err == nil {
		err = errors.Wrap(derr, "destroying process group")
	}
	return losses, err
}

func train(ctx context.Context, cfg config.Train, pg *dist.ProcessGroup, logger *zap.Logger) ([]float64, error) {
	dev, err := device.Select(cfg.Device)
	if err != nil {
		return nil, err
	}
	logger.Info(fmt.Sprintf("Rank %d/%d: Using device %s", pg.Rank(), pg.WorldSize(), dev), device.Field(dev))

	dataset, err := LoadDataset(ctx, cfg, pg, logger)
	if err != nil {
		return nil, err
	}
	return Fit(ctx, cfg, pg, dataset, logger)
}

// LoadDataset opens the configured dataset. For MNIST, rank 0 downloads any
// missing files and the other ranks wait at a barrier before reading them.
func LoadDataset(ctx context.Context, cfg config.Train, group Group, logger *zap.Logger) (data.Dataset, error) {
	switch cfg.Dataset {
	case data.DatasetSynthetic:
		return data.NewSynthetic(cfg.SyntheticSamples, cfg.Seed), nil
	case data.DatasetMNIST:
		var downloadErr error
		if group.Rank() == 0 && cfg.Download {
			downloadErr = data.DownloadMNIST(ctx, cfg.DataDir, logger)
		}
		// Every rank reaches the barrier, so a failed download does not
		// leave the others waiting.
		if err := group.Barrier(ctx); err != nil {
			return nil, errors.Wrap(err, "waiting for dataset download")
		}
		if downloadErr != nil {
			return nil, downloadErr
		}
		return data.LoadMNIST(cfg.DataDir, true)
	default:
		return nil, errors.Errorf("unknown dataset %q", cfg.Dataset)
	}
}

// Fit trains a freshly initialized model on this rank's shard of dataset.
func Fit(ctx context.Context, cfg config.Train, group Group, dataset data.Dataset, logger *zap.Logger) ([]float64, error) {
	rank, world := group.Rank(), group.WorldSize()

	sampler, err := data.NewDistributedSampler(dataset.Len(), world, rank, cfg.Shuffle, cfg.Seed, cfg.DropLast)
	if err != nil {
		return nil, err
	}
	loader, err := data.NewDataLoader(dataset, cfg.BatchSize, sampler, cfg.NumWorkers)
	if err != nil {
		return nil, err
	}
	numBatches := loader.Len()
	if numBatches == 0 {
		return nil, errors.Errorf("rank %d has no batches: %d samples across %d ranks", rank, dataset.Len(), world)
	}

	model := nn.NewSimpleModel(rand.New(rand.NewSource(cfg.Seed + int64(rank))))
	replica, err := ddp.New(ctx, model, group, ddp.Options{
		BucketCapMB: cfg.BucketCapMB,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	opt := nn.NewSGD(replica.Parameters(), cfg.LR, cfg.Momentum, cfg.WeightDecay)

	losses := make([]float64, 0, cfg.Epochs)
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		sampler.SetEpoch(epoch)
		start := time.Now()
		var running float64
		err := loader.Each(ctx, func(i int, b *data.Batch) error {
			opt.ZeroGrad()
			out, err := replica.Forward(b.Inputs)
			if err != nil {
				return err
			}
			loss, grad, err := nn.CrossEntropyLoss(out, b.Targets)
			if err != nil {
				return err
			}
			if _, err := replica.Backward(ctx, grad); err != nil {
				return err
			}
			opt.Step()
			running += loss

			if rank == 0 && i%cfg.LogInterval == 0 {
				logger.Info(fmt.Sprintf("Epoch %d, Batch %d/%d, Loss: %.4f", epoch+1, i, numBatches, loss))
			}
			return nil
		})
		if err != nil {
			return losses, errors.Wrapf(err, "epoch %d", epoch+1)
		}
		avg := running / float64(numBatches)
		losses = append(losses, avg)
		logger.Info(fmt.Sprintf("Rank %d, Epoch %d finished. Average Loss: %.4f", rank, epoch+1, avg),
			zap.Duration("elapsed", time.Since(start)))
	}
	return losses, nil
}
