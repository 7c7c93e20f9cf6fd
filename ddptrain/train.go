package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Ian2x/cs426-ddp/config"
	"github.com/Ian2x/cs426-ddp/logging"
	"github.com/Ian2x/cs426-ddp/trainer"
)

func trainCmd(root *rootFlags) *cobra.Command {
	// Defaults only label the help text; flags apply when set explicitly.
	def := config.Default()
	var o config.Train

	c := &cobra.Command{
		Use:   "train",
		Short: "Run one training worker (RANK and WORLD_SIZE must be set)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configFile)
			if err != nil {
				return err
			}
			overrideChanged(cmd.Flags(), &cfg, &o)
			cfg.Log = root.logConfig(cfg.Log)

			env, err := config.ParseEnv()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()
			logger = logging.ForRank(logger, env.Rank, env.WorldSize)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if _, err := trainer.Run(ctx, cfg, *env, logger); err != nil {
				logger.Error("Training failed", zap.Error(err))
				return err
			}
			return nil
		},
	}

	f := c.Flags()
	f.IntVar(&o.Epochs, "epochs", def.Epochs, "Number of training epochs")
	f.IntVar(&o.BatchSize, "batch-size", def.BatchSize, "Per-rank batch size")
	f.Float64Var(&o.LR, "lr", def.LR, "Learning rate")
	f.Float64Var(&o.Momentum, "momentum", def.Momentum, "SGD momentum")
	f.Float64Var(&o.WeightDecay, "weight-decay", def.WeightDecay, "L2 weight decay")
	f.IntVar(&o.NumWorkers, "num-workers", def.NumWorkers, "Data loader workers")
	f.IntVar(&o.LogInterval, "log-interval", def.LogInterval, "Batches between progress lines on rank 0")
	f.Int64Var(&o.Seed, "seed", def.Seed, "Seed for shuffling and initialization")
	f.StringVar(&o.Dataset, "dataset", def.Dataset, "Dataset: mnist or synthetic")
	f.StringVar(&o.DataDir, "data-dir", def.DataDir, "Dataset directory")
	f.BoolVar(&o.Download, "download", def.Download, "Download MNIST on rank 0 when missing")
	f.StringVar(&o.Device, "device", def.Device, "Device: auto or cpu")
	f.StringVar(&o.Backend, "backend", def.Backend, "Collective backend: grpc (gloo and nccl are aliases)")
	f.StringVar(&o.Strategy, "strategy", def.Strategy, "All-reduce strategy: RING, STAR or TREE")
	f.Float64Var(&o.BucketCapMB, "bucket-cap-mb", def.BucketCapMB, "Gradient bucket size in MiB")
	f.StringVar(&o.Rendezvous.Backend, "rendezvous", def.Rendezvous.Backend, "Rendezvous backend: static, external or etcd")
	f.StringSliceVar(&o.Rendezvous.EtcdEndpoints, "etcd-endpoints", nil, "etcd endpoints for the etcd rendezvous")
	return c
}

// overrideChanged copies every flag the user set from o into cfg.
func overrideChanged(flags *pflag.FlagSet, cfg, o *config.Train) {
	set := map[string]func(){
		"epochs":         func() { cfg.Epochs = o.Epochs },
		"batch-size":     func() { cfg.BatchSize = o.BatchSize },
		"lr":             func() { cfg.LR = o.LR },
		"momentum":       func() { cfg.Momentum = o.Momentum },
		"weight-decay":   func() { cfg.WeightDecay = o.WeightDecay },
		"num-workers":    func() { cfg.NumWorkers = o.NumWorkers },
		"log-interval":   func() { cfg.LogInterval = o.LogInterval },
		"seed":           func() { cfg.Seed = o.Seed },
		"dataset":        func() { cfg.Dataset = o.Dataset },
		"data-dir":       func() { cfg.DataDir = o.DataDir },
		"download":       func() { cfg.Download = o.Download },
		"device":         func() { cfg.Device = o.Device },
		"backend":        func() { cfg.Backend = o.Backend },
		"strategy":       func() { cfg.Strategy = o.Strategy },
		"bucket-cap-mb":  func() { cfg.BucketCapMB = o.BucketCapMB },
		"rendezvous":     func() { cfg.Rendezvous.Backend = o.Rendezvous.Backend },
		"etcd-endpoints": func() { cfg.Rendezvous.EtcdEndpoints = o.Rendezvous.EtcdEndpoints },
	}
	flags.Visit(func(f *pflag.Flag) {
		if apply, ok := set[f.Name]; ok {
			apply()
		}
	})
}
