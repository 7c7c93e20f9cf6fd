// Command ddptrain trains a linear MNIST classifier with synchronous data
// parallel SGD across a group of worker processes.
//
//	ddptrain launch --nproc-per-node 4 -- train --epochs 5
//
// starts four local workers; on a cluster each worker runs
// "ddptrain train" with RANK, WORLD_SIZE, MASTER_ADDR and MASTER_PORT set.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Ian2x/cs426-ddp/logging"
)

type rootFlags struct {
	configFile string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	cmd := &cobra.Command{
		Use:          "ddptrain",
		Short:        "Distributed data parallel training",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "YAML config file (optional)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level, overrides the config file")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format: console or json, overrides the config file")

	cmd.AddCommand(trainCmd(&flags), launchCmd(&flags), statusCmd())
	return cmd
}

func (f *rootFlags) logConfig(cfg logging.Config) logging.Config {
	if f.logLevel != "" {
		cfg.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Format = f.logFormat
	}
	return cfg
}
