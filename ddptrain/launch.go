package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ian2x/cs426-ddp/config"
	"github.com/Ian2x/cs426-ddp/launcher"
	"github.com/Ian2x/cs426-ddp/logging"
)

func launchCmd(root *rootFlags) *cobra.Command {
	var opts launcher.Options

	c := &cobra.Command{
		Use:   "launch [flags] -- [worker args]",
		Short: "Start one worker per local rank with the group environment set",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(root.logConfig(logging.DefaultConfig()))
			if err != nil {
				return err
			}
			defer logger.Sync()

			prog, err := os.Executable()
			if err != nil {
				return errors.Wrap(err, "locating executable")
			}
			if len(args) == 0 {
				args = []string{"train"}
			}
			if root.configFile != "" {
				args = append(args, "--config", root.configFile)
			}
			if root.logLevel != "" {
				args = append(args, "--log-level", root.logLevel)
			}
			if root.logFormat != "" {
				args = append(args, "--log-format", root.logFormat)
			}
			ps, err := launcher.Procs(opts, prog, args)
			if err != nil {
				return err
			}
			logger.Info("Launching workers",
				zap.Int("nproc_per_node", len(ps)),
				zap.Int("world_size", ps[0].Env.WorldSize),
				zap.String("run_id", ps[0].Env.RunID))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			r := &launcher.Runner{LogDir: opts.LogDir, Logger: logger}
			return r.RunAll(ctx, ps)
		},
	}

	f := c.Flags()
	f.IntVar(&opts.NProcPerNode, "nproc-per-node", 1, "Workers to start on this host")
	f.IntVar(&opts.NNodes, "nnodes", 1, "Number of hosts in the job")
	f.IntVar(&opts.NodeRank, "node-rank", 0, "Index of this host")
	f.StringVar(&opts.MasterAddr, "master-addr", config.DefaultMasterAddr, "Address of rank 0")
	f.IntVar(&opts.MasterPort, "master-port", config.DefaultMasterPort, "Rendezvous port on rank 0")
	f.StringVar(&opts.RunID, "run-id", "", "Run ID shared by every worker (generated when empty)")
	f.StringVar(&opts.LogDir, "log-dir", "", "Also write each worker's output under this directory")
	return c
}
