package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ian2x/cs426-ddp/config"
	"github.com/Ian2x/cs426-ddp/dist"
)

func statusCmd() *cobra.Command {
	var addr string
	var port int
	var timeout time.Duration

	c := &cobra.Command{
		Use:   "status",
		Short: "Show the members of a running group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			resp, err := dist.QueryStatus(ctx, addr, port)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s, world size %d\n", resp.RunId, resp.WorldSize)
			for _, m := range resp.Members {
				age := time.Duration(m.LastSeenMs) * time.Millisecond
				fmt.Fprintf(out, "rank %-4d %-9s %-21s last seen %s ago\n", m.Rank, m.State, m.Addr, age)
			}
			return nil
		},
	}
	c.Flags().StringVar(&addr, "master-addr", config.DefaultMasterAddr, "Coordinator address")
	c.Flags().IntVar(&port, "master-port", config.DefaultMasterPort, "Coordinator port")
	c.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return c
}
