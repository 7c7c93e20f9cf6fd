package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	sl "github.com/Ian2x/cs426-ddp/coordinator/server_lib"
	"github.com/Ian2x/cs426-ddp/logging"
	pb "github.com/Ian2x/cs426-ddp/proto"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

/*
./server --world_size=<n> [--port=29500]

Runs the rendezvous coordinator on its own so that no worker has to host
it. Workers connect with the external rendezvous backend and exit this
process by leaving the group.
*/
var (
	port             = flag.Int("port", 29500, "The server port")
	worldSize        = flag.Int("world_size", 0, "Number of ranks in the group")
	runID            = flag.String("run_id", "", "Run ID every rank must present, empty accepts the first one seen")
	heartbeatTimeout = flag.Duration("heartbeat_timeout", 30*time.Second, "Mark a rank unhealthy after this long without a heartbeat")
	logLevel         = flag.String("log_level", "info", "Log level")
	logFormat        = flag.String("log_format", "console", "Log format: console or json")
)

func main() {
	flag.Parse()

	if *worldSize < 1 {
		log.Fatalf("Usage: server --world_size=<n> [--port=<port>]")
	}

	logger, err := logging.New(logging.Config{Level: *logLevel, Format: *logFormat})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}

	coordinator := sl.MakeCoordinatorServer(sl.Config{
		WorldSize:        uint32(*worldSize),
		RunID:            *runID,
		HeartbeatTimeout: *heartbeatTimeout,
	}, logger)
	defer coordinator.Close()

	s := grpc.NewServer(grpc.ChainUnaryInterceptor(logging.UnaryServerInterceptor(logger)))
	pb.RegisterCoordinatorServer(s, coordinator)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-coordinator.Done():
			logger.Info("Every rank left, shutting down")
		case <-ctx.Done():
			logger.Info("Interrupted, shutting down", zap.Stringer("coordinator", coordinator))
		}
		s.GracefulStop()
	}()

	logger.Info("Coordinator server listening", zap.Stringer("addr", lis.Addr()), zap.Int("world_size", *worldSize))

	if err := s.Serve(lis); err != nil {
		logger.Fatal("Failed to serve", zap.Error(err))
	}
}
