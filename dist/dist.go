// Package dist implements the process group that data-parallel training runs
// on: rank discovery through a rendezvous, a gRPC data plane between every
// pair of ranks, and the collectives built on top of it.
//
// Like any SPMD collective library, every rank must issue the same
// collectives in the same order.
package dist

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Ian2x/cs426-ddp/config"
	sl "github.com/Ian2x/cs426-ddp/coordinator/server_lib"
	"github.com/Ian2x/cs426-ddp/logging"
	peer "github.com/Ian2x/cs426-ddp/peer/server_lib"
	pb "github.com/Ian2x/cs426-ddp/proto"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type Options struct {
	Env               config.Env
	Backend           string
	Strategy          Strategy
	Rendezvous        config.Rendezvous
	CollectiveTimeout time.Duration
	HeartbeatInterval time.Duration
	// ChunkSize is the number of values per data plane message.
	ChunkSize int
	Logger    *zap.Logger
}

// ProcessGroup is one rank's handle on the group.
type ProcessGroup struct {
	rank      int
	worldSize int
	backend   string
	strategy  Strategy
	timeout   time.Duration
	chunkSize int
	logger    *zap.Logger

	peer    *peer.PeerServer
	peerSrv *grpc.Server
	addr    string

	coordinator    *sl.CoordinatorServer
	coordinatorSrv *grpc.Server

	rdzv    Rendezvous
	conns   []*grpc.ClientConn
	clients []pb.PeerClient

	seq           atomic.Uint64
	stopHeartbeat context.CancelFunc
	wg            sync.WaitGroup
	destroyOnce   sync.Once
	destroyErr    error
}

// InitProcessGroup brings this rank into the group and returns once every
// rank has joined.
func InitProcessGroup(ctx context.Context, opts Options) (_ *ProcessGroup, err error) {
	env := opts.Env
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info(fmt.Sprintf("Rank %d: Initializing process group with MASTER_ADDR=%s, MASTER_PORT=%d, WORLD_SIZE=%d, BACKEND=%s",
		env.Rank, env.MasterAddr, env.MasterPort, env.WorldSize, opts.Backend))

	backend, aliased, err := resolveBackend(opts.Backend)
	if err != nil {
		return nil, err
	}
	if aliased {
		logger.Warn("backend not available, using the gRPC transport instead",
			zap.String("requested", opts.Backend), zap.String("backend", backend))
	}
	if opts.CollectiveTimeout <= 0 {
		opts.CollectiveTimeout = 30 * time.Minute
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = time.Second
	}
	if opts.Rendezvous.Backend == "" {
		opts.Rendezvous.Backend = "static"
	}

	pg := &ProcessGroup{
		rank:      env.Rank,
		worldSize: env.WorldSize,
		backend:   backend,
		strategy:  opts.Strategy,
		timeout:   opts.CollectiveTimeout,
		chunkSize: opts.ChunkSize,
		logger:    logger,
	}
	defer func() {
		if err != nil {
			pg.shutdown()
		}
	}()

	if err := pg.startPeer(env); err != nil {
		return nil, err
	}

	switch opts.Rendezvous.Backend {
	case "static", "external":
		// An external coordinator is already serving at the master address.
		if env.Rank == 0 && opts.Rendezvous.Backend == "static" {
			if err := pg.startCoordinator(env, opts.HeartbeatInterval); err != nil {
				return nil, err
			}
		}
		pg.rdzv, err = dialStatic(env.MasterAddr, env.MasterPort)
	case "etcd":
		pg.rdzv, err = dialEtcd(opts.Rendezvous.EtcdEndpoints, opts.Rendezvous.EtcdPrefix)
	default:
		err = errors.Errorf("unknown rendezvous backend %q", opts.Rendezvous.Backend)
	}
	if err != nil {
		return nil, err
	}

	joinCtx := ctx
	if opts.Rendezvous.Timeout > 0 {
		var cancel context.CancelFunc
		joinCtx, cancel = context.WithTimeout(ctx, opts.Rendezvous.Timeout)
		defer cancel()
	}
	addrs, err := pg.rdzv.Join(joinCtx, env.Rank, env.WorldSize, pg.addr, env.RunID)
	if err != nil {
		return nil, err
	}
	logger.Debug("rendezvous complete", zap.Strings("peers", addrs))

	pg.conns = make([]*grpc.ClientConn, env.WorldSize)
	pg.clients = make([]pb.PeerClient, env.WorldSize)
	for rank, addr := range addrs {
		if rank == env.Rank {
			continue
		}
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, errors.Wrapf(err, "could not create gRPC client for rank %d at %s", rank, addr)
		}
		pg.conns[rank] = conn
		pg.clients[rank] = pb.NewPeerClient(conn)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	pg.stopHeartbeat = cancel
	pg.wg.Add(1)
	go pg.sendHeartbeats(hbCtx, opts.HeartbeatInterval)

	return pg, nil
}

func (pg *ProcessGroup) startPeer(env config.Env) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", env.PeerPort))
	if err != nil {
		return errors.Wrap(err, "failed to listen for peers")
	}
	port := lis.Addr().(*net.TCPAddr).Port
	pg.addr = net.JoinHostPort(advertiseHost(env.MasterAddr), strconv.Itoa(port))

	pg.peer = peer.MakePeerServer(uint32(env.Rank), pg.logger)
	pg.peerSrv = grpc.NewServer(grpc.ChainStreamInterceptor(logging.StreamServerInterceptor(pg.logger)))
	pb.RegisterPeerServer(pg.peerSrv, pg.peer)
	go pg.peerSrv.Serve(lis)
	pg.logger.Debug("peer server listening", zap.String("addr", pg.addr))
	return nil
}

func (pg *ProcessGroup) startCoordinator(env config.Env, heartbeatInterval time.Duration) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", env.MasterPort))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on MASTER_PORT %d", env.MasterPort)
	}
	pg.coordinator = sl.MakeCoordinatorServer(sl.Config{
		WorldSize:        uint32(env.WorldSize),
		RunID:            env.RunID,
		HeartbeatTimeout: 10 * heartbeatInterval,
	}, pg.logger.Named("coordinator"))
	pg.coordinatorSrv = grpc.NewServer(grpc.ChainUnaryInterceptor(logging.UnaryServerInterceptor(pg.logger)))
	pb.RegisterCoordinatorServer(pg.coordinatorSrv, pg.coordinator)
	go pg.coordinatorSrv.Serve(lis)
	pg.logger.Debug("coordinator listening", zap.Stringer("addr", lis.Addr()))
	return nil
}

// advertiseHost picks the host other ranks should dial: loopback for a
// single-host job, otherwise the first non-loopback IPv4 address.
func advertiseHost(masterAddr string) string {
	if masterAddr == "localhost" {
		return "127.0.0.1"
	}
	if ip := net.ParseIP(masterAddr); ip != nil && ip.IsLoopback() {
		return masterAddr
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return "127.0.0.1"
}

func (pg *ProcessGroup) sendHeartbeats(ctx context.Context, interval time.Duration) {
	defer pg.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		hbCtx, cancel := context.WithTimeout(ctx, interval)
		err := pg.rdzv.Heartbeat(hbCtx, pg.rank)
		cancel()
		switch {
		case err != nil && ctx.Err() == nil && !failing:
			pg.logger.Warn("heartbeat failed", zap.Error(err))
			failing = true
		case err == nil && failing:
			pg.logger.Info("heartbeat recovered")
			failing = false
		}
	}
}

func (pg *ProcessGroup) Rank() int          { return pg.rank }
func (pg *ProcessGroup) WorldSize() int     { return pg.worldSize }
func (pg *ProcessGroup) Backend() string    { return pg.backend }
func (pg *ProcessGroup) Strategy() Strategy { return pg.strategy }
func (pg *ProcessGroup) Addr() string       { return pg.addr }

// Destroy leaves the group and releases every resource. Rank 0 keeps the
// coordinator up until every other rank has left or ctx expires.
func (pg *ProcessGroup) Destroy(ctx context.Context) error {
	pg.destroyOnce.Do(func() {
		if pg.stopHeartbeat != nil {
			pg.stopHeartbeat()
		}
		pg.wg.Wait()
		if pg.rdzv != nil {
			if err := pg.rdzv.Leave(ctx, pg.rank); err != nil {
				pg.destroyErr = err
			}
		}
		if pg.coordinator != nil {
			select {
			case <-pg.coordinator.Done():
			case <-ctx.Done():
				pg.logger.Warn("not every rank left before shutdown", zap.Stringer("coordinator", pg.coordinator))
			}
		}
		pg.shutdown()
	})
	return pg.destroyErr
}

func (pg *ProcessGroup) shutdown() {
	for _, conn := range pg.conns {
		if conn != nil {
			conn.Close()
		}
	}
	if pg.rdzv != nil {
		pg.rdzv.Close()
	}
	if pg.peer != nil {
		pg.peer.Close()
	}
	if pg.peerSrv != nil {
		pg.peerSrv.Stop()
	}
	if pg.coordinator != nil {
		pg.coordinator.Close()
	}
	if pg.coordinatorSrv != nil {
		pg.coordinatorSrv.Stop()
	}
}
