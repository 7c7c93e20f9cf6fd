package dist

import (
	"context"
	"fmt"
	"net"

	pb "github.com/Ian2x/cs426-ddp/proto"
	utl "github.com/Ian2x/cs426-ddp/util"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Rendezvous lets ranks discover each other's data plane addresses and
// synchronize on named barriers.
type Rendezvous interface {
	// Join registers addr for rank and returns every rank's address,
	// indexed by rank, once the whole group has joined.
	Join(ctx context.Context, rank, worldSize int, addr, runID string) (addrs []string, err error)
	Barrier(ctx context.Context, rank int, name string) error
	Heartbeat(ctx context.Context, rank int) error
	Leave(ctx context.Context, rank int) error
	Close() error
}

// staticRendezvous talks to the coordinator at MASTER_ADDR:MASTER_PORT.
type staticRendezvous struct {
	conn   *grpc.ClientConn
	client pb.CoordinatorClient
}

func dialStatic(masterAddr string, masterPort int) (*staticRendezvous, error) {
	target := net.JoinHostPort(masterAddr, fmt.Sprintf("%d", masterPort))
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "could not create gRPC client for coordinator %s", target)
	}
	return &staticRendezvous{
		conn:   conn,
		client: pb.NewCoordinatorClient(conn),
	}, nil
}

func (r *staticRendezvous) Join(ctx context.Context, rank, worldSize int, addr, runID string) ([]string, error) {
	// The coordinator is started by rank 0 and may not be listening yet.
	resp, err := r.client.Join(ctx, &pb.JoinRequest{
		Rank:      uint32(rank),
		WorldSize: uint32(worldSize),
		Addr:      addr,
		RunId:     runID,
	}, grpc.WaitForReady(true))
	if err != nil {
		return nil, errors.Wrap(err, "join")
	}
	if len(resp.Peers) != worldSize {
		return nil, errors.Errorf("join: coordinator returned %d peers for world size %d", len(resp.Peers), worldSize)
	}
	addrs := make([]string, worldSize)
	for _, p := range resp.Peers {
		if int(p.Rank) >= worldSize {
			return nil, utl.RankErrorf(p.Rank, "join: peer rank out of range")
		}
		addrs[p.Rank] = p.Addr
	}
	return addrs, nil
}

func (r *staticRendezvous) Barrier(ctx context.Context, rank int, name string) error {
	_, err := r.client.Barrier(ctx, &pb.BarrierRequest{Rank: uint32(rank), Name: name})
	return errors.Wrapf(err, "barrier %s", name)
}

func (r *staticRendezvous) Heartbeat(ctx context.Context, rank int) error {
	_, err := r.client.Heartbeat(ctx, &pb.HeartbeatRequest{Rank: uint32(rank)})
	return errors.Wrap(err, "heartbeat")
}

func (r *staticRendezvous) Leave(ctx context.Context, rank int) error {
	_, err := r.client.Leave(ctx, &pb.LeaveRequest{Rank: uint32(rank)})
	return errors.Wrap(err, "leave")
}

func (r *staticRendezvous) Close() error {
	return r.conn.Close()
}

// QueryStatus asks the coordinator at masterAddr:masterPort for the
// membership of the group it serves.
func QueryStatus(ctx context.Context, masterAddr string, masterPort int) (*pb.GetStatusResponse, error) {
	r, err := dialStatic(masterAddr, masterPort)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	resp, err := r.client.GetStatus(ctx, &pb.GetStatusRequest{})
	if err != nil {
		return nil, errors.Wrap(err, "get status")
	}
	return resp, nil
}
