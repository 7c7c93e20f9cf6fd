package server_lib

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	pb "github.com/Ian2x/cs426-ddp/proto"
	utl "github.com/Ian2x/cs426-ddp/util"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Config struct {
	WorldSize        uint32
	RunID            string
	HeartbeatTimeout time.Duration
}

// CoordinatorServer implements the Coordinator service: it hands every rank
// the addresses of its peers and runs named barriers across the group.
type CoordinatorServer struct {
	pb.UnimplementedCoordinatorServer

	worldSize        uint32
	heartbeatTimeout time.Duration
	logger           *zap.Logger
	now              func() time.Time

	// Lock
	mu        sync.Mutex
	runID     string
	members   map[uint32]*member // Rank to member
	barriers  map[string]*barrier
	joined    chan struct{} // closed once every rank joined
	done      chan struct{} // closed once every rank left
	remaining uint32

	stop     chan struct{}
	stopOnce sync.Once
}

type member struct {
	addr     string
	state    pb.MemberState
	lastSeen time.Time
}

type barrier struct {
	arrived map[uint32]bool
	done    chan struct{}
	err     error
}

func MakeCoordinatorServer(cfg Config, logger *zap.Logger) *CoordinatorServer {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	server := &CoordinatorServer{
		worldSize:        cfg.WorldSize,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		logger:           logger,
		now:              time.Now,
		runID:            cfg.RunID,
		members:          make(map[uint32]*member),
		barriers:         make(map[string]*barrier),
		joined:           make(chan struct{}),
		done:             make(chan struct{}),
		remaining:        cfg.WorldSize,
		stop:             make(chan struct{}),
	}

	go server.reapMembers()

	return server
}

// Done is closed once every rank has left.
func (s *CoordinatorServer) Done() <-chan struct{} {
	return s.done
}

// Close stops the background health check.
func (s *CoordinatorServer) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *CoordinatorServer) Join(ctx context.Context, req *pb.JoinRequest) (*pb.JoinResponse, error) {
	s.mu.Lock()

	if req.WorldSize != s.worldSize {
		s.mu.Unlock()
		return nil, status.Errorf(codes.InvalidArgument, "world size %d does not match coordinator world size %d", req.WorldSize, s.worldSize)
	}
	if req.Rank >= s.worldSize {
		s.mu.Unlock()
		return nil, status.Errorf(codes.InvalidArgument, "rank %d out of range for world size %d", req.Rank, s.worldSize)
	}
	if req.Addr == "" {
		s.mu.Unlock()
		return nil, status.Errorf(codes.InvalidArgument, "rank %d sent an empty address", req.Rank)
	}
	if req.RunId != "" {
		if s.runID == "" {
			s.runID = req.RunId
		} else if s.runID != req.RunId {
			s.mu.Unlock()
			return nil, status.Errorf(codes.FailedPrecondition, "run id %q does not match %q", req.RunId, s.runID)
		}
	}

	if m, exists := s.members[req.Rank]; exists {
		if m.addr != req.Addr {
			s.mu.Unlock()
			return nil, status.Errorf(codes.AlreadyExists, "rank %d already joined from %s", req.Rank, m.addr)
		}
		m.lastSeen = s.now()
	} else {
		s.members[req.Rank] = &member{
			addr:     req.Addr,
			state:    pb.MemberState_JOINED,
			lastSeen: s.now(),
		}
		s.logger.Info("rank joined",
			zap.Uint32("rank", req.Rank),
			zap.String("addr", req.Addr),
			zap.Int("joined", len(s.members)),
			zap.Uint32("world_size", s.worldSize))
		if uint32(len(s.members)) == s.worldSize {
			// Ranks do not heartbeat while they wait here.
			for _, m := range s.members {
				m.lastSeen = s.now()
				if m.state == pb.MemberState_UNHEALTHY {
					m.state = pb.MemberState_JOINED
				}
			}
			close(s.joined)
		}
	}
	joined := s.joined
	s.mu.Unlock()

	select {
	case <-joined:
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	peers := make([]*pb.PeerInfo, 0, len(s.members))
	for rank, m := range s.members {
		peers = append(peers, &pb.PeerInfo{Rank: rank, Addr: m.addr})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Rank < peers[j].Rank })

	return &pb.JoinResponse{
		Peers: peers,
		RunId: s.runID,
	}, nil
}

func (s *CoordinatorServer) Barrier(ctx context.Context, req *pb.BarrierRequest) (*pb.BarrierResponse, error) {
	s.mu.Lock()

	m, exists := s.members[req.Rank]
	if !exists || m.state == pb.MemberState_LEFT {
		s.mu.Unlock()
		return nil, status.Errorf(codes.FailedPrecondition, "rank %d is not a member", req.Rank)
	}
	m.lastSeen = s.now()

	b, exists := s.barriers[req.Name]
	if !exists {
		b = &barrier{
			arrived: make(map[uint32]bool),
			done:    make(chan struct{}),
		}
		s.barriers[req.Name] = b
	}
	b.arrived[req.Rank] = true
	if uint32(len(b.arrived)) == s.worldSize {
		close(b.done)
		delete(s.barriers, req.Name)
	}
	s.mu.Unlock()

	select {
	case <-b.done:
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	s.mu.Lock()
	err := b.err
	s.mu.Unlock()
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return &pb.BarrierResponse{}, nil
}

func (s *CoordinatorServer) Heartbeat(ctx context.Context, req *pb.HeartbeatRequest) (*pb.HeartbeatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, exists := s.members[req.Rank]
	if !exists {
		return nil, status.Errorf(codes.NotFound, "rank %d has not joined", req.Rank)
	}
	if m.state == pb.MemberState_LEFT {
		return &pb.HeartbeatResponse{Success: false}, nil
	}
	if m.state == pb.MemberState_UNHEALTHY {
		s.logger.Info("rank recovered", zap.Uint32("rank", req.Rank))
		m.state = pb.MemberState_JOINED
	}
	m.lastSeen = s.now()

	return &pb.HeartbeatResponse{Success: true}, nil
}

func (s *CoordinatorServer) Leave(ctx context.Context, req *pb.LeaveRequest) (*pb.LeaveResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, exists := s.members[req.Rank]
	if !exists {
		return nil, status.Errorf(codes.NotFound, "rank %d has not joined", req.Rank)
	}
	if m.state != pb.MemberState_LEFT {
		m.state = pb.MemberState_LEFT
		s.remaining--
		s.logger.Info("rank left", zap.Uint32("rank", req.Rank), zap.Uint32("remaining", s.remaining))
		if s.remaining == 0 {
			close(s.done)
		}
	}

	return &pb.LeaveResponse{Remaining: s.remaining}, nil
}

func (s *CoordinatorServer) GetStatus(ctx context.Context, req *pb.GetStatusRequest) (*pb.GetStatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	members := make([]*pb.MemberStatus, 0, len(s.members))
	for rank, m := range s.members {
		members = append(members, &pb.MemberStatus{
			Rank:       rank,
			Addr:       m.addr,
			State:      m.state,
			LastSeenMs: now.Sub(m.lastSeen).Milliseconds(),
		})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Rank < members[j].Rank })

	return &pb.GetStatusResponse{
		WorldSize: s.worldSize,
		RunId:     s.runID,
		Members:   members,
	}, nil
}

func (s *CoordinatorServer) reapMembers() {
	ticker := time.NewTicker(s.heartbeatTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.checkHealth()
		}
	}
}

// checkHealth marks ranks that missed their heartbeats as unhealthy and fails
// every barrier still waiting on them.
func (s *CoordinatorServer) checkHealth() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Heartbeats start only once Join returns.
	select {
	case <-s.joined:
	default:
		return
	}

	now := s.now()
	for rank, m := range s.members {
		if m.state != pb.MemberState_JOINED || now.Sub(m.lastSeen) <= s.heartbeatTimeout {
			continue
		}
		m.state = pb.MemberState_UNHEALTHY
		s.logger.Warn("rank missed heartbeats",
			zap.Uint32("rank", rank),
			zap.Duration("last_seen", now.Sub(m.lastSeen)))

		for name, b := range s.barriers {
			if b.arrived[rank] {
				continue
			}
			b.err = utl.RankErrorf(rank, "barrier %s: rank unhealthy", name)
			close(b.done)
			delete(s.barriers, name)
		}
	}
}

func (s *CoordinatorServer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("coordinator(world_size=%d, joined=%d, remaining=%d)", s.worldSize, len(s.members), s.remaining)
}
