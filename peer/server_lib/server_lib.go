package server_lib

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	pb "github.com/Ian2x/cs426-ddp/proto"
	utl "github.com/Ian2x/cs426-ddp/util"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// DefaultChunkSize is the number of float64 values per DataChunk, which keeps
// each message well under gRPC's default 4 MiB limit.
const DefaultChunkSize = 256 * 1024

var ErrClosed = errors.New("peer server closed")

// PeerServer is the receiving end of the data plane. Tensors pushed by other
// ranks are parked in a mailbox keyed by (source rank, name) until the local
// rank asks for them. Each key carries exactly one tensor.
type PeerServer struct {
	pb.UnimplementedPeerServer

	rank   uint32
	logger *zap.Logger

	// Lock
	mu      sync.Mutex
	mailbox map[mailKey]chan []float64
	closed  chan struct{}
	once    sync.Once
}

type mailKey struct {
	src  uint32
	name string
}

func MakePeerServer(rank uint32, logger *zap.Logger) *PeerServer {
	return &PeerServer{
		rank:    rank,
		logger:  logger,
		mailbox: make(map[mailKey]chan []float64),
		closed:  make(chan struct{}),
	}
}

func (s *PeerServer) slot(key mailKey) chan []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, exists := s.mailbox[key]
	if !exists {
		ch = make(chan []float64, 1)
		s.mailbox[key] = ch
	}
	return ch
}

func (s *PeerServer) StreamSend(stream pb.Peer_StreamSendServer) error {
	md, ok := metadata.FromIncomingContext(stream.Context())
	if !ok {
		return status.Error(codes.InvalidArgument, "missing StreamSend metadata")
	}
	srcRanks := md.Get(pb.MetadataSrcRank)
	if len(srcRanks) == 0 {
		return status.Error(codes.InvalidArgument, "missing srcrank from StreamSend metadata")
	}
	src, err := strconv.ParseUint(srcRanks[0], 10, 32)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid srcrank %q", srcRanks[0])
	}
	names := md.Get(pb.MetadataName)
	if len(names) == 0 || names[0] == "" {
		return status.Error(codes.InvalidArgument, "missing name from StreamSend metadata")
	}
	key := mailKey{src: uint32(src), name: names[0]}

	var data []float64
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if data == nil {
			data = chunk.Data
		} else {
			data = append(data, chunk.Data...)
		}
	}
	if data == nil {
		data = []float64{}
	}

	select {
	case s.slot(key) <- data:
	case <-s.closed:
		return status.Error(codes.Unavailable, ErrClosed.Error())
	case <-stream.Context().Done():
		return status.FromContextError(stream.Context().Err()).Err()
	}

	if ce := s.logger.Check(zap.DebugLevel, "received tensor"); ce != nil {
		ce.Write(zap.Uint32("src", key.src), zap.String("name", key.name), zap.Int("count", len(data)))
	}
	return stream.SendAndClose(&pb.StreamSendResponse{Success: true})
}

// Recv blocks until the tensor called name from rank src arrives.
func (s *PeerServer) Recv(ctx context.Context, src uint32, name string) ([]float64, error) {
	key := mailKey{src: src, name: name}
	ch := s.slot(key)
	defer s.release(key, ch)
	select {
	case data := <-ch:
		return data, nil
	case <-s.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "waiting for %s from rank %d", name, src)
	}
}

// release drops key from the mailbox once its receiver is gone, whether or
// not the tensor arrived. A slot already replaced by a later send is kept.
func (s *PeerServer) release(key mailKey, ch chan []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mailbox[key] == ch {
		delete(s.mailbox, key)
	}
}

// Pending reports how many tensors are parked or awaited.
func (s *PeerServer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mailbox)
}

// Close wakes every pending Recv and rejects further sends.
func (s *PeerServer) Close() {
	s.once.Do(func() { close(s.closed) })
}

// SendTensor streams data to a peer in chunks of chunkSize values.
func SendTensor(ctx context.Context, client pb.PeerClient, src, dst uint32, name string, data []float64, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	md := metadata.Pairs(
		pb.MetadataSrcRank, strconv.FormatUint(uint64(src), 10),
		pb.MetadataName, name,
	)
	stream, err := client.StreamSend(metadata.NewOutgoingContext(ctx, md))
	if err != nil {
		return utl.RankErrorf(dst, "StreamSend %s: %v", name, err)
	}

	for off := 0; off < len(data) || off == 0; off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := stream.Send(&pb.DataChunk{Data: data[off:end]}); err != nil {
			// The real cause is reported by CloseAndRecv.
			if err == io.EOF {
				break
			}
			return utl.RankErrorf(dst, "send chunk of %s: %v", name, err)
		}
		if len(data) == 0 {
			break
		}
	}

	resp, err := stream.CloseAndRecv()
	if err != nil {
		return utl.RankErrorf(dst, "StreamSend %s: %v", name, err)
	}
	if !resp.Success {
		return utl.RankErrorf(dst, "StreamSend %s: rejected", name)
	}
	return nil
}

func (s *PeerServer) String() string {
	return fmt.Sprintf("peer(rank=%d)", s.rank)
}
