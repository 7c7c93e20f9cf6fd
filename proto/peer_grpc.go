package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const Peer_StreamSend_FullMethodName = "/ddp.Peer/StreamSend"

// Metadata keys attached to a StreamSend call.
const (
	MetadataSrcRank = "srcrank"
	MetadataName    = "name"
)

// PeerClient is the client API for the Peer service.
type PeerClient interface {
	StreamSend(ctx context.Context, opts ...grpc.CallOption) (Peer_StreamSendClient, error)
}

type peerClient struct {
	cc grpc.ClientConnInterface
}

func NewPeerClient(cc grpc.ClientConnInterface) PeerClient {
	return &peerClient{cc}
}

func (c *peerClient) StreamSend(ctx context.Context, opts ...grpc.CallOption) (Peer_StreamSendClient, error) {
	stream, err := c.cc.NewStream(ctx, &Peer_ServiceDesc.Streams[0], Peer_StreamSend_FullMethodName, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return &peerStreamSendClient{stream}, nil
}

type Peer_StreamSendClient interface {
	Send(*DataChunk) error
	CloseAndRecv() (*StreamSendResponse, error)
	grpc.ClientStream
}

type peerStreamSendClient struct {
	grpc.ClientStream
}

func (x *peerStreamSendClient) Send(m *DataChunk) error {
	return x.ClientStream.SendMsg(m)
}

func (x *peerStreamSendClient) CloseAndRecv() (*StreamSendResponse, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(StreamSendResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// PeerServer is the server API for the Peer service.
type PeerServer interface {
	StreamSend(Peer_StreamSendServer) error
	mustEmbedUnimplementedPeerServer()
}

// UnimplementedPeerServer must be embedded by implementations.
type UnimplementedPeerServer struct{}

func (UnimplementedPeerServer) StreamSend(Peer_StreamSendServer) error {
	return status.Errorf(codes.Unimplemented, "method StreamSend not implemented")
}
func (UnimplementedPeerServer) mustEmbedUnimplementedPeerServer() {}

func RegisterPeerServer(s grpc.ServiceRegistrar, srv PeerServer) {
	s.RegisterService(&Peer_ServiceDesc, srv)
}

func _Peer_StreamSend_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(PeerServer).StreamSend(&peerStreamSendServer{stream})
}

type Peer_StreamSendServer interface {
	SendAndClose(*StreamSendResponse) error
	Recv() (*DataChunk, error)
	grpc.ServerStream
}

type peerStreamSendServer struct {
	grpc.ServerStream
}

func (x *peerStreamSendServer) SendAndClose(m *StreamSendResponse) error {
	return x.ServerStream.SendMsg(m)
}

func (x *peerStreamSendServer) Recv() (*DataChunk, error) {
	m := new(DataChunk)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

var Peer_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "ddp.Peer",
	HandlerType: (*PeerServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamSend",
			Handler:       _Peer_StreamSend_Handler,
			ClientStreams: true,
		},
	},
	Metadata: "ddp.proto",
}
