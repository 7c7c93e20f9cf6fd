package server_lib

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	pb "github.com/Ian2x/cs426-ddp/proto"
	utl "github.com/Ian2x/cs426-ddp/util"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func startPeer(t *testing.T) (*PeerServer, pb.PeerClient) {
	s := MakePeerServer(1, zaptest.NewLogger(t))
	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer()
	pb.RegisterPeerServer(g, s)
	go g.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		conn.Close()
		s.Close()
		g.Stop()
	})
	return s, pb.NewPeerClient(conn)
}

func TestSendTensorChunked(t *testing.T) {
	s, client := startPeer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data := make([]float64, 1000)
	for i := range data {
		data[i] = float64(i) * 0.5
	}
	if err := SendTensor(ctx, client, 0, 1, "grad/0", data, 64); err != nil {
		t.Fatal(err)
	}
	got, err := s.Recv(ctx, 0, "grad/0")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(data) {
		t.Fatalf("expected %d values, got %d", len(data), len(got))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("index %d: expected %v, got %v", i, data[i], got[i])
		}
	}
	if n := s.Pending(); n != 0 {
		t.Errorf("expected empty mailbox, %d pending", n)
	}
}

func TestRecvBeforeSend(t *testing.T) {
	s, client := startPeer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan []float64)
	go func() {
		got, err := s.Recv(ctx, 2, "w")
		if err != nil {
			t.Error(err)
		}
		done <- got
	}()
	if err := SendTensor(ctx, client, 2, 1, "w", []float64{3, 4}, 0); err != nil {
		t.Fatal(err)
	}
	if got := <-done; len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Errorf("unexpected tensor %v", got)
	}
}

func TestMailboxKeysAreIndependent(t *testing.T) {
	s, client := startPeer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := SendTensor(ctx, client, 0, 1, "x", []float64{1}, 0); err != nil {
		t.Fatal(err)
	}
	if err := SendTensor(ctx, client, 2, 1, "x", []float64{2}, 0); err != nil {
		t.Fatal(err)
	}
	if err := SendTensor(ctx, client, 0, 1, "y", []float64{}, 0); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Recv(ctx, 2, "x"); got[0] != 2 {
		t.Errorf("expected 2 from rank 2, got %v", got)
	}
	if got, _ := s.Recv(ctx, 0, "x"); got[0] != 1 {
		t.Errorf("expected 1 from rank 0, got %v", got)
	}
	if got, err := s.Recv(ctx, 0, "y"); err != nil || len(got) != 0 {
		t.Errorf("expected empty tensor, got %v, %v", got, err)
	}
}

func TestRecvCancelled(t *testing.T) {
	s, _ := startPeer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Recv(ctx, 0, "never"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if n := s.Pending(); n != 0 {
		t.Errorf("expected an empty mailbox after a cancelled Recv, got %d", n)
	}
}

func TestAbandonedRecvsDoNotAccumulate(t *testing.T) {
	s, client := startPeer(t)
	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := s.Recv(ctx, 0, fmt.Sprintf("step%d", i)); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected Canceled, got %v", err)
		}
	}
	if n := s.Pending(); n != 0 {
		t.Fatalf("expected an empty mailbox, got %d entries", n)
	}

	// A name abandoned once can still be delivered later.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := SendTensor(ctx, client, 0, 1, "step0", []float64{7}, 0); err != nil {
		t.Fatal(err)
	}
	if got, err := s.Recv(ctx, 0, "step0"); err != nil || len(got) != 1 || got[0] != 7 {
		t.Fatalf("expected [7], got %v, %v", got, err)
	}
	if n := s.Pending(); n != 0 {
		t.Errorf("expected an empty mailbox, got %d entries", n)
	}
}

func TestClose(t *testing.T) {
	s, client := startPeer(t)
	s.Close()
	if _, err := s.Recv(context.Background(), 0, "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if n := s.Pending(); n != 0 {
		t.Errorf("expected an empty mailbox after Close, got %d", n)
	}

	// Fill the slot so the next send has to wait and sees the closed server.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.slot(mailKey{src: 0, name: "full"}) <- nil
	err := SendTensor(ctx, client, 0, 1, "full", []float64{1}, 0)
	var rankErr *utl.RankError
	if !errors.As(err, &rankErr) || rankErr.Rank != 1 {
		t.Fatalf("expected a RankError for rank 1, got %v", err)
	}
}
