package proto

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestJoinResponseWire(t *testing.T) {
	in := &JoinResponse{
		Peers: []*PeerInfo{
			{Rank: 0, Addr: "10.0.0.1:7000"},
			{Rank: 1, Addr: "10.0.0.2:7000"},
		},
		RunId: "run-1",
	}
	var out JoinResponse
	if err := out.UnmarshalWire(in.MarshalWire(nil)); err != nil {
		t.Fatal(err)
	}
	if len(out.Peers) != 2 || out.Peers[1].Rank != 1 || out.Peers[1].Addr != "10.0.0.2:7000" {
		t.Fatalf("unexpected peers %+v", out.Peers)
	}
	if out.Peers[0].Rank != 0 || out.Peers[0].Addr != "10.0.0.1:7000" {
		t.Fatalf("unexpected rank 0 peer %+v", out.Peers[0])
	}
	if out.RunId != "run-1" {
		t.Errorf("expected run id run-1, got %q", out.RunId)
	}
}

func TestDataChunkPackedAndUnpacked(t *testing.T) {
	data := []float64{1, -0.5, math.Inf(1), 3e-300}
	var packed DataChunk
	if err := packed.UnmarshalWire((&DataChunk{Data: data}).MarshalWire(nil)); err != nil {
		t.Fatal(err)
	}

	var b []byte
	for _, v := range data {
		b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	var unpacked DataChunk
	if err := unpacked.UnmarshalWire(b); err != nil {
		t.Fatal(err)
	}

	for _, got := range [][]float64{packed.Data, unpacked.Data} {
		if len(got) != len(data) {
			t.Fatalf("expected %d values, got %d", len(data), len(got))
		}
		for i := range data {
			if got[i] != data[i] {
				t.Errorf("index %d: expected %v, got %v", i, data[i], got[i])
			}
		}
	}
}

func TestUnknownFieldsSkipped(t *testing.T) {
	b := (&HeartbeatRequest{Rank: 7}).MarshalWire(nil)
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	b = protowire.AppendString(b, "future field")
	var m HeartbeatRequest
	if err := m.UnmarshalWire(b); err != nil {
		t.Fatal(err)
	}
	if m.Rank != 7 {
		t.Errorf("expected rank 7, got %d", m.Rank)
	}
}

func TestTruncatedMessage(t *testing.T) {
	b := (&JoinRequest{Rank: 1, Addr: "localhost:29500"}).MarshalWire(nil)
	var m JoinRequest
	if err := m.UnmarshalWire(b[:len(b)-3]); err == nil {
		t.Fatal("expected an error for a truncated message")
	}
}

func TestCodecRejectsForeignTypes(t *testing.T) {
	type stackTracer interface{ StackTrace() errors.StackTrace }

	_, err := (codec{}).Marshal("not a message")
	if err == nil {
		t.Fatal("expected marshal error")
	}
	if _, ok := err.(stackTracer); !ok {
		t.Errorf("marshal error has no stack trace: %v", err)
	}
	err = (codec{}).Unmarshal(nil, new(int))
	if err == nil {
		t.Fatal("expected unmarshal error")
	}
	if _, ok := err.(stackTracer); !ok {
		t.Errorf("unmarshal error has no stack trace: %v", err)
	}
}
