package proto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MemberState is a rank's state as seen by the coordinator.
type MemberState int32

const (
	MemberState_UNKNOWN MemberState = iota
	MemberState_JOINED
	MemberState_UNHEALTHY
	MemberState_LEFT
)

var memberStateNames = map[MemberState]string{
	MemberState_UNKNOWN:   "UNKNOWN",
	MemberState_JOINED:    "JOINED",
	MemberState_UNHEALTHY: "UNHEALTHY",
	MemberState_LEFT:      "LEFT",
}

func (s MemberState) String() string {
	if name, ok := memberStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("MemberState(%d)", int32(s))
}

type PeerInfo struct {
	Rank uint32
	Addr string
}

func (m *PeerInfo) MarshalWire(b []byte) []byte {
	b = appendUint32(b, 1, m.Rank)
	return appendString(b, 2, m.Addr)
}

func (m *PeerInfo) UnmarshalWire(b []byte) error {
	*m = PeerInfo{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			m.Rank = uint32(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			m.Addr = string(v)
			return n, err
		}
		return 0, nil
	})
}

type JoinRequest struct {
	Rank      uint32
	WorldSize uint32
	Addr      string
	RunId     string
}

func (m *JoinRequest) MarshalWire(b []byte) []byte {
	b = appendUint32(b, 1, m.Rank)
	b = appendUint32(b, 2, m.WorldSize)
	b = appendString(b, 3, m.Addr)
	return appendString(b, 4, m.RunId)
}

func (m *JoinRequest) UnmarshalWire(b []byte) error {
	*m = JoinRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			m.Rank = uint32(v)
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			m.WorldSize = uint32(v)
			return n, err
		case 3:
			v, n, err := consumeBytes(typ, b)
			m.Addr = string(v)
			return n, err
		case 4:
			v, n, err := consumeBytes(typ, b)
			m.RunId = string(v)
			return n, err
		}
		return 0, nil
	})
}

type JoinResponse struct {
	Peers []*PeerInfo
	RunId string
}

func (m *JoinResponse) MarshalWire(b []byte) []byte {
	for _, p := range m.Peers {
		b = appendMessage(b, 1, p)
	}
	return appendString(b, 2, m.RunId)
}

func (m *JoinResponse) UnmarshalWire(b []byte) error {
	*m = JoinResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			p := new(PeerInfo)
			if err := p.UnmarshalWire(v); err != nil {
				return 0, err
			}
			m.Peers = append(m.Peers, p)
			return n, nil
		case 2:
			v, n, err := consumeBytes(typ, b)
			m.RunId = string(v)
			return n, err
		}
		return 0, nil
	})
}

type BarrierRequest struct {
	Rank uint32
	Name string
}

func (m *BarrierRequest) MarshalWire(b []byte) []byte {
	b = appendUint32(b, 1, m.Rank)
	return appendString(b, 2, m.Name)
}

func (m *BarrierRequest) UnmarshalWire(b []byte) error {
	*m = BarrierRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			m.Rank = uint32(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			m.Name = string(v)
			return n, err
		}
		return 0, nil
	})
}

type BarrierResponse struct{}

func (m *BarrierResponse) MarshalWire(b []byte) []byte { return b }

func (m *BarrierResponse) UnmarshalWire(b []byte) error {
	return consumeFields(b, func(protowire.Number, protowire.Type, []byte) (int, error) { return 0, nil })
}

type HeartbeatRequest struct {
	Rank uint32
}

func (m *HeartbeatRequest) MarshalWire(b []byte) []byte {
	return appendUint32(b, 1, m.Rank)
}

func (m *HeartbeatRequest) UnmarshalWire(b []byte) error {
	*m = HeartbeatRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeVarint(typ, b)
			m.Rank = uint32(v)
			return n, err
		}
		return 0, nil
	})
}

type HeartbeatResponse struct {
	Success bool
}

func (m *HeartbeatResponse) MarshalWire(b []byte) []byte {
	return appendBool(b, 1, m.Success)
}

func (m *HeartbeatResponse) UnmarshalWire(b []byte) error {
	*m = HeartbeatResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeVarint(typ, b)
			m.Success = protowire.DecodeBool(v)
			return n, err
		}
		return 0, nil
	})
}

type LeaveRequest struct {
	Rank uint32
}

func (m *LeaveRequest) MarshalWire(b []byte) []byte {
	return appendUint32(b, 1, m.Rank)
}

func (m *LeaveRequest) UnmarshalWire(b []byte) error {
	*m = LeaveRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeVarint(typ, b)
			m.Rank = uint32(v)
			return n, err
		}
		return 0, nil
	})
}

type LeaveResponse struct {
	Remaining uint32
}

func (m *LeaveResponse) MarshalWire(b []byte) []byte {
	return appendUint32(b, 1, m.Remaining)
}

func (m *LeaveResponse) UnmarshalWire(b []byte) error {
	*m = LeaveResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeVarint(typ, b)
			m.Remaining = uint32(v)
			return n, err
		}
		return 0, nil
	})
}

type GetStatusRequest struct{}

func (m *GetStatusRequest) MarshalWire(b []byte) []byte { return b }

func (m *GetStatusRequest) UnmarshalWire(b []byte) error {
	return consumeFields(b, func(protowire.Number, protowire.Type, []byte) (int, error) { return 0, nil })
}

type MemberStatus struct {
	Rank       uint32
	Addr       string
	State      MemberState
	LastSeenMs int64
}

func (m *MemberStatus) MarshalWire(b []byte) []byte {
	b = appendUint32(b, 1, m.Rank)
	b = appendString(b, 2, m.Addr)
	b = appendUint32(b, 3, uint32(m.State))
	return appendInt64(b, 4, m.LastSeenMs)
}

func (m *MemberStatus) UnmarshalWire(b []byte) error {
	*m = MemberStatus{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			m.Rank = uint32(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			m.Addr = string(v)
			return n, err
		case 3:
			v, n, err := consumeVarint(typ, b)
			m.State = MemberState(v)
			return n, err
		case 4:
			v, n, err := consumeVarint(typ, b)
			m.LastSeenMs = int64(v)
			return n, err
		}
		return 0, nil
	})
}

type GetStatusResponse struct {
	WorldSize uint32
	RunId     string
	Members   []*MemberStatus
}

func (m *GetStatusResponse) MarshalWire(b []byte) []byte {
	b = appendUint32(b, 1, m.WorldSize)
	b = appendString(b, 2, m.RunId)
	for _, s := range m.Members {
		b = appendMessage(b, 3, s)
	}
	return b
}

func (m *GetStatusResponse) UnmarshalWire(b []byte) error {
	*m = GetStatusResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			m.WorldSize = uint32(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			m.RunId = string(v)
			return n, err
		case 3:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			s := new(MemberStatus)
			if err := s.UnmarshalWire(v); err != nil {
				return 0, err
			}
			m.Members = append(m.Members, s)
			return n, nil
		}
		return 0, nil
	})
}

// DataChunk carries part of a tensor on the peer data plane.
type DataChunk struct {
	Data []float64
}

func (m *DataChunk) MarshalWire(b []byte) []byte {
	return appendDoubles(b, 1, m.Data)
}

func (m *DataChunk) UnmarshalWire(b []byte) error {
	*m = DataChunk{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			var n int
			var err error
			m.Data, n, err = consumeDoubles(m.Data, typ, b)
			return n, err
		}
		return 0, nil
	})
}

type StreamSendResponse struct {
	Success bool
}

func (m *StreamSendResponse) MarshalWire(b []byte) []byte {
	return appendBool(b, 1, m.Success)
}

func (m *StreamSendResponse) UnmarshalWire(b []byte) error {
	*m = StreamSendResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeVarint(typ, b)
			m.Success = protowire.DecodeBool(v)
			return n, err
		}
		return 0, nil
	})
}
