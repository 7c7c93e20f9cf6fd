// Package proto defines the messages and gRPC services exchanged between
// ranks of a training job.
//
// Messages are encoded in protobuf wire format with protowire. They are
// carried by gRPC under the "ddp" content-subtype, so both sides must use
// CallContentSubtype(CodecName), which the clients in this package do.
package proto

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// CodecName is the gRPC content-subtype for this package's messages.
const CodecName = "ddp"

// Message is implemented by every type in this package that travels over
// the wire.
type Message interface {
	MarshalWire(b []byte) []byte
	UnmarshalWire(b []byte) error
}

type codec struct{}

func (codec) Name() string { return CodecName }

func (codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, errors.Errorf("ddp codec: cannot marshal %T", v)
	}
	return m.MarshalWire(nil), nil
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(Message)
	if !ok {
		return errors.Errorf("ddp codec: cannot unmarshal into %T", v)
	}
	return m.UnmarshalWire(data)
}

func init() {
	encoding.RegisterCodec(codec{})
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func appendUint32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendMessage(b []byte, num protowire.Number, m Message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.MarshalWire(nil))
}

// appendDoubles writes a packed repeated double field.
func appendDoubles(b []byte, num protowire.Number, vs []float64) []byte {
	if len(vs) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(8*len(vs)))
	for _, v := range vs {
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	return b
}

// fieldFunc consumes the value of one field and reports how many bytes it
// used. Returning 0 skips the field as unknown.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func consumeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errors.Errorf("ddp codec: expected varint, got wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errors.Errorf("ddp codec: expected bytes, got wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// consumeDoubles accepts both the packed and the unpacked encoding of a
// repeated double field and appends to dst.
func consumeDoubles(dst []float64, typ protowire.Type, b []byte) ([]float64, int, error) {
	switch typ {
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return dst, 0, protowire.ParseError(n)
		}
		return append(dst, math.Float64frombits(v)), n, nil
	case protowire.BytesType:
		buf, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return dst, 0, protowire.ParseError(n)
		}
		if len(buf)%8 != 0 {
			return dst, 0, errors.Errorf("ddp codec: packed doubles of %d bytes", len(buf))
		}
		if dst == nil {
			dst = make([]float64, 0, len(buf)/8)
		}
		for len(buf) > 0 {
			v, m := protowire.ConsumeFixed64(buf)
			dst = append(dst, math.Float64frombits(v))
			buf = buf[m:]
		}
		return dst, n, nil
	default:
		return dst, 0, errors.Errorf("ddp codec: unexpected wire type %d for doubles", typ)
	}
}
