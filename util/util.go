package util

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Float64SliceToByteArray converts a slice of float64 to a byte array
func Float64SliceToByteArray(floats []float64) []byte {
	bytes := make([]byte, len(floats)*8)
	for i, f := range floats {
		binary.LittleEndian.PutUint64(bytes[i*8:], math.Float64bits(f))
	}
	return bytes
}

// ByteArrayToFloat64Slice converts a byte array to a slice of float64
func ByteArrayToFloat64Slice(data []byte) []float64 {
	floats := make([]float64, len(data)/8)
	for i := 0; i < len(floats); i++ {
		bits := binary.LittleEndian.Uint64(data[i*8:])
		floats[i] = math.Float64frombits(bits)
	}
	return floats
}

// ReduceOp is the element-wise operation applied by a reduction.
type ReduceOp int32

const (
	SUM ReduceOp = iota
	PROD
	MIN
	MAX
)

var reduceOpNames = map[ReduceOp]string{
	SUM:  "SUM",
	PROD: "PROD",
	MIN:  "MIN",
	MAX:  "MAX",
}

func (op ReduceOp) String() string {
	if name, ok := reduceOpNames[op]; ok {
		return name
	}
	return fmt.Sprintf("ReduceOp(%d)", int32(op))
}

// ParseReduceOp maps a name such as "SUM" back to its ReduceOp.
func ParseReduceOp(s string) (ReduceOp, error) {
	for op, name := range reduceOpNames {
		if name == s {
			return op, nil
		}
	}
	return 0, errors.Errorf("invalid reduce op %q", s)
}

var ErrLengthMismatch = errors.New("input slices must have the same length")

// ReduceInto applies dst[i] = op(dst[i], src[i]).
func ReduceInto(dst, src []float64, op ReduceOp) error {
	if len(dst) != len(src) {
		return errors.Wrapf(ErrLengthMismatch, "%s of %d and %d elements", op, len(dst), len(src))
	}
	switch op {
	case SUM:
		for i := range dst {
			dst[i] += src[i]
		}
	case PROD:
		for i := range dst {
			dst[i] *= src[i]
		}
	case MIN:
		for i := range dst {
			dst[i] = math.Min(dst[i], src[i])
		}
	case MAX:
		for i := range dst {
			dst[i] = math.Max(dst[i], src[i])
		}
	default:
		return errors.Errorf("invalid reduce op %v", op)
	}
	return nil
}

// Reduce combines two slices element-wise into a new slice.
func Reduce(a, b []float64, op ReduceOp) ([]float64, error) {
	result := make([]float64, len(a))
	copy(result, a)
	if err := ReduceInto(result, b, op); err != nil {
		return nil, err
	}
	return result, nil
}

// Scale multiplies every element by f in place.
func Scale(a []float64, f float64) {
	for i := range a {
		a[i] *= f
	}
}

// RankError is an error attributed to one rank of the process group.
type RankError struct {
	Msg  string
	Rank uint32
}

// Error implements the error interface
func (e *RankError) Error() string {
	return fmt.Sprintf("%s (Rank: %d)", e.Msg, e.Rank)
}

// RankErrorf creates a new RankError
func RankErrorf(rank uint32, format string, args ...interface{}) *RankError {
	return &RankError{
		Msg:  fmt.Sprintf(format, args...),
		Rank: rank,
	}
}
