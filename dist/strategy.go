package dist

import (
	"sort"

	"github.com/pkg/errors"
)

// Strategy is the communication pattern used by AllReduce.
type Strategy int

const (
	// Ring runs a reduce-scatter followed by an all-gather around the ring
	// of ranks. Each rank sends 2(n-1)/n of the buffer.
	Ring Strategy = iota
	// Tree reduces up a binary tree rooted at rank 0 and broadcasts the
	// result back down.
	Tree
	// Star has every rank send its whole buffer to every other rank.
	Star
)

var (
	strategyNames = map[Strategy]string{
		Ring: `RING`,
		Tree: `TREE`,
		Star: `STAR`,
	}

	DefaultStrategy = Ring
)

func StrategyNames() []string {
	var names []string
	for _, name := range strategyNames {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s Strategy) String() string {
	return strategyNames[s]
}

var errInvalidStrategy = errors.New("invalid strategy")

func ParseStrategy(s string) (Strategy, error) {
	for k, v := range strategyNames {
		if s == v {
			return k, nil
		}
	}
	return 0, errors.Wrapf(errInvalidStrategy, "%q (want one of %v)", s, StrategyNames())
}

// Backend names accepted by InitProcessGroup. Only the gRPC transport is
// implemented; the accelerator backend names are aliases kept so that job
// scripts written for them keep working on CPU.
const (
	BackendGRPC = "grpc"
	BackendGloo = "gloo"
	BackendNCCL = "nccl"
)

func resolveBackend(name string) (backend string, aliased bool, err error) {
	switch name {
	case "", BackendGRPC:
		return BackendGRPC, false, nil
	case BackendGloo, BackendNCCL:
		return BackendGRPC, true, nil
	default:
		return "", false, errors.Errorf("unsupported backend %q", name)
	}
}
