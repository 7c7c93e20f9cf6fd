package data

import (
	"math/rand"

	"github.com/pkg/errors"
)

// DistributedSampler restricts each rank to a disjoint shard of a dataset.
// All ranks must use the same seed. Unless dropLast is set, the index list is
// padded by repeating its head so every rank sees the same number of samples.
type DistributedSampler struct {
	n        int
	replicas int
	rank     int
	shuffle  bool
	seed     int64
	dropLast bool
	epoch    int

	numSamples int
	totalSize  int
}

func NewDistributedSampler(n, replicas, rank int, shuffle bool, seed int64, dropLast bool) (*DistributedSampler, error) {
	if replicas <= 0 {
		return nil, errors.Errorf("invalid number of replicas %d", replicas)
	}
	if rank < 0 || rank >= replicas {
		return nil, errors.Errorf("invalid rank %d, rank should be in the interval [0, %d]", rank, replicas-1)
	}
	if n < 0 {
		return nil, errors.Errorf("invalid dataset size %d", n)
	}
	s := &DistributedSampler{
		n:        n,
		replicas: replicas,
		rank:     rank,
		shuffle:  shuffle,
		seed:     seed,
		dropLast: dropLast,
	}
	if dropLast && n%replicas != 0 {
		s.numSamples = (n - replicas + replicas - 1) / replicas
		if s.numSamples < 0 {
			s.numSamples = 0
		}
	} else {
		s.numSamples = (n + replicas - 1) / replicas
	}
	s.totalSize = s.numSamples * replicas
	return s, nil
}

// SetEpoch changes the shuffle order for the next call to Indices.
func (s *DistributedSampler) SetEpoch(epoch int) {
	s.epoch = epoch
}

// Len is the number of indices this rank receives per epoch.
func (s *DistributedSampler) Len() int {
	return s.numSamples
}

// Indices returns this rank's shard for the current epoch.
func (s *DistributedSampler) Indices() []int {
	var indices []int
	if s.shuffle {
		rng := rand.New(rand.NewSource(s.seed + int64(s.epoch)))
		indices = rng.Perm(s.n)
	} else {
		indices = make([]int, s.n)
		for i := range indices {
			indices[i] = i
		}
	}

	if s.dropLast {
		indices = indices[:s.totalSize]
	} else if pad := s.totalSize - len(indices); pad > 0 && len(indices) > 0 {
		head := indices
		for pad > 0 {
			k := min(pad, len(head))
			indices = append(indices, head[:k]...)
			pad -= k
		}
	}

	shard := make([]int, 0, s.numSamples)
	for i := s.rank; i < len(indices); i += s.replicas {
		shard = append(shard, indices[i])
	}
	return shard
}
