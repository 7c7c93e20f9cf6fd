// Package data provides the training datasets, the per-rank sampler that
// shards them across a process group, and a batching loader.
package data

import (
	"math/rand"

	"github.com/Ian2x/cs426-ddp/nn"
)

// Dataset is a random-access collection of labelled samples. Get may be
// called concurrently.
type Dataset interface {
	Len() int
	// Get writes sample i into out, which has length Features(), and
	// returns its label.
	Get(i int, out []float64) int
	Features() int
}

// Dataset names accepted in configuration.
const (
	DatasetMNIST     = "mnist"
	DatasetSynthetic = "synthetic"
)

// Synthetic is a separable stand-in for MNIST: each class brightens its own
// band of pixels on top of uniform noise.
type Synthetic struct {
	inputs []float64
	labels []int
}

func NewSynthetic(n int, seed int64) *Synthetic {
	rng := rand.New(rand.NewSource(seed))
	s := &Synthetic{
		inputs: make([]float64, n*nn.ImageSize),
		labels: make([]int, n),
	}
	band := nn.ImageSize / nn.NumClasses
	for i := 0; i < n; i++ {
		label := rng.Intn(nn.NumClasses)
		s.labels[i] = label
		row := s.inputs[i*nn.ImageSize : (i+1)*nn.ImageSize]
		for k := range row {
			row[k] = 0.2 * rng.Float64()
		}
		for k := label * band; k < (label+1)*band; k++ {
			row[k] += 1
		}
	}
	return s
}

func (s *Synthetic) Len() int { return len(s.labels) }

func (s *Synthetic) Features() int { return nn.ImageSize }

func (s *Synthetic) Get(i int, out []float64) int {
	copy(out, s.inputs[i*nn.ImageSize:(i+1)*nn.ImageSize])
	return s.labels[i]
}
