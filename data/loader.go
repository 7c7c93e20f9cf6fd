package data

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/Ian2x/cs426-ddp/nn"
)

// Batch is a collated group of samples.
type Batch struct {
	Inputs  *nn.Tensor
	Targets []int
}

// Sampler yields the dataset indices to visit in one epoch.
type Sampler interface {
	Indices() []int
}

// DataLoader groups sampled indices into batches. With NumWorkers > 0,
// batches are assembled ahead of the consumer by that many goroutines and
// still delivered in order.
type DataLoader struct {
	Dataset    Dataset
	BatchSize  int
	Sampler    Sampler
	NumWorkers int
	DropLast   bool
}

func NewDataLoader(dataset Dataset, batchSize int, sampler Sampler, numWorkers int) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch_size should be a positive integer, got %d", batchSize)
	}
	if numWorkers < 0 {
		return nil, errors.Errorf("num_workers option should be non-negative, got %d", numWorkers)
	}
	if sampler == nil {
		sampler = sequential(dataset.Len())
	}
	return &DataLoader{
		Dataset:    dataset,
		BatchSize:  batchSize,
		Sampler:    sampler,
		NumWorkers: numWorkers,
	}, nil
}

// Len is the number of batches per epoch.
func (l *DataLoader) Len() int {
	return l.numBatches(l.samples())
}

func (l *DataLoader) samples() int {
	if s, ok := l.Sampler.(interface{ Len() int }); ok {
		return s.Len()
	}
	return len(l.Sampler.Indices())
}

func (l *DataLoader) numBatches(samples int) int {
	if l.DropLast {
		return samples / l.BatchSize
	}
	return (samples + l.BatchSize - 1) / l.BatchSize
}

func (l *DataLoader) collate(indices []int) *Batch {
	b := &Batch{
		Inputs:  nn.NewTensor(len(indices), l.Dataset.Features()),
		Targets: make([]int, len(indices)),
	}
	for i, idx := range indices {
		b.Targets[i] = l.Dataset.Get(idx, b.Inputs.Row(i))
	}
	return b
}

// Each calls fn with every batch of one epoch in order. It stops at the first
// error returned by fn or when ctx is done.
func (l *DataLoader) Each(ctx context.Context, fn func(i int, b *Batch) error) error {
	indices := l.Sampler.Indices()
	n := l.numBatches(len(indices))
	slice := func(i int) []int {
		return indices[i*l.BatchSize : min((i+1)*l.BatchSize, len(indices))]
	}

	if l.NumWorkers == 0 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(i, l.collate(slice(i))); err != nil {
				return err
			}
		}
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Each batch gets its own result channel; the queue keeps them in
	// order and bounds how far workers run ahead.
	queue := make(chan chan *Batch, 2*l.NumWorkers)
	sem := make(chan struct{}, l.NumWorkers)
	var wg sync.WaitGroup
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		defer close(queue)
		for i := 0; i < n; i++ {
			result := make(chan *Batch, 1)
			select {
			case queue <- result:
			case <-ctx.Done():
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()
				result <- l.collate(slice(i))
			}(i)
		}
	}()
	defer func() {
		cancel()
		<-producerDone
		wg.Wait()
	}()

	i := 0
	for result := range queue {
		select {
		case b := <-result:
			if err := fn(i, b); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		i++
	}
	return ctx.Err()
}

type sequential int

func (s sequential) Len() int { return int(s) }

func (s sequential) Indices() []int {
	indices := make([]int, s)
	for i := range indices {
		indices[i] = i
	}
	return indices
}
