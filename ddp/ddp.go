// Package ddp wraps a model for synchronous data parallel training: replicas
// start from rank 0's parameters and average their gradients after every
// backward pass.
package ddp

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Ian2x/cs426-ddp/nn"
	utl "github.com/Ian2x/cs426-ddp/util"
)

// DefaultBucketCapMB matches the usual 25 MiB gradient bucket.
const DefaultBucketCapMB = 25

// Collective is the subset of a process group the wrapper needs.
type Collective interface {
	Rank() int
	WorldSize() int
	Broadcast(ctx context.Context, data []float64, root int) error
	AllReduceMany(ctx context.Context, bufs [][]float64, op utl.ReduceOp) error
}

type Options struct {
	// BucketCapMB bounds the size of each gradient bucket. Zero means
	// DefaultBucketCapMB.
	BucketCapMB float64
	Logger      *zap.Logger
}

type bucket struct {
	params []*nn.Parameter
	flat   []float64
}

func (b *bucket) pack(grad bool) {
	off := 0
	for _, p := range b.params {
		src := p.Data
		if grad {
			src = p.Grad
		}
		off += copy(b.flat[off:], src)
	}
}

func (b *bucket) unpack(grad bool, scale float64) {
	off := 0
	for _, p := range b.params {
		dst := p.Data
		if grad {
			dst = p.Grad
		}
		for i := range dst {
			dst[i] = b.flat[off+i] * scale
		}
		off += len(dst)
	}
}

// DistributedDataParallel holds a local replica and the group it syncs with.
type DistributedDataParallel struct {
	module  nn.Module
	group   Collective
	buckets []*bucket
	logger  *zap.Logger
}

// New broadcasts module's parameters from rank 0 and partitions them into
// gradient buckets. Every rank must call New with a structurally identical
// module.
func New(ctx context.Context, module nn.Module, group Collective, opts Options) (*DistributedDataParallel, error) {
	capMB := opts.BucketCapMB
	if capMB == 0 {
		capMB = DefaultBucketCapMB
	}
	if capMB < 0 {
		return nil, errors.Errorf("invalid bucket cap %vMB", capMB)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &DistributedDataParallel{
		module:  module,
		group:   group,
		buckets: makeBuckets(module.Parameters(), bucketCapacity(capMB)),
		logger:  logger,
	}

	for _, b := range d.buckets {
		b.pack(false)
		if err := group.Broadcast(ctx, b.flat, 0); err != nil {
			return nil, errors.Wrap(err, "broadcasting initial parameters")
		}
		b.unpack(false, 1)
	}
	logger.Debug("Synchronized parameters",
		zap.Int("parameters", nn.NumParameters(module.Parameters())),
		zap.Int("buckets", len(d.buckets)))
	return d, nil
}

// bucketCapacity converts megabytes to a count of float64 values.
func bucketCapacity(capMB float64) int {
	return max(1, int(math.Floor(capMB*1024*1024/8)))
}

// makeBuckets fills buckets in reverse parameter order, the order gradients
// become ready during backward. A parameter larger than capacity gets a
// bucket of its own.
func makeBuckets(params []*nn.Parameter, capacity int) []*bucket {
	var buckets []*bucket
	cur := &bucket{}
	size := 0
	for i := len(params) - 1; i >= 0; i-- {
		p := params[i]
		if size > 0 && size+len(p.Data) > capacity {
			cur.flat = make([]float64, size)
			buckets = append(buckets, cur)
			cur, size = &bucket{}, 0
		}
		cur.params = append(cur.params, p)
		size += len(p.Data)
	}
	if len(cur.params) > 0 {
		cur.flat = make([]float64, size)
		buckets = append(buckets, cur)
	}
	return buckets
}

func (d *DistributedDataParallel) Module() nn.Module { return d.module }

func (d *DistributedDataParallel) Parameters() []*nn.Parameter { return d.module.Parameters() }

func (d *DistributedDataParallel) NumBuckets() int { return len(d.buckets) }

func (d *DistributedDataParallel) Forward(x *nn.Tensor) (*nn.Tensor, error) {
	return d.module.Forward(x)
}

// Backward runs the local backward pass and replaces every gradient with its
// mean across the group.
func (d *DistributedDataParallel) Backward(ctx context.Context, dy *nn.Tensor) (*nn.Tensor, error) {
	dx, err := d.module.Backward(dy)
	if err != nil {
		return nil, err
	}
	if err := d.SyncGradients(ctx); err != nil {
		return nil, err
	}
	return dx, nil
}

// SyncGradients all-reduces the gradient buckets and divides by the world
// size.
func (d *DistributedDataParallel) SyncGradients(ctx context.Context) error {
	world := d.group.WorldSize()
	if world == 1 {
		return nil
	}
	bufs := make([][]float64, len(d.buckets))
	for i, b := range d.buckets {
		b.pack(true)
		bufs[i] = b.flat
	}
	if err := d.group.AllReduceMany(ctx, bufs, utl.SUM); err != nil {
		return errors.Wrap(err, "averaging gradients")
	}
	scale := 1 / float64(world)
	for _, b := range d.buckets {
		b.unpack(true, scale)
	}
	return nil
}
