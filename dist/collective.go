package dist

import (
	"context"
	"fmt"
	"sync"

	peer "github.com/Ian2x/cs426-ddp/peer/server_lib"
	utl "github.com/Ian2x/cs426-ddp/util"
	"github.com/pkg/errors"
)

func (pg *ProcessGroup) nextName(kind string) string {
	return fmt.Sprintf("%s/%d", kind, pg.seq.Add(1))
}

func (pg *ProcessGroup) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, pg.timeout)
}

func (pg *ProcessGroup) send(ctx context.Context, dst int, name string, data []float64) error {
	return peer.SendTensor(ctx, pg.clients[dst], uint32(pg.rank), uint32(dst), name, data, pg.chunkSize)
}

func (pg *ProcessGroup) recv(ctx context.Context, src int, name string, count int) ([]float64, error) {
	data, err := pg.peer.Recv(ctx, uint32(src), name)
	if err != nil {
		return nil, utl.RankErrorf(uint32(src), "recv %s: %v", name, err)
	}
	if len(data) != count {
		return nil, utl.RankErrorf(uint32(src), "recv %s: expected %d values, got %d", name, count, len(data))
	}
	return data, nil
}

// sendRecv sends data to dst while waiting for count values from src.
func (pg *ProcessGroup) sendRecv(ctx context.Context, dst int, data []float64, src, count int, name string) ([]float64, error) {
	errc := make(chan error, 1)
	go func() { errc <- pg.send(ctx, dst, name, data) }()
	got, rerr := pg.recv(ctx, src, name, count)
	if serr := <-errc; serr != nil {
		return nil, serr
	}
	return got, rerr
}

// sendAll sends data to every rank in dsts concurrently.
func (pg *ProcessGroup) sendAll(ctx context.Context, dsts []int, name string, data []float64) error {
	errs := make([]error, len(dsts))
	var wg sync.WaitGroup
	for i, dst := range dsts {
		wg.Add(1)
		go func(i, dst int) {
			defer wg.Done()
			errs[i] = pg.send(ctx, dst, name, data)
		}(i, dst)
	}
	wg.Wait()
	return firstError(errs)
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Barrier returns once every rank has entered it.
func (pg *ProcessGroup) Barrier(ctx context.Context) error {
	name := pg.nextName("barrier")
	if pg.worldSize == 1 {
		return nil
	}
	ctx, cancel := pg.withTimeout(ctx)
	defer cancel()
	return pg.rdzv.Barrier(ctx, pg.rank, name)
}

// Broadcast overwrites data on every rank with root's data. The length of
// data must match on every rank.
func (pg *ProcessGroup) Broadcast(ctx context.Context, data []float64, root int) error {
	name := pg.nextName("broadcast")
	if root < 0 || root >= pg.worldSize {
		return errors.Errorf("broadcast root %d out of range for world size %d", root, pg.worldSize)
	}
	if pg.worldSize == 1 {
		return nil
	}
	ctx, cancel := pg.withTimeout(ctx)
	defer cancel()

	parent, children := treePosition(pg.rank, pg.worldSize, root)
	if parent >= 0 {
		got, err := pg.recv(ctx, parent, name, len(data))
		if err != nil {
			return errors.Wrap(err, "broadcast")
		}
		copy(data, got)
	}
	return errors.Wrap(pg.sendAll(ctx, children, name, data), "broadcast")
}

// AllReduce reduces data across every rank in place using the group's
// strategy. Afterwards data holds the same values on every rank.
func (pg *ProcessGroup) AllReduce(ctx context.Context, data []float64, op utl.ReduceOp) error {
	return pg.AllReduceMany(ctx, [][]float64{data}, op)
}

// AllReduceMany runs one AllReduce per buffer concurrently. Every rank must
// pass the same number of buffers with matching lengths.
func (pg *ProcessGroup) AllReduceMany(ctx context.Context, bufs [][]float64, op utl.ReduceOp) error {
	// Names are taken before any goroutine starts so that every rank pairs
	// the same buffers.
	names := make([]string, len(bufs))
	for i := range bufs {
		names[i] = pg.nextName("allreduce")
	}
	if pg.worldSize == 1 {
		return nil
	}
	ctx, cancel := pg.withTimeout(ctx)
	defer cancel()

	errs := make([]error, len(bufs))
	var wg sync.WaitGroup
	for i := range bufs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = pg.allReduce(ctx, names[i], bufs[i], op)
		}(i)
	}
	wg.Wait()
	return firstError(errs)
}

func (pg *ProcessGroup) allReduce(ctx context.Context, name string, data []float64, op utl.ReduceOp) error {
	var err error
	switch pg.strategy {
	case Ring:
		err = pg.ringAllReduce(ctx, name, data, op)
	case Tree:
		err = pg.treeAllReduce(ctx, name, data, op)
	case Star:
		err = pg.starAllReduce(ctx, name, data, op)
	default:
		err = errors.Errorf("unknown strategy %d", pg.strategy)
	}
	return errors.Wrapf(err, "%s (%s)", name, pg.strategy)
}

func mod(a, n int) int {
	return ((a % n) + n) % n
}

// segment returns the bounds of the i-th of n near-equal parts of length.
func segment(length, n, i int) (lo, hi int) {
	size, rem := length/n, length%n
	lo = i*size + min(i, rem)
	hi = lo + size
	if i < rem {
		hi++
	}
	return lo, hi
}

// ringAllReduce splits data into worldSize segments. During the
// reduce-scatter phase each segment travels once around the ring
// accumulating every rank's contribution, leaving rank r with the final
// value of segment r+1. The all-gather phase then circulates the final
// segments. Every element is reduced on exactly one rank, so all ranks end
// with identical bits.
func (pg *ProcessGroup) ringAllReduce(ctx context.Context, name string, data []float64, op utl.ReduceOp) error {
	n, r := pg.worldSize, pg.rank
	next, prev := mod(r+1, n), mod(r-1, n)

	for s := 0; s < n-1; s++ {
		slo, shi := segment(len(data), n, mod(r-s, n))
		rlo, rhi := segment(len(data), n, mod(r-s-1, n))
		got, err := pg.sendRecv(ctx, next, data[slo:shi], prev, rhi-rlo, fmt.Sprintf("%s/rs/%d", name, s))
		if err != nil {
			return err
		}
		if err := utl.ReduceInto(data[rlo:rhi], got, op); err != nil {
			return err
		}
	}

	for s := 0; s < n-1; s++ {
		slo, shi := segment(len(data), n, mod(r+1-s, n))
		rlo, rhi := segment(len(data), n, mod(r-s, n))
		got, err := pg.sendRecv(ctx, next, data[slo:shi], prev, rhi-rlo, fmt.Sprintf("%s/ag/%d", name, s))
		if err != nil {
			return err
		}
		copy(data[rlo:rhi], got)
	}
	return nil
}

// treePosition places rank in a binary heap rooted at root. parent is -1 for
// the root.
func treePosition(rank, n, root int) (parent int, children []int) {
	rel := mod(rank-root, n)
	parent = -1
	if rel > 0 {
		parent = mod((rel-1)/2+root, n)
	}
	for _, c := range []int{2*rel + 1, 2*rel + 2} {
		if c < n {
			children = append(children, mod(c+root, n))
		}
	}
	return parent, children
}

func (pg *ProcessGroup) treeAllReduce(ctx context.Context, name string, data []float64, op utl.ReduceOp) error {
	parent, children := treePosition(pg.rank, pg.worldSize, 0)
	up, down := name+"/up", name+"/down"

	// Receive from every child first so the reduction order is fixed.
	incoming := make([][]float64, len(children))
	errs := make([]error, len(children))
	var wg sync.WaitGroup
	for i, child := range children {
		wg.Add(1)
		go func(i, child int) {
			defer wg.Done()
			incoming[i], errs[i] = pg.recv(ctx, child, up, len(data))
		}(i, child)
	}
	wg.Wait()
	if err := firstError(errs); err != nil {
		return err
	}
	for _, vec := range incoming {
		if err := utl.ReduceInto(data, vec, op); err != nil {
			return err
		}
	}

	if parent >= 0 {
		if err := pg.send(ctx, parent, up, data); err != nil {
			return err
		}
		got, err := pg.recv(ctx, parent, down, len(data))
		if err != nil {
			return err
		}
		copy(data, got)
	}
	return pg.sendAll(ctx, children, down, data)
}

func (pg *ProcessGroup) starAllReduce(ctx context.Context, name string, data []float64, op utl.ReduceOp) error {
	others := make([]int, 0, pg.worldSize-1)
	for rank := 0; rank < pg.worldSize; rank++ {
		if rank != pg.rank {
			others = append(others, rank)
		}
	}

	gathered := make([][]float64, pg.worldSize)
	gathered[pg.rank] = data
	errs := make([]error, pg.worldSize)
	var wg sync.WaitGroup
	for _, src := range others {
		wg.Add(1)
		go func(src int) {
			defer wg.Done()
			gathered[src], errs[src] = pg.recv(ctx, src, name, len(data))
		}(src)
	}
	sendErr := pg.sendAll(ctx, others, name, data)
	wg.Wait()
	if sendErr != nil {
		return sendErr
	}
	if err := firstError(errs); err != nil {
		return err
	}

	// Reduce in rank order on every rank.
	result, err := utl.Reduce(gathered[0], gathered[1], op)
	if err != nil {
		return err
	}
	for _, vec := range gathered[2:] {
		if err := utl.ReduceInto(result, vec, op); err != nil {
			return err
		}
	}
	copy(data, result)
	return nil
}
