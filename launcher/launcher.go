// Package launcher starts one worker process per local rank with the
// environment a worker expects, in the manner of torchrun.
package launcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Ian2x/cs426-ddp/config"
)

type Options struct {
	NProcPerNode int
	// NNodes and NodeRank place this host's ranks within a multi-host job.
	NNodes     int
	NodeRank   int
	MasterAddr string
	MasterPort int
	RunID      string
	// LogDir, when set, also receives each worker's output in its own files.
	LogDir string
}

// Proc is one worker to start.
type Proc struct {
	Name string
	Prog string
	Args []string
	Env  config.Env
}

// Procs expands opts into the workers this host runs. A missing run ID is
// generated so every worker of the job shares one.
func Procs(opts Options, prog string, args []string) ([]Proc, error) {
	if opts.NProcPerNode < 1 {
		return nil, errors.Errorf("nproc-per-node must be positive, got %d", opts.NProcPerNode)
	}
	if opts.NNodes == 0 {
		opts.NNodes = 1
	}
	if opts.NodeRank < 0 || opts.NodeRank >= opts.NNodes {
		return nil, errors.Errorf("node rank %d out of range for %d nodes", opts.NodeRank, opts.NNodes)
	}
	if opts.MasterAddr == "" {
		opts.MasterAddr = config.DefaultMasterAddr
	}
	if opts.MasterPort == 0 {
		opts.MasterPort = config.DefaultMasterPort
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	world := opts.NNodes * opts.NProcPerNode
	ps := make([]Proc, opts.NProcPerNode)
	for local := range ps {
		rank := opts.NodeRank*opts.NProcPerNode + local
		ps[local] = Proc{
			Name: fmt.Sprintf("%d", rank),
			Prog: prog,
			Args: args,
			Env: config.Env{
				Rank:       rank,
				LocalRank:  local,
				WorldSize:  world,
				MasterAddr: opts.MasterAddr,
				MasterPort: opts.MasterPort,
				RunID:      opts.RunID,
			},
		}
	}
	return ps, nil
}

// Cmd builds the command for p. The worker inherits the launcher's
// environment with the group variables added.
func (p Proc) Cmd() *exec.Cmd {
	cmd := exec.Command(p.Prog, p.Args...)
	cmd.Env = append(os.Environ(), p.Env.Pairs()...)
	return cmd
}

// prefixWriter serializes lines from several workers onto one writer.
type prefixWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (pw *prefixWriter) writeLine(prefix string, line []byte) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	fmt.Fprintf(pw.w, "[%s] %s\n", prefix, line)
}

func (pw *prefixWriter) copy(prefix string, r io.Reader, tee io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		pw.writeLine(prefix, line)
		if tee != nil {
			fmt.Fprintf(tee, "%s\n", line)
		}
	}
	return sc.Err()
}

// Runner streams worker output to Stdout and Stderr with a [rank] prefix.
type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	LogDir string
	Logger *zap.Logger

	stdout, stderr *prefixWriter
	once           sync.Once
}

func (r *Runner) init() {
	r.once.Do(func() {
		if r.Stdout == nil {
			r.Stdout = os.Stdout
		}
		if r.Stderr == nil {
			r.Stderr = os.Stderr
		}
		if r.Logger == nil {
			r.Logger = zap.NewNop()
		}
		r.stdout = &prefixWriter{w: r.Stdout}
		r.stderr = &prefixWriter{w: r.Stderr}
	})
}

func (r *Runner) logFiles(name string) (io.WriteCloser, io.WriteCloser, error) {
	if r.LogDir == "" {
		return nil, nil, nil
	}
	if err := os.MkdirAll(r.LogDir, os.ModePerm); err != nil {
		return nil, nil, err
	}
	out, err := os.Create(filepath.Join(r.LogDir, "rank"+name+".stdout.log"))
	if err != nil {
		return nil, nil, err
	}
	errf, err := os.Create(filepath.Join(r.LogDir, "rank"+name+".stderr.log"))
	if err != nil {
		out.Close()
		return nil, nil, err
	}
	return out, errf, nil
}

// Run starts p and waits for it. The process is killed when ctx is done.
func (r *Runner) Run(ctx context.Context, p Proc) error {
	r.init()
	cmd := p.Cmd()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	outFile, errFile, err := r.logFiles(p.Name)
	if err != nil {
		return errors.Wrap(err, "creating log files")
	}
	var outTee, errTee io.Writer
	if outFile != nil {
		defer outFile.Close()
		defer errFile.Close()
		outTee, errTee = outFile, errFile
	}

	if err := cmd.Start(); err != nil {
		return err
	}
	var ioDone sync.WaitGroup
	ioDone.Add(2)
	go func() {
		defer ioDone.Done()
		r.stdout.copy(p.Name, stdout, outTee)
	}()
	go func() {
		defer ioDone.Done()
		r.stderr.copy(p.Name, stderr, errTee)
	}()

	done := make(chan error, 1)
	go func() {
		// Output must be drained before Wait closes the pipes.
		ioDone.Wait()
		done <- cmd.Wait()
	}()
	select {
	case <-ctx.Done():
		cmd.Process.Kill()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// RunAll runs every proc and returns once all have exited. The first
// failure cancels the rest.
func (r *Runner) RunAll(ctx context.Context, ps []Proc) error {
	r.init()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	var fail int32
	var firstErr error
	var firstOnce sync.Once
	for _, p := range ps {
		wg.Add(1)
		go func(p Proc) {
			defer wg.Done()
			if err := r.Run(ctx, p); err != nil {
				if ctx.Err() == nil || !errors.Is(err, ctx.Err()) {
					r.Logger.Error("worker exited with error", zap.String("rank", p.Name), zap.Error(err))
					atomic.AddInt32(&fail, 1)
					firstOnce.Do(func() { firstErr = errors.Wrapf(err, "rank %s", p.Name) })
				}
				cancel()
			} else {
				r.Logger.Debug("worker finished successfully", zap.String("rank", p.Name))
			}
		}(p)
	}
	wg.Wait()
	if fail != 0 {
		return errors.Wrapf(firstErr, "%d workers failed", fail)
	}
	return ctx.Err()
}
