package pool

import (
	"context"
	"runtime"
	"sync"

	"log/slog"

	"golang.org/x/sys/unix"

	"diffract/internal/frameproc"
	"diffract/internal/logging"
)

// perWorkerBytes is the assumed working-set size of one frame in flight:
// the decoded image plus integration buffers.
const perWorkerBytes = 512 << 20

// WorkerCount resolves the local pool size. Zero asks for the default:
// three quarters of the cores, capped so each worker can hold a frame's
// working set in memory.
func WorkerCount(configured int) int {
	if configured > 0 {
		return configured
	}
	n := runtime.NumCPU() * 3 / 4
	if n < 1 {
		n = 1
	}
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err == nil && info.Totalram > 0 {
		total := uint64(info.Totalram) * uint64(info.Unit)
		if fit := int(total / perWorkerBytes); fit >= 1 && fit < n {
			n = fit
		}
	}
	return n
}

// Local runs workers as goroutines in this process. Positions never
// overlap across tasks, so workers share nothing but the read-only
// processor.
type Local struct {
	tasks   chan frameproc.Task
	results chan Outcome
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	once    sync.Once
}

// NewLocal starts a local pool. capacity must be at least the number of
// tasks the run will submit, which keeps Submit non-blocking.
func NewLocal(ctx context.Context, proc Processor, workers, capacity int, logger *slog.Logger) *Local {
	if workers < 1 {
		workers = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Local{
		tasks:   make(chan frameproc.Task, capacity),
		results: make(chan Outcome, capacity),
		cancel:  cancel,
	}
	log := logging.NewComponentLogger(logger, "pool")
	log.Debug("local pool started", logging.Int("workers", workers))

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				if ctx.Err() != nil {
					p.results <- Outcome{Task: task, Err: ctx.Err()}
					continue
				}
				res, err := proc.Process(ctx, task)
				p.results <- Outcome{Task: task, Result: res, Err: err}
			}
		}()
	}
	return p
}

// Submit queues one task.
func (p *Local) Submit(task frameproc.Task) {
	p.tasks <- task
}

// Results returns the outcome channel. It is never closed; callers track
// outstanding submissions themselves.
func (p *Local) Results() <-chan Outcome {
	return p.results
}

// Close stops accepting work and waits for in-flight tasks to finish.
func (p *Local) Close() error {
	p.once.Do(func() {
		close(p.tasks)
		p.wg.Wait()
		p.cancel()
	})
	return nil
}
