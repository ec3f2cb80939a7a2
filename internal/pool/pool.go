package pool

import (
	"context"

	"diffract/internal/dataset"
	"diffract/internal/frameproc"
)

// Processor is the per-frame work function a pool distributes. One value is
// shared read-only by every worker.
type Processor interface {
	Process(ctx context.Context, task frameproc.Task) (*dataset.FrameResult, error)
}

// Outcome pairs a task with its result or failure. The task rides along so
// the gathering side can resubmit infrastructure failures without keeping
// its own index.
type Outcome struct {
	Task   frameproc.Task
	Result *dataset.FrameResult
	Err    error
}

// Pool distributes frame tasks over workers. Submit never blocks as long as
// the pool was sized for the run's task count; Results delivers outcomes in
// completion order, which carries no meaning. Close releases workers and is
// safe after all submissions.
type Pool interface {
	Submit(task frameproc.Task)
	Results() <-chan Outcome
	Close() error
}
