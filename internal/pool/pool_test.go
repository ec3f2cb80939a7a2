package pool

import (
	"context"
	"errors"
	"math"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"diffract/internal/dataset"
	"diffract/internal/frameproc"
	"diffract/internal/imageio"
	"diffract/internal/services"
)

type countingProcessor struct {
	calls atomic.Int64
	fail  func(task frameproc.Task) error
}

func (p *countingProcessor) Process(ctx context.Context, task frameproc.Task) (*dataset.FrameResult, error) {
	p.calls.Add(1)
	if p.fail != nil {
		if err := p.fail(task); err != nil {
			return nil, err
		}
	}
	cells := []float32{float32(task.Position), float32(math.NaN())}
	return &dataset.FrameResult{
		Position:    task.Position,
		FrameNumber: int32(task.Descriptor.Index),
		Cells:       cells,
	}, nil
}

func TestDetectDefaultsToLocal(t *testing.T) {
	// t.Setenv registers restoration; the variables must then be absent,
	// not merely empty, for detection to see a bare workstation.
	for _, v := range append([]string{EnvRank, EnvWorldSize, EnvCoordAddr}, mpiLaunchVars...) {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
	env := Detect("", nil)
	if env.Mode != ModeLocal {
		t.Fatalf("expected local mode, got %q", env.Mode)
	}
	if !env.IsCoordinator() {
		t.Fatal("local mode must coordinate")
	}
}

func TestDetectClusterContext(t *testing.T) {
	t.Setenv(EnvRank, "3")
	t.Setenv(EnvWorldSize, "8")
	t.Setenv(EnvCoordAddr, "10.0.0.1:4700")
	env := Detect("", nil)
	if env.Mode != ModeCluster || env.Rank != 3 || env.WorldSize != 8 {
		t.Fatalf("unexpected environment: %+v", env)
	}
	if env.IsCoordinator() {
		t.Fatal("rank 3 must not coordinate")
	}
}

func TestDetectMalformedClusterFallsBackToLocal(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"mpi launch without rank context", map[string]string{"PMI_RANK": "2"}},
		{"missing coordinator address", map[string]string{EnvRank: "1", EnvWorldSize: "4"}},
		{"garbage rank", map[string]string{EnvRank: "two", EnvWorldSize: "4", EnvCoordAddr: "x:1"}},
		{"rank outside world", map[string]string{EnvRank: "9", EnvWorldSize: "4", EnvCoordAddr: "x:1"}},
		{"world of one", map[string]string{EnvRank: "0", EnvWorldSize: "1", EnvCoordAddr: "x:1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if env := Detect("", nil); env.Mode != ModeLocal {
				t.Fatalf("expected local fallback, got %+v", env)
			}
		})
	}
}

func TestDetectForceLocalWinsOverCluster(t *testing.T) {
	t.Setenv(EnvRank, "0")
	t.Setenv(EnvWorldSize, "4")
	t.Setenv(EnvCoordAddr, "10.0.0.1:4700")
	if env := Detect("local", nil); env.Mode != ModeLocal {
		t.Fatalf("force_mode local ignored: %+v", env)
	}
}

func TestWorkerCountHonorsOverride(t *testing.T) {
	if got := WorkerCount(5); got != 5 {
		t.Fatalf("override ignored: %d", got)
	}
	if got := WorkerCount(0); got < 1 {
		t.Fatalf("default worker count %d", got)
	}
}

func TestLocalPoolProcessesAllTasks(t *testing.T) {
	proc := &countingProcessor{}
	p := NewLocal(context.Background(), proc, 4, 20, nil)

	for i := 0; i < 20; i++ {
		p.Submit(frameproc.Task{Position: i, Descriptor: imageio.Descriptor{Index: i * 3}})
	}

	seen := make(map[int]bool)
	for i := 0; i < 20; i++ {
		out := <-p.Results()
		if out.Err != nil {
			t.Fatalf("outcome error: %v", out.Err)
		}
		if seen[out.Result.Position] {
			t.Fatalf("duplicate position %d", out.Result.Position)
		}
		seen[out.Result.Position] = true
		if out.Result.FrameNumber != int32(out.Result.Position*3) {
			t.Fatalf("frame number mismatch: %+v", out.Result)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := proc.calls.Load(); got != 20 {
		t.Fatalf("process calls: %d", got)
	}
}

func TestLocalPoolDeliversFailures(t *testing.T) {
	proc := &countingProcessor{
		fail: func(task frameproc.Task) error {
			if task.Position == 2 {
				return services.Wrap(services.ErrExternalTool, "fit", "run", "boom", nil)
			}
			return nil
		},
	}
	p := NewLocal(context.Background(), proc, 2, 4, nil)
	defer p.Close()

	for i := 0; i < 4; i++ {
		p.Submit(frameproc.Task{Position: i})
	}
	var failed *Outcome
	for i := 0; i < 4; i++ {
		out := <-p.Results()
		if out.Err != nil {
			o := out
			failed = &o
		}
	}
	if failed == nil {
		t.Fatal("expected one failed outcome")
	}
	if failed.Task.Position != 2 {
		t.Fatalf("failure carries wrong task: %+v", failed.Task)
	}
	if !services.Retryable(failed.Err) {
		t.Fatal("infrastructure failure should be retryable")
	}
}

func TestClusterRoundTrip(t *testing.T) {
	coord, err := NewCoordinator("127.0.0.1:0", 8, nil)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	proc := &countingProcessor{
		fail: func(task frameproc.Task) error {
			if task.Position == 1 {
				return services.Wrap(services.ErrConvergence, "fit", "110", "no convergence", nil)
			}
			return nil
		},
	}
	env := Environment{Mode: ModeCluster, Rank: 1, WorldSize: 2, CoordAddr: coord.Addr()}
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- RunWorker(context.Background(), env, proc, nil)
	}()

	for i := 0; i < 3; i++ {
		coord.Submit(frameproc.Task{Position: i, Descriptor: imageio.Descriptor{Index: i + 10}})
	}

	var okCount, convCount int
	for i := 0; i < 3; i++ {
		out := <-coord.Results()
		switch {
		case out.Err == nil:
			okCount++
			if math.IsNaN(float64(out.Result.Cells[0])) || !math.IsNaN(float64(out.Result.Cells[1])) {
				t.Fatalf("cell payload corrupted in transit: %v", out.Result.Cells)
			}
			if out.Result.Cells[0] != float32(out.Result.Position) {
				t.Fatalf("cells for wrong position: %v", out.Result)
			}
		case errors.Is(out.Err, services.ErrConvergence):
			convCount++
			if out.Task.Position != 1 {
				t.Fatalf("convergence failure tagged with wrong task: %+v", out.Task)
			}
		default:
			t.Fatalf("unexpected outcome error: %v", out.Err)
		}
	}
	if okCount != 2 || convCount != 1 {
		t.Fatalf("outcomes: %d ok, %d convergence", okCount, convCount)
	}

	if err := coord.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-workerDone:
		if err != nil {
			t.Fatalf("worker exit: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker rank did not exit after drain")
	}
}

func TestCoordinatorRequeuesTaskFromLostRank(t *testing.T) {
	coord, err := NewCoordinator("127.0.0.1:0", 8, nil, WithTaskLease(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	defer coord.Close()

	coord.Submit(frameproc.Task{Position: 3, Descriptor: imageio.Descriptor{Index: 13}})

	client, err := dialCoordinator(context.Background(), coord.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var msg TaskMsg
	if err := client.Call(rpcServiceName+".NextTask", 1, &msg); err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if msg.Done || msg.Position != 3 {
		t.Fatalf("unexpected task: %+v", msg)
	}
	// The rank dies without pushing its result.
	client.Close()

	var requeued Outcome
	select {
	case requeued = <-coord.Results():
	case <-time.After(5 * time.Second):
		t.Fatal("expired lease never surfaced the task")
	}
	if requeued.Task.Position != 3 || requeued.Task.Descriptor.Index != 13 {
		t.Fatalf("requeued outcome carries wrong task: %+v", requeued.Task)
	}
	if requeued.Err == nil || !services.Retryable(requeued.Err) {
		t.Fatalf("lost-rank outcome must be a retryable failure: %v", requeued.Err)
	}

	// A straggling result for the expired lease must not be double-counted.
	late, err := dialCoordinator(context.Background(), coord.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer late.Close()
	var ack bool
	stale := ResultMsg{Task: msg, FrameNumber: 13, Cells: encodeCells([]float32{1})}
	if err := late.Call(rpcServiceName+".PushResult", stale, &ack); err != nil {
		t.Fatalf("PushResult: %v", err)
	}
	select {
	case out := <-coord.Results():
		t.Fatalf("stale result delivered: %+v", out)
	case <-time.After(200 * time.Millisecond):
	}
}
