package pool

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"log/slog"

	"diffract/internal/dataset"
	"diffract/internal/frameproc"
	"diffract/internal/imageio"
	"diffract/internal/logging"
	"diffract/internal/services"
)

const rpcServiceName = "Diffract"

// TaskMsg carries one task to a worker rank. Done tells the worker the run
// is drained and it should exit.
type TaskMsg struct {
	Done      bool      `json:"done"`
	Position  int       `json:"position"`
	Index     int       `json:"index"`
	Path      string    `json:"path"`
	FileFrame int       `json:"file_frame"`
	Container bool      `json:"container"`
	Timestamp time.Time `json:"timestamp"`
}

func (m TaskMsg) task() frameproc.Task {
	return frameproc.Task{
		Position: m.Position,
		Descriptor: imageio.Descriptor{
			Index:     m.Index,
			Path:      m.Path,
			FileFrame: m.FileFrame,
			Container: m.Container,
			Timestamp: m.Timestamp,
		},
	}
}

func toTaskMsg(t frameproc.Task) TaskMsg {
	return TaskMsg{
		Position:  t.Position,
		Index:     t.Descriptor.Index,
		Path:      t.Descriptor.Path,
		FileFrame: t.Descriptor.FileFrame,
		Container: t.Descriptor.Container,
		Timestamp: t.Descriptor.Timestamp,
	}
}

// ResultMsg carries one outcome back to the coordinator. Cells travel as
// raw little-endian float32 bytes: NaN markers do not survive JSON numbers.
type ResultMsg struct {
	Task         TaskMsg `json:"task"`
	FrameNumber  int32   `json:"frame_number"`
	Cells        []byte  `json:"cells,omitempty"`
	CellFailures int     `json:"cell_failures"`
	Failure      string  `json:"failure,omitempty"`
	Convergence  bool    `json:"convergence,omitempty"`
}

// defaultTaskLease bounds how long a worker rank may sit on a pulled task
// before the coordinator presumes the rank lost.
const defaultTaskLease = 10 * time.Minute

// Coordinator is the rank-0 side of a cluster run: it serves tasks to
// worker ranks and gathers their results. It implements Pool.
//
// Every handed-out task carries a lease. A rank that crashes after pulling
// never pushes its outcome, so the lease monitor requeues the task as a
// transient failure and the gather side's bounded retry handles it.
type Coordinator struct {
	listener net.Listener
	server   *rpc.Server
	tasks    chan TaskMsg
	results  chan Outcome
	logger   *slog.Logger
	lease    time.Duration
	stop     chan struct{}

	mu     sync.Mutex
	closed bool
	leases map[int]leasedTask
	wg     sync.WaitGroup
}

// leasedTask is one outstanding task keyed by its dataset position.
type leasedTask struct {
	msg      TaskMsg
	deadline time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithTaskLease overrides the per-task lease duration.
func WithTaskLease(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.lease = d
		}
	}
}

// coordService is the RPC surface workers call.
type coordService struct {
	c *Coordinator
}

// NextTask blocks until a task is available or the run is drained. Handed
// tasks are leased until the rank pushes the matching result.
func (s *coordService) NextTask(rank int, reply *TaskMsg) error {
	msg, ok := <-s.c.tasks
	if !ok {
		*reply = TaskMsg{Done: true}
		return nil
	}
	s.c.grantLease(msg)
	*reply = msg
	return nil
}

// PushResult accepts one outcome from a worker rank. Results for tasks
// whose lease already expired are dropped: the requeued attempt covers
// that frame, and delivering both would double-count the outcome.
func (s *coordService) PushResult(msg ResultMsg, reply *bool) error {
	*reply = true
	if !s.c.releaseLease(msg.Task.Position) {
		s.c.logger.Warn("dropping result for expired task lease",
			logging.Int(logging.FieldFrame, msg.Task.Index))
		return nil
	}
	s.c.results <- decodeOutcome(msg)
	return nil
}

func decodeOutcome(msg ResultMsg) Outcome {
	out := Outcome{Task: msg.Task.task()}
	if msg.Failure != "" {
		marker := services.ErrTransient
		if msg.Convergence {
			marker = services.ErrConvergence
		}
		out.Err = services.Wrap(marker, "cluster", "remote frame",
			fmt.Sprintf("frame %d: %s", msg.Task.Index, msg.Failure), nil)
		return out
	}
	out.Result = &dataset.FrameResult{
		Position:     msg.Task.Position,
		FrameNumber:  msg.FrameNumber,
		Cells:        decodeCells(msg.Cells),
		CellFailures: msg.CellFailures,
	}
	return out
}

func encodeCells(cells []float32) []byte {
	buf := make([]byte, len(cells)*4)
	for i, v := range cells {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeCells(buf []byte) []float32 {
	cells := make([]float32, len(buf)/4)
	for i := range cells {
		cells[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return cells
}

// NewCoordinator starts the task server for a cluster run. capacity must
// cover the run's task count so Submit never blocks.
func NewCoordinator(bind string, capacity int, logger *slog.Logger, opts ...CoordinatorOption) (*Coordinator, error) {
	if capacity < 1 {
		capacity = 1
	}
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "cluster", "listen", bind, err)
	}
	c := &Coordinator{
		listener: listener,
		server:   rpc.NewServer(),
		tasks:    make(chan TaskMsg, capacity),
		results:  make(chan Outcome, capacity),
		logger:   logging.NewComponentLogger(logger, "cluster"),
		lease:    defaultTaskLease,
		stop:     make(chan struct{}),
		leases:   make(map[int]leasedTask),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.server.RegisterName(rpcServiceName, &coordService{c: c}); err != nil {
		listener.Close()
		return nil, services.Wrap(services.ErrConfiguration, "cluster", "register rpc", "", err)
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go c.server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}()
	go c.expireLeases()
	c.logger.Info("coordinator listening", logging.String("addr", listener.Addr().String()))
	return c, nil
}

func (c *Coordinator) grantLease(msg TaskMsg) {
	c.mu.Lock()
	c.leases[msg.Position] = leasedTask{msg: msg, deadline: time.Now().Add(c.lease)}
	c.mu.Unlock()
}

// releaseLease clears an outstanding lease, reporting whether one existed.
func (c *Coordinator) releaseLease(position int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.leases[position]; !ok {
		return false
	}
	delete(c.leases, position)
	return true
}

// expireLeases requeues tasks whose worker rank went silent past the lease
// deadline, surfacing each as a transient failure so the gather side's
// bounded retry decides whether to resubmit or mark the frame missing.
func (c *Coordinator) expireLeases() {
	defer c.wg.Done()
	interval := c.lease / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			for _, lt := range c.expiredAt(now) {
				c.logger.Warn("task lease expired; presuming worker rank lost",
					logging.Int(logging.FieldFrame, lt.msg.Index))
				c.results <- Outcome{
					Task: lt.msg.task(),
					Err: services.Wrap(services.ErrTransient, "cluster", "task lease expired",
						fmt.Sprintf("frame %d", lt.msg.Index), nil),
				}
			}
		}
	}
}

func (c *Coordinator) expiredAt(now time.Time) []leasedTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []leasedTask
	for pos, lt := range c.leases {
		if now.After(lt.deadline) {
			delete(c.leases, pos)
			out = append(out, lt)
		}
	}
	return out
}

// Addr returns the bound coordinator address.
func (c *Coordinator) Addr() string {
	return c.listener.Addr().String()
}

// Submit queues one task for whichever worker rank asks next.
func (c *Coordinator) Submit(task frameproc.Task) {
	c.tasks <- toTaskMsg(task)
}

// Results returns the gathered outcome channel.
func (c *Coordinator) Results() <-chan Outcome {
	return c.results
}

// Close drains the task queue, which releases blocked workers, and stops
// the listener. Call only after every expected result has been gathered.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.tasks)
	close(c.stop)
	err := c.listener.Close()
	c.wg.Wait()
	return err
}

// RunWorker is the non-coordinating rank's whole job: pull tasks from the
// coordinator, process them, push outcomes back, exit when drained.
func RunWorker(ctx context.Context, env Environment, proc Processor, logger *slog.Logger) error {
	log := logging.NewComponentLogger(logger, "cluster").With(logging.Int("rank", env.Rank))

	client, err := dialCoordinator(ctx, env.CoordAddr)
	if err != nil {
		return services.Wrap(services.ErrTransient, "cluster", "dial coordinator", env.CoordAddr, err)
	}
	defer client.Close()
	log.Info("worker rank connected", logging.String("addr", env.CoordAddr))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var msg TaskMsg
		if err := client.Call(rpcServiceName+".NextTask", env.Rank, &msg); err != nil {
			return services.Wrap(services.ErrTransient, "cluster", "next task", env.CoordAddr, err)
		}
		if msg.Done {
			log.Info("task queue drained; worker rank exiting")
			return nil
		}

		result := ResultMsg{Task: msg}
		res, err := proc.Process(ctx, msg.task())
		if err != nil {
			result.Failure = err.Error()
			result.Convergence = errors.Is(err, services.ErrConvergence)
		} else {
			result.FrameNumber = res.FrameNumber
			result.Cells = encodeCells(res.Cells)
			result.CellFailures = res.CellFailures
		}
		var ack bool
		if err := client.Call(rpcServiceName+".PushResult", result, &ack); err != nil {
			return services.Wrap(services.ErrTransient, "cluster", "push result", env.CoordAddr, err)
		}
	}
}

// dialCoordinator retries the dial briefly: worker ranks often start before
// rank 0 finishes binding.
func dialCoordinator(ctx context.Context, addr string) (*rpc.Client, error) {
	var lastErr error
	for attempt := 0; attempt < 30; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err == nil {
			return rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn)), nil
		}
		lastErr = err
		time.Sleep(time.Second)
	}
	return nil, lastErr
}
