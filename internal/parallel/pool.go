// Package parallel runs a list of tasks with bounded concurrency.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yanmarques/youtube-extractor/internal/log"
)

var (
	ErrInvalidLimit = errors.New("concurrency limit must be positive")
	ErrStopped      = errors.New("pool stopped")
	ErrStarted      = errors.New("pool already started")
)

// Op is the work of a single task. Returned errors and panics are recorded
// on the task and never stop the pool.
type Op func(ctx context.Context) error

type Task struct {
	ID      uuid.UUID
	Name    string
	Done    bool
	Err     error
	Started time.Time
	Stopped time.Time

	op Op
}

// Stats is a snapshot of the pool counters. Running never exceeds the
// limit and Completed <= Started <= Total holds at any time.
type Stats struct {
	Total      int
	Started    int
	Completed  int
	Failed     int
	MaxRunning int
}

func (s Stats) Running() int {
	return s.Started - s.Completed
}

type Option func(*Pool)

// WithOverlap selects between backfilling freed slots right away (true,
// the default) and running tasks in batches of limit.
func WithOverlap(overlap bool) Option {
	return func(p *Pool) {
		p.overlap = overlap
	}
}

// WithOnComplete registers a callback fired once, when every task completed.
func WithOnComplete(f func(Stats)) Option {
	return func(p *Pool) {
		p.onComplete = f
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// Pool dispatches tasks in submission order. With a limit smaller than the
// number of tasks, the first limit tasks run one after another, the rest is
// dispatched concurrently. Otherwise every task runs sequentially.
type Pool struct {
	limit      int
	overlap    bool
	onComplete func(Stats)
	logger     *slog.Logger

	mx        sync.Mutex
	tasks     []*Task
	stats     Stats
	running   bool
	startOnce sync.Once
	doneOnce  sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
}

func New(limit int, opts ...Option) (*Pool, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}
	p := &Pool{
		limit:   limit,
		overlap: true,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = log.OrDefault(p.logger)
	return p, nil
}

// Add appends a task. Tasks can't be added once the pool was started.
func (p *Pool) Add(name string, op Op) (uuid.UUID, error) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.running {
		return uuid.Nil, ErrStarted
	}
	t := &Task{ID: uuid.New(), Name: name, op: op}
	p.tasks = append(p.tasks, t)
	p.stats.Total = len(p.tasks)
	return t.ID, nil
}

// Stop halts launching of new tasks. Running tasks are not interrupted,
// Start awaits them and returns ErrStopped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pool) Stats() Stats {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.stats
}

// Tasks returns copies of the tasks in submission order.
func (p *Pool) Tasks() []Task {
	p.mx.Lock()
	defer p.mx.Unlock()
	ret := make([]Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		ret = append(ret, *t)
	}
	return ret
}

func (p *Pool) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// Start runs all tasks and returns when they completed. A pool runs once.
func (p *Pool) Start(ctx context.Context) error {
	err := ErrStarted
	p.startOnce.Do(func() {
		p.mx.Lock()
		p.running = true
		tasks := p.tasks
		p.mx.Unlock()
		err = p.dispatch(ctx, tasks)
	})
	return err
}

func (p *Pool) dispatch(ctx context.Context, tasks []*Task) error {
	ctx = log.ContextAttrs(ctx, slog.Int("limit", p.limit), slog.Bool("overlap", p.overlap))
	p.logger.DebugContext(ctx, "pool started", "tasks", len(tasks))

	var next int
	if p.limit >= len(tasks) {
		next = p.sequential(ctx, tasks)
	} else {
		// ramp up
		next = p.sequential(ctx, tasks[:p.limit])
		if next == p.limit {
			if p.overlap {
				next += p.overlapped(ctx, tasks[next:])
			} else {
				next += p.batched(ctx, tasks[next:])
			}
		}
	}

	switch {
	case next < len(tasks) && ctx.Err() != nil:
		return ctx.Err()
	case next < len(tasks):
		p.logger.InfoContext(ctx, "pool stopped", "launched", next, "tasks", len(tasks))
		return ErrStopped
	}

	stats := p.Stats()
	p.logger.DebugContext(ctx, "pool finished", "completed", stats.Completed, "failed", stats.Failed)
	p.doneOnce.Do(func() {
		if p.onComplete != nil {
			p.onComplete(stats)
		}
	})
	return nil
}

func (p *Pool) halted(ctx context.Context) bool {
	return p.stopped() || ctx.Err() != nil
}

// sequential starts each task and joins it before the next one.
func (p *Pool) sequential(ctx context.Context, tasks []*Task) int {
	for i, t := range tasks {
		if p.halted(ctx) {
			return i
		}
		p.run(ctx, t)
	}
	return len(tasks)
}

// overlapped launches a task as soon as a slot frees up.
func (p *Pool) overlapped(ctx context.Context, tasks []*Task) int {
	var g errgroup.Group
	defer func() { _ = g.Wait() }()

	slots := make(chan struct{}, p.limit)
	for i, t := range tasks {
		select {
		case slots <- struct{}{}:
		case <-p.stop:
			return i
		case <-ctx.Done():
			return i
		}
		if p.halted(ctx) {
			return i
		}
		g.Go(func() error {
			defer func() { <-slots }()
			p.run(ctx, t)
			return nil
		})
	}
	return len(tasks)
}

// batched launches limit tasks at once and waits for all of them.
func (p *Pool) batched(ctx context.Context, tasks []*Task) int {
	for i := 0; i < len(tasks); i += p.limit {
		if p.halted(ctx) {
			return i
		}
		var g errgroup.Group
		for _, t := range tasks[i:min(i+p.limit, len(tasks))] {
			g.Go(func() error {
				p.run(ctx, t)
				return nil
			})
		}
		_ = g.Wait()
	}
	return len(tasks)
}

func (p *Pool) run(ctx context.Context, t *Task) {
	p.mx.Lock()
	t.Started = time.Now()
	p.stats.Started++
	p.stats.MaxRunning = max(p.stats.MaxRunning, p.stats.Running())
	p.mx.Unlock()

	ctx = log.ContextAttrs(ctx, slog.String("task", t.Name), slog.String("task_id", t.ID.String()))
	p.logger.DebugContext(ctx, "task started")
	err := call(ctx, t.op)
	if err != nil {
		p.logger.ErrorContext(ctx, "task failed", "error", err)
	} else {
		p.logger.DebugContext(ctx, "task done")
	}

	p.mx.Lock()
	t.Stopped = time.Now()
	t.Done = true
	t.Err = err
	p.stats.Completed++
	if err != nil {
		p.stats.Failed++
	}
	p.mx.Unlock()
}

func call(ctx context.Context, op Op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return op(ctx)
}
