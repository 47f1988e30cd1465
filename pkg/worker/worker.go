package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/donkomura/fsspec-chfs/pkg/errors"
	"github.com/donkomura/fsspec-chfs/pkg/fsspec"
)

// Task is one unit of work run against the worker's filesystem.
type Task func(ctx context.Context, fs *fsspec.FileSystem) error

// Options configures a Worker.
type Options struct {
	// Concurrency is the number of tasks run in parallel.
	Concurrency int `yaml:"concurrency"`

	// QueueSize bounds submitted tasks waiting for a runner.
	QueueSize int `yaml:"queue_size"`

	Logger *slog.Logger `yaml:"-"`
}

// Stats counts tasks seen by a worker.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Worker runs tasks with its plugin's filesystem. The plugin is set up by
// Start and torn down by Stop.
type Worker struct {
	plugin *Plugin
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	started bool
	stopped bool
	jobs    chan *job
	wg      sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

type job struct {
	ctx  context.Context
	task Task
	done chan error
}

// Future is the pending result of a submitted task.
type Future struct {
	done chan error

	once sync.Once
	err  error
}

// Wait blocks until the task finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case err, ok := <-f.done:
		if ok {
			f.once.Do(func() { f.err = err })
		}
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// New creates a worker around plugin.
func New(plugin *Plugin, opts Options) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		plugin: plugin,
		opts:   opts,
		logger: opts.Logger.With("component", "worker", "scheme", plugin.Scheme),
	}
}

// Start sets up the plugin and starts the runners. Tasks cannot be
// submitted before Start succeeds.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return fmt.Errorf("worker already started")
	}
	if err := w.plugin.Setup(ctx); err != nil {
		w.logger.Error("plugin setup failed", "error", err)
		return err
	}

	fs, err := w.plugin.FileSystem()
	if err != nil {
		return err
	}

	w.jobs = make(chan *job, w.opts.QueueSize)
	w.started = true
	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		go w.run(fs)
	}

	w.logger.Info("worker started", "concurrency", w.opts.Concurrency)
	return nil
}

func (w *Worker) run(fs *fsspec.FileSystem) {
	defer w.wg.Done()

	for j := range w.jobs {
		err := j.ctx.Err()
		if err == nil {
			err = w.execute(j, fs)
		}
		if err != nil {
			w.failed.Add(1)
		} else {
			w.completed.Add(1)
		}
		j.done <- err
		close(j.done)
	}
}

func (w *Worker) execute(j *job, fs *fsspec.FileSystem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("task panicked", "panic", r)
			err = errors.Newf(errors.ErrCodeInternalError, "task panicked: %v", r).
				WithComponent("worker")
		}
	}()
	return j.task(j.ctx, fs)
}

// Submit queues task. It blocks while the queue is full, until ctx is done.
func (w *Worker) Submit(ctx context.Context, task Task) (*Future, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.started || w.stopped {
		return nil, errors.NewError(errors.ErrCodeSessionError, "worker is not running").
			WithComponent("worker").
			WithOperation("submit")
	}

	j := &job{ctx: ctx, task: task, done: make(chan error, 1)}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	w.submitted.Add(1)
	return &Future{done: j.done}, nil
}

// Run submits task and waits for its result.
func (w *Worker) Run(ctx context.Context, task Task) error {
	f, err := w.Submit(ctx, task)
	if err != nil {
		return err
	}
	return f.Wait(ctx)
}

// Stop lets queued tasks finish, then tears down the plugin. If ctx ends
// first, Stop returns its error and the plugin is torn down once the
// remaining tasks finish. Stop is idempotent.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.started || w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.jobs)
	w.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return w.teardown(ctx)
	case <-ctx.Done():
		w.logger.Warn("stop deadline passed before tasks drained, tearing down in background")
		go func() {
			<-drained
			_ = w.teardown(context.WithoutCancel(ctx))
		}()
		return ctx.Err()
	}
}

func (w *Worker) teardown(ctx context.Context) error {
	err := w.plugin.Teardown(ctx)
	if err != nil {
		w.logger.Error("plugin teardown failed", "error", err)
	}
	stats := w.Stats()
	w.logger.Info("worker stopped",
		"completed", stats.Completed,
		"failed", stats.Failed)
	return err
}

// Stats returns a snapshot of the task counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Submitted: w.submitted.Load(),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
	}
}
