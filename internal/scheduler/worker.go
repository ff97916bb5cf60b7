// Package scheduler runs fixed-interval background tasks with an explicit
// start/stop lifecycle, independent of request handling.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one run of a periodic job. The tick time is passed through so
// tasks that compare against "now" see the instant the run was scheduled.
type Task func(ctx context.Context, tick time.Time) error

// Ticker abstracts time.Ticker for tests.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// TickerFactory builds the ticker driving a worker.
type TickerFactory func(time.Duration) Ticker

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// Worker invokes a task on every tick. Runs never overlap: a tick that
// arrives while the task is still running is dropped by the ticker.
type Worker struct {
	name      string
	interval  time.Duration
	task      Task
	logger    *slog.Logger
	newTicker TickerFactory
}

type Option func(*Worker)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithTicker(factory TickerFactory) Option {
	return func(w *Worker) {
		if factory != nil {
			w.newTicker = factory
		}
	}
}

func NewWorker(name string, interval time.Duration, task Task, opts ...Option) *Worker {
	w := &Worker{
		name:      name,
		interval:  interval,
		task:      task,
		logger:    slog.Default(),
		newTicker: newTimeTicker,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Start launches the worker goroutine and returns a stop function that
// cancels it and waits for an in-flight run to return. Stop is idempotent.
// A worker without a task or with a non-positive interval never runs.
func (w *Worker) Start(ctx context.Context) func() {
	if w == nil || w.task == nil || w.interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := w.newTicker(w.interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case tick := <-ticker.C():
				if err := w.task(workerCtx, tick.UTC()); err != nil && workerCtx.Err() == nil {
					w.logger.Error("periodic task failed", "task", w.name, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
