package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick(at time.Time) {
	select {
	case m.c <- at:
	default:
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorkerRunsTaskOnTick(t *testing.T) {
	ticker := newManualTicker()
	calls := make(chan time.Time, 1)
	task := func(_ context.Context, tick time.Time) error {
		calls <- tick
		return errors.New("transient")
	}
	worker := NewWorker("sweep", time.Minute, task, WithLogger(discardLogger()), WithTicker(func(time.Duration) Ticker {
		return ticker
	}))
	stop := worker.Start(context.Background())

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ticker.Tick(at)
	select {
	case got := <-calls:
		if !got.Equal(at) {
			t.Fatalf("task saw tick %v, want %v", got, at)
		}
	case <-time.After(time.Second):
		t.Fatal("expected task to run")
	}

	// A failing run must not stop the worker.
	ticker.Tick(at.Add(time.Minute))
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("expected task to run again after an error")
	}

	stop()
	select {
	case <-ticker.stopped:
	default:
		t.Fatal("expected ticker to be stopped")
	}
	stop()
}

func TestWorkerStopsWithParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ticker := newManualTicker()
	worker := NewWorker("purge", time.Second, func(context.Context, time.Time) error { return nil },
		WithTicker(func(time.Duration) Ticker { return ticker }))
	stop := worker.Start(ctx)
	cancel()
	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop after cancellation")
	}
	stop()
}

func TestWorkerWithoutIntervalIsNoop(t *testing.T) {
	called := false
	worker := NewWorker("noop", 0, func(context.Context, time.Time) error {
		called = true
		return nil
	}, WithTicker(func(time.Duration) Ticker {
		t.Fatal("ticker must not be created")
		return nil
	}))
	worker.Start(context.Background())()
	if called {
		t.Fatal("task must not run")
	}
}
