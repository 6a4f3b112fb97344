package inference

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
)

// DefaultPollInterval is how often a Watcher delivers queued output.
const DefaultPollInterval = time.Second

// Watcher follows a running Process. A reader goroutine moves output lines
// to a LineQueue, a scheduled poll task hands them to the caller and reports
// the exit code once.
type Watcher struct {
	proc      *Process
	queue     LineQueue
	code      atomic.Int64
	scheduler gocron.Scheduler
	onLine    func(string)
	onDone    func(int)
	finished  bool // accessed from the poll task only
	stopOnce  sync.Once
	done      chan struct{}
}

// Watch starts monitoring proc. onLine receives every output line in order,
// onDone is called exactly once with the exit code after the last line was
// delivered. Both run on the poll task goroutine and must not call Stop.
func Watch(ctx context.Context, proc *Process, interval time.Duration, onLine func(string), onDone func(int)) (*Watcher, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if onLine == nil {
		onLine = func(string) {}
	}
	if onDone == nil {
		onDone = func(int) {}
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	w := &Watcher{
		proc:      proc,
		scheduler: s,
		onLine:    onLine,
		onDone:    onDone,
		done:      make(chan struct{}),
	}
	w.code.Store(ExitCodeDidNotRun)

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(w.poll),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("creating poll job: %w", err)
	}

	go w.read(ctx)
	s.Start()
	return w, nil
}

func (w *Watcher) read(ctx context.Context) {
	for line := range w.proc.Lines() {
		w.queue.Push(line)
	}
	code := w.proc.Wait()
	slog.DebugContext(ctx, "watched process finished", "code", code)
	w.code.Store(int64(code))
}

func (w *Watcher) poll() {
	if w.finished {
		return
	}
	// the exit code is stored after the last line was queued
	code := int(w.code.Load())
	for _, line := range w.queue.Drain() {
		w.onLine(line)
	}
	if code == ExitCodeDidNotRun {
		return
	}
	w.finished = true
	w.onDone(code)
	go w.shutdown()
}

func (w *Watcher) shutdown() {
	w.stopOnce.Do(func() {
		if err := w.scheduler.Shutdown(); err != nil {
			slog.Error("shutting down gocron has failed", "error", err)
		}
		close(w.done)
	})
}

// Stop ends polling. Queued lines are discarded and onDone is not called
// unless it already was. The process keeps running.
func (w *Watcher) Stop() {
	w.shutdown()
}

// Kill terminates the watched process and its descendants. Completion is
// still reported through onDone.
func (w *Watcher) Kill(ctx context.Context) error {
	return KillTree(ctx, w.proc.Pid())
}

// ExitCode returns the exit code, ExitCodeDidNotRun while running.
func (w *Watcher) ExitCode() int {
	return int(w.code.Load())
}

// Done is closed once polling ended.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}
