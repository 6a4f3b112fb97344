package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iceball/predictor/internal/inference"
	"github.com/iceball/predictor/internal/scene"
)

type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateCancelRequested
	StateImporting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCancelRequested:
		return "cancel requested"
	case StateImporting:
		return "importing"
	default:
		return "unknown"
	}
}

// Result is the outcome of a completed run.
type Result struct {
	ReturnCode int
	Err        error
	Elapsed    time.Duration
}

// Record tracks a single pipeline run.
type Record struct {
	ID         string
	ModelID    string
	Device     string
	Inputs     []scene.Node
	Output     *scene.SegmentationNode
	TempDir    string
	CustomData any
	Started    time.Time

	ctx             context.Context
	cancelRequested atomic.Bool
	completeOnce    sync.Once
	done            chan struct{}
	files           files

	mx         sync.Mutex
	state      State
	outputFile string
	watcher    *inference.Watcher
	result     Result
	stopped    time.Time
}

func (r *Record) State() State {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.state
}

// ReturnCode is inference.ExitCodeDidNotRun until the run completes.
func (r *Record) ReturnCode() int {
	select {
	case <-r.done:
		return r.result.ReturnCode
	default:
		return inference.ExitCodeDidNotRun
	}
}

// OutputFile is the labelmap imported into Output.
func (r *Record) OutputFile() string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.outputFile
}

func (r *Record) CancelRequested() bool {
	return r.cancelRequested.Load()
}

// Stopped is zero until the run completes.
func (r *Record) Stopped() time.Time {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.stopped
}

// Done is closed when the run completes.
func (r *Record) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run completes or ctx is done.
func (r *Record) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return Result{ReturnCode: inference.ExitCodeDidNotRun}, ctx.Err()
	}
}

func (r *Record) setState(s State) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.state == s {
		return false
	}
	r.state = s
	return true
}

func (r *Record) setWatcher(w *inference.Watcher) {
	r.mx.Lock()
	r.watcher = w
	r.mx.Unlock()
}

func (r *Record) getWatcher() *inference.Watcher {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.watcher
}

func (r *Record) completed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
