// Package pipeline runs the iceball segmentation: per-organ inference, mask
// merging, the final inference pass and import of its result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/iceball/predictor/internal/catalog"
	"github.com/iceball/predictor/internal/inference"
	"github.com/iceball/predictor/internal/log"
	"github.com/iceball/predictor/internal/mask"
	"github.com/iceball/predictor/internal/model"
	"github.com/iceball/predictor/internal/scene"
)

// ErrCancelled is the error of a run cancelled by the user.
var ErrCancelled = errors.New("processing was cancelled")

// Catalog resolves models and their local directories.
type Catalog interface {
	Resolve(id string) (catalog.Descriptor, error)
	Default() (catalog.Descriptor, error)
	LocalPath(ctx context.Context, id string) (string, error)
}

type Importer interface {
	Import(ctx context.Context, seg *scene.SegmentationNode, maskFile, modelID string, reference scene.Node) error
}

// Journal records the start and the end of every run.
type Journal interface {
	RunStarted(ctx context.Context, id, modelID, device string, started time.Time) error
	RunFinished(ctx context.Context, id string, code int, reason string, stopped time.Time) error
}

type Orchestrator struct {
	catalog  Catalog
	importer Importer
	journal  Journal
	cfg      model.Config
	broker   broker
}

type Option func(*Orchestrator)

func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

func New(cat Catalog, im Importer, cfg model.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalog:  cat,
		importer: im,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Process starts a run segmenting inputs into output. The per-organ passes
// and mask merging happen before Process returns, the final inference pass
// keeps running in the background and its completion is reported by an
// EventCompleted and Record.Wait. An empty modelID selects the default
// model. Cancelling ctx cancels the run.
//
// When an error is returned no record exists and no events other than log
// and state events were published.
func (o *Orchestrator) Process(ctx context.Context, inputs []scene.Node, output *scene.SegmentationNode, modelID string, useCPU bool, customData any) (*Record, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no input volumes", model.ErrInvalidArgument)
	}
	if output == nil {
		return nil, fmt.Errorf("%w: output segmentation is nil", model.ErrInvalidArgument)
	}

	var (
		desc catalog.Descriptor
		err  error
	)
	if modelID == "" {
		desc, err = o.catalog.Default()
	} else {
		desc, err = o.catalog.Resolve(modelID)
	}
	if err != nil {
		return nil, err
	}

	device := o.cfg.Inference.Device
	if useCPU {
		device = model.DeviceCPU
	}
	if device == "" {
		device = model.DeviceGPU
	}

	rec := &Record{
		ID:         uuid.NewString(),
		ModelID:    desc.ID,
		Device:     device,
		Inputs:     inputs,
		Output:     output,
		CustomData: customData,
		Started:    time.Now().UTC(),
		done:       make(chan struct{}),
	}
	ctx = log.ContextAttrs(ctx,
		slog.String("record", rec.ID),
		slog.String("model", rec.ModelID),
	)
	rec.ctx = ctx
	o.setState(rec, StateStarting)
	o.journalStarted(ctx, rec)

	if err := o.start(ctx, rec); err != nil {
		o.logf(ctx, rec, "Processing failed: %v", err)
		o.removeTemp(ctx, rec)
		o.journalFinished(ctx, rec, inference.ExitCodeDidNotRun, err, time.Now().UTC())
		o.setState(rec, StateIdle)
		return nil, err
	}
	return rec, nil
}

func (o *Orchestrator) start(ctx context.Context, rec *Record) error {
	modelDir, err := o.catalog.LocalPath(ctx, rec.ModelID)
	if err != nil {
		return err
	}

	tempDir, err := os.MkdirTemp(o.cfg.Pipeline.TempDir, "iceball-")
	if err != nil {
		return fmt.Errorf("creating temporary directory: %w", err)
	}
	rec.TempDir = tempDir
	rec.files = newFiles(tempDir, o.cfg.Pipeline.SkipInferenceDir)

	launcher := inference.NewLauncher(o.cfg.Inference, o.script(modelDir))
	if rec.Device == model.DeviceCPU {
		o.logf(ctx, rec, "Additional environment variables: CUDA_VISIBLE_DEVICES=-1")
	}

	inputFiles, err := o.exportInputs(ctx, rec)
	if err != nil {
		return err
	}

	timer := newTimer()
	if err := o.organPasses(ctx, rec, launcher, modelDir, inputFiles[0]); err != nil {
		return err
	}
	timer.checkpoint("Generating urethra, needle and prostate segmentations")

	if err := o.merge(ctx, rec, inputFiles[0], timer); err != nil {
		return err
	}
	o.logf(ctx, rec, "Computation time log:")
	for _, line := range timer.lines() {
		o.logf(ctx, rec, "  %s", line)
	}

	return o.final(ctx, rec, launcher, modelDir, inputFiles)
}

// script resolves a relative inference script against the model directory
// when the model ships it.
func (o *Orchestrator) script(modelDir string) string {
	script := o.cfg.Inference.Script
	if filepath.IsAbs(script) {
		return script
	}
	if p := filepath.Join(modelDir, script); fileExists(p) {
		return p
	}
	return script
}

func (o *Orchestrator) encoding() mask.Encoding {
	enc := mask.DefaultEncoding
	if o.cfg.Pipeline.NeedleOffset != 0 {
		enc.NeedleOffset = o.cfg.Pipeline.NeedleOffset
	}
	if o.cfg.Pipeline.UrethraOffset != 0 {
		enc.UrethraOffset = o.cfg.Pipeline.UrethraOffset
	}
	return enc
}

// Cancel requests termination of a run. The monitored process tree is
// killed and the run completes with inference.ExitCodeUserCancelled. It
// does nothing for a completed run.
func (o *Orchestrator) Cancel(ctx context.Context, rec *Record) {
	if rec == nil || rec.completed() {
		return
	}
	o.logf(rec.ctx, rec, "Cancel is requested.")
	rec.cancelRequested.Store(true)
	o.setState(rec, StateCancelRequested)

	w := rec.getWatcher()
	if w == nil {
		go o.complete(rec.ctx, rec, inference.ExitCodeDidNotRun)
		return
	}
	if err := w.Kill(ctx); err != nil {
		slog.ErrorContext(rec.ctx, "killing inference process", "error", err)
	}
}

func (o *Orchestrator) setState(rec *Record, s State) {
	if rec.setState(s) {
		o.broker.publish(Event{Kind: EventState, RecordID: rec.ID, CustomData: rec.CustomData, State: s})
	}
}

func (o *Orchestrator) publish(rec *Record, kind EventKind) {
	o.broker.publish(Event{Kind: kind, RecordID: rec.ID, CustomData: rec.CustomData})
}

// logf writes a user visible message to the log and to subscribers.
func (o *Orchestrator) logf(ctx context.Context, rec *Record, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	slog.InfoContext(ctx, msg)
	o.broker.publish(Event{Kind: EventLog, RecordID: rec.ID, CustomData: rec.CustomData, Message: msg})
}

func (o *Orchestrator) processLine(ctx context.Context, rec *Record) func(string) {
	return func(line string) {
		o.logf(ctx, rec, "%s", line)
	}
}

func (o *Orchestrator) journalStarted(ctx context.Context, rec *Record) {
	if o.journal == nil {
		return
	}
	if err := o.journal.RunStarted(context.WithoutCancel(ctx), rec.ID, rec.ModelID, rec.Device, rec.Started); err != nil {
		slog.WarnContext(ctx, "recording run start", "error", err)
	}
}

func (o *Orchestrator) journalFinished(ctx context.Context, rec *Record, code int, runErr error, stopped time.Time) {
	if o.journal == nil {
		return
	}
	var reason string
	if runErr != nil {
		reason = runErr.Error()
	}
	if err := o.journal.RunFinished(context.WithoutCancel(ctx), rec.ID, code, reason, stopped); err != nil {
		slog.WarnContext(ctx, "recording run finish", "error", err)
	}
}

func (o *Orchestrator) removeTemp(ctx context.Context, rec *Record) {
	if rec.TempDir == "" {
		return
	}
	if o.cfg.Pipeline.KeepTemp {
		o.logf(ctx, rec, "Not cleaning up temporary folder: %s", rec.TempDir)
		return
	}
	o.logf(ctx, rec, "Cleaning up temporary folder.")
	if err := os.RemoveAll(rec.TempDir); err != nil {
		slog.WarnContext(ctx, "removing temporary folder", "dir", rec.TempDir, "error", err)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
