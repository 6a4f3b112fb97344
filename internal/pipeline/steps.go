package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iceball/predictor/internal/export"
	"github.com/iceball/predictor/internal/inference"
	"github.com/iceball/predictor/internal/mask"
	"github.com/iceball/predictor/internal/model"
	"github.com/iceball/predictor/internal/volume"
)

const (
	organNeedle   = "needle"
	organUrethra  = "urethra"
	organProstate = "prostate"
)

// files names the intermediate files of a run. Inference results are read
// from src, which is the temporary directory unless inference is skipped.
type files struct {
	dir  string
	src  string
	skip bool
}

func newFiles(tempDir, skipDir string) files {
	if skipDir != "" {
		return files{dir: tempDir, src: skipDir, skip: true}
	}
	return files{dir: tempDir, src: tempDir}
}

func (f files) organ(name string) string {
	return filepath.Join(f.src, name+"-segmentation.nrrd")
}

func (f files) result() string {
	return filepath.Join(f.src, "output-segmentation.nrrd")
}

func (f files) temp(name string) string {
	return filepath.Join(f.dir, name)
}

type timer struct {
	last    time.Time
	entries []string
}

func newTimer() *timer {
	return &timer{last: time.Now()}
}

func (t *timer) checkpoint(name string) {
	now := time.Now()
	t.entries = append(t.entries, fmt.Sprintf("%s: %.2f seconds", name, now.Sub(t.last).Seconds()))
	t.last = now
}

func (t *timer) lines() []string {
	return t.entries
}

func (o *Orchestrator) exportInputs(ctx context.Context, rec *Record) ([]string, error) {
	paths, err := export.New(rec.TempDir).ExportAll(rec.Inputs)
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		o.logf(ctx, rec, "Writing input file to %s", p)
	}
	return paths, nil
}

func (o *Orchestrator) organPasses(ctx context.Context, rec *Record, l inference.Launcher, modelDir, input string) error {
	if rec.files.skip {
		o.logf(ctx, rec, "Skipping inference, reading results from %s", rec.files.src)
		return nil
	}
	w := o.cfg.Inference.Weights
	passes := []struct {
		organ   string
		weights string
	}{
		{organNeedle, w.Needle},
		{organUrethra, w.Urethra},
		{organProstate, w.Prostate},
	}

	o.logf(ctx, rec, "Preprocessing Image with MONAIAuto3DSeg AI and others ...")
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.cfg.Pipeline.OrganParallelism, 1))
	for _, p := range passes {
		g.Go(func() error {
			cmd := l.OrganCommand(filepath.Join(modelDir, p.weights), input, rec.files.organ(p.organ))
			slog.DebugContext(ctx, "organ pass", "organ", p.organ, "command", cmd.String())
			if err := l.Run(gctx, cmd, rec.Device, o.processLine(ctx, rec)); err != nil {
				return fmt.Errorf("%s segmentation: %w", p.organ, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	o.logf(ctx, rec, "Finished")
	return nil
}

// toNIfTI converts an image file into dst and returns its content.
func toNIfTI(src, dst string) (*volume.Volume, error) {
	v, err := volume.ReadFile(src)
	if err != nil {
		return nil, err
	}
	if err := volume.WriteFile(dst, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (o *Orchestrator) merge(ctx context.Context, rec *Record, inputFile string, t *timer) error {
	f := rec.files

	prostate, err := toNIfTI(f.organ(organProstate), f.temp("prostate-segmentation.nii.gz"))
	if err != nil {
		return fmt.Errorf("reading prostate segmentation: %w", err)
	}
	size := o.cfg.Pipeline.DilationSize
	if size == 0 {
		size = mask.DefaultDilationSize
	}
	region, err := mask.DilateRegion(prostate, size)
	if err != nil {
		return err
	}
	if err := volume.WriteFile(f.temp("prostate-dilated-segmentation.nii.gz"), region); err != nil {
		return err
	}
	t.checkpoint("Dilating prostate")

	needle, err := toNIfTI(f.organ(organNeedle), f.temp("needle-segmentation.nii.gz"))
	if err != nil {
		return fmt.Errorf("reading needle segmentation: %w", err)
	}
	needle, err = mask.RefineNeedle(region, needle)
	if err != nil {
		return err
	}
	if err := volume.WriteFile(f.temp("needle-processed-segmentation.nii.gz"), needle); err != nil {
		return err
	}

	urethra, err := toNIfTI(f.organ(organUrethra), f.temp("urethra-segmentation.nii.gz"))
	if err != nil {
		return fmt.Errorf("reading urethra segmentation: %w", err)
	}
	urethra, err = mask.RefineUrethra(region, urethra, needle)
	if err != nil {
		return err
	}
	if err := volume.WriteFile(f.temp("urethra-processed-segmentation.nii.gz"), urethra); err != nil {
		return err
	}
	t.checkpoint("Processing urethra")

	input, err := toNIfTI(inputFile, f.temp("input-volume0.nii.gz"))
	if err != nil {
		return fmt.Errorf("reading input volume: %w", err)
	}
	enc := o.encoding()
	if err := o.checkEncoding(ctx, rec, enc, input); err != nil {
		return err
	}
	composite, err := enc.Composite(input, urethra, needle)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "composite volume", "dims", composite.Dims, "needle_voxels", mask.Count(needle), "urethra_voxels", mask.Count(urethra))

	// the final model reads NRRD, the geometry comes from the NIfTI affine
	finalNIfTI := f.temp("final-input.nii.gz")
	if err := volume.WriteFile(finalNIfTI, composite); err != nil {
		return err
	}
	final, err := volume.ReadFile(finalNIfTI)
	if err != nil {
		return err
	}
	if err := volume.WriteFile(f.temp("final-input.nrrd"), final); err != nil {
		return err
	}
	t.checkpoint("Generating final processed input image")
	return nil
}

func (o *Orchestrator) checkEncoding(ctx context.Context, rec *Record, enc mask.Encoding, input *volume.Volume) error {
	mode := o.cfg.Pipeline.EncodingCheck
	if mode == model.EncodingCheckOff {
		return nil
	}
	bands, err := enc.Check(input)
	slog.DebugContext(ctx, "input intensity", "min", bands.Min, "max", bands.Max, "mean", bands.Mean, "stddev", bands.StdDev)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrEncodingOverlap) && mode == model.EncodingCheckWarn:
		o.logf(ctx, rec, "Warning: %v", err)
		return nil
	default:
		return err
	}
}

func (o *Orchestrator) final(ctx context.Context, rec *Record, l inference.Launcher, modelDir string, inputFiles []string) error {
	images := append([]string{rec.files.temp("final-input.nrrd")}, inputFiles[1:]...)
	output := rec.files.result()
	rec.mx.Lock()
	rec.outputFile = output
	rec.mx.Unlock()

	cmd := l.FinalCommand(filepath.Join(modelDir, o.cfg.Inference.Weights.Final), images, output)
	o.logf(ctx, rec, "Creating segmentations with MONAIAuto3DSeg AI...")
	o.logf(ctx, rec, "Auto3DSeg command: %s", cmd)
	o.setState(rec, StateRunning)

	if rec.files.skip {
		go o.complete(ctx, rec, 0)
		return nil
	}

	proc, err := l.Launch(ctx, cmd, rec.Device)
	if err != nil {
		return fmt.Errorf("launching inference: %w", err)
	}
	w, err := inference.Watch(ctx, proc, o.cfg.Pipeline.PollInterval,
		o.processLine(ctx, rec),
		func(code int) { o.complete(ctx, rec, code) },
	)
	if err != nil {
		_ = inference.KillTree(ctx, proc.Pid())
		go func() {
			for range proc.Lines() {
			}
			proc.Wait()
		}()
		return err
	}
	rec.setWatcher(w)
	return nil
}

// complete finishes rec exactly once: it imports a successful result,
// removes temporary files and notifies waiters.
func (o *Orchestrator) complete(ctx context.Context, rec *Record, code int) {
	rec.completeOnce.Do(func() {
		var runErr error
		cancelled := rec.cancelRequested.Load() || ctx.Err() != nil
		switch {
		case cancelled:
			code = inference.ExitCodeUserCancelled
			runErr = ErrCancelled
			o.logf(ctx, rec, "Processing was cancelled.")
		case code == 0:
			o.setState(rec, StateImporting)
			o.publish(rec, EventImportStarted)
			runErr = o.importResult(ctx, rec)
			o.publish(rec, EventImportEnded)
			if runErr != nil {
				code = inference.ExitCodeImportFailed
				o.logf(ctx, rec, "Importing results failed: %v", runErr)
			}
		default:
			runErr = &model.SubprocessError{Path: o.cfg.Inference.Interpreter, ExitCode: code}
			o.logf(ctx, rec, "Processing failed with return code %d", code)
		}

		o.removeTemp(ctx, rec)

		stopped := time.Now().UTC()
		elapsed := stopped.Sub(rec.Started)
		switch {
		case cancelled:
			o.logf(ctx, rec, "Processing was cancelled after %.2f seconds.", elapsed.Seconds())
		case code == 0:
			o.logf(ctx, rec, "Processing was completed in %.2f seconds.", elapsed.Seconds())
		default:
			o.logf(ctx, rec, "Processing failed after %.2f seconds.", elapsed.Seconds())
		}
		o.journalFinished(ctx, rec, code, runErr, stopped)

		result := Result{ReturnCode: code, Err: runErr, Elapsed: elapsed}
		rec.mx.Lock()
		rec.result = result
		rec.stopped = stopped
		rec.mx.Unlock()
		o.setState(rec, StateIdle)
		close(rec.done)
		o.broker.publish(Event{Kind: EventCompleted, RecordID: rec.ID, CustomData: rec.CustomData, Result: result})
	})
}

// importResult removes urethra voxels from the predicted iceball and loads
// it into the output segmentation.
func (o *Orchestrator) importResult(ctx context.Context, rec *Record) error {
	f := rec.files
	iceball, err := toNIfTI(rec.OutputFile(), f.temp("output-segmentation.nii.gz"))
	if err != nil {
		return fmt.Errorf("reading inference result: %w", err)
	}
	urethra, err := volume.ReadFile(f.temp("urethra-processed-segmentation.nii.gz"))
	if err != nil {
		return fmt.Errorf("reading processed urethra: %w", err)
	}
	refined, err := mask.Exclude(iceball, urethra)
	if err != nil {
		return err
	}
	refinedFile := f.temp("refined-segmentation.nii.gz")
	if err := volume.WriteFile(refinedFile, refined); err != nil {
		return err
	}
	rec.mx.Lock()
	rec.outputFile = refinedFile
	rec.mx.Unlock()

	return o.importer.Import(ctx, rec.Output, refinedFile, rec.ModelID, rec.Inputs[0])
}
