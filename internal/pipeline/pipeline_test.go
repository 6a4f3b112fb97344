package pipeline_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iceball/predictor/internal/catalog"
	"github.com/iceball/predictor/internal/importer"
	"github.com/iceball/predictor/internal/inference"
	"github.com/iceball/predictor/internal/model"
	"github.com/iceball/predictor/internal/pipeline"
	"github.com/iceball/predictor/internal/scene"
	"github.com/iceball/predictor/internal/terminology"
	"github.com/iceball/predictor/internal/volume"
)

const iceballTerminology = "Segmentation category and type - PredictIceball~SCT^49755003^Morphologically Altered Structure~PI^1001^Iceball~^^~Anatomic codes - PredictIceball~^^~^^"

type fakeCatalog struct {
	dir string
}

func (f fakeCatalog) Resolve(id string) (catalog.Descriptor, error) {
	if id != "iceball-v1.0.0" {
		return catalog.Descriptor{}, model.ErrModelNotFound
	}
	return catalog.Descriptor{ID: id, Title: "Iceball", Version: "1.0.0"}, nil
}

func (f fakeCatalog) Default() (catalog.Descriptor, error) {
	return f.Resolve("iceball-v1.0.0")
}

func (f fakeCatalog) LocalPath(_ context.Context, id string) (string, error) {
	if _, err := f.Resolve(id); err != nil {
		return "", err
	}
	return f.dir, nil
}

func (f fakeCatalog) LabelDescriptions(context.Context, string, catalog.Contexts) (map[int]catalog.Label, error) {
	return map[int]catalog.Label{1: {Name: "iceball", Terminology: iceballTerminology}}, nil
}

type fakeJournal struct {
	mx       sync.Mutex
	started  []string
	finished map[string]int
}

func (j *fakeJournal) RunStarted(_ context.Context, id, _, _ string, _ time.Time) error {
	j.mx.Lock()
	defer j.mx.Unlock()
	j.started = append(j.started, id)
	return nil
}

func (j *fakeJournal) RunFinished(_ context.Context, id string, code int, _ string, _ time.Time) error {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.finished == nil {
		j.finished = make(map[string]int)
	}
	j.finished[id] = code
	return nil
}

type recorder struct {
	mx        sync.Mutex
	events    []pipeline.Event
	completed chan struct{}
}

func subscribe(t *testing.T, o *pipeline.Orchestrator) *recorder {
	t.Helper()
	ch, unsubscribe := o.Subscribe()
	t.Cleanup(unsubscribe)
	r := &recorder{completed: make(chan struct{})}
	go func() {
		for e := range ch {
			r.mx.Lock()
			r.events = append(r.events, e)
			r.mx.Unlock()
			if e.Kind == pipeline.EventCompleted {
				close(r.completed)
				return
			}
		}
	}()
	return r
}

func (r *recorder) kinds(kind pipeline.EventKind) []pipeline.Event {
	r.mx.Lock()
	defer r.mx.Unlock()
	var out []pipeline.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.completed:
	case <-time.After(30 * time.Second):
		t.Fatal("completion event not received")
	}
}

const n = 10

func maskVolume(voxels ...[3]int) *volume.Volume {
	v := volume.New([3]int{n, n, n}, volume.Uint8, volume.Identity())
	for _, p := range voxels {
		v.Set(p[0], p[1], p[2], 1)
	}
	return v
}

func prostateMask() *volume.Volume {
	v := maskVolume()
	for k := 3; k <= 6; k++ {
		for j := 3; j <= 6; j++ {
			for i := 3; i <= 6; i++ {
				v.Set(i, j, k, 1)
			}
		}
	}
	return v
}

// writeResults stores inference outputs: a needle voxel inside and one
// outside of the prostate, a urethra voxel and one shared with the needle,
// and an iceball touching the urethra.
func writeResults(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	write := func(name string, v *volume.Volume) {
		require.NoError(t, volume.WriteFile(filepath.Join(dir, name), v))
	}
	write("prostate-segmentation.nrrd", prostateMask())
	write("needle-segmentation.nrrd", maskVolume([3]int{5, 5, 5}, [3]int{0, 0, 0}))
	write("urethra-segmentation.nrrd", maskVolume([3]int{4, 4, 4}, [3]int{5, 5, 5}))
	write("output-segmentation.nrrd", maskVolume([3]int{4, 4, 4}, [3]int{6, 6, 6}))
}

func inputVolume(span int) *volume.Volume {
	v := volume.New([3]int{n, n, n}, volume.Int16, volume.Identity())
	for i := range v.Data {
		v.Data[i] = float64(i % 10 * span / 9)
	}
	return v
}

func testConfig(t *testing.T) model.Config {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.Pipeline.PollInterval = 10 * time.Millisecond
	cfg.Pipeline.DilationSize = 3
	cfg.Pipeline.TempDir = t.TempDir()
	return cfg
}

type fixture struct {
	scene   *scene.Scene
	input   *scene.VolumeNode
	output  *scene.SegmentationNode
	journal *fakeJournal
	orch    *pipeline.Orchestrator
}

func newFixture(t *testing.T, cfg model.Config, modelDir string, span int) fixture {
	t.Helper()
	sc := scene.New()
	study := sc.AddFolder("study")
	input := sc.AddVolume("t2", inputVolume(span))
	require.NoError(t, sc.SetParent(input.ID(), study.ID()))
	cat := fakeCatalog{dir: modelDir}
	j := &fakeJournal{}
	im := importer.New(cat, terminology.Default(), sc, true)
	return fixture{
		scene:   sc,
		input:   input,
		output:  sc.AddSegmentation("iceball"),
		journal: j,
		orch:    pipeline.New(cat, im, cfg, pipeline.WithJournal(j)),
	}
}

func requireEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestProcess_SkipInference(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Pipeline.SkipInferenceDir = filepath.Join(t.TempDir(), "results")
	cfg.Pipeline.KeepTemp = true
	writeResults(t, cfg.Pipeline.SkipInferenceDir)
	f := newFixture(t, cfg, t.TempDir(), 100)
	events := subscribe(t, f.orch)

	rec, err := f.orch.Process(t.Context(), []scene.Node{f.input}, f.output, "", false, "custom")
	require.NoError(t, err)
	require.Equal(t, "iceball-v1.0.0", rec.ModelID)

	res, err := rec.Wait(t.Context())
	require.NoError(t, err)
	require.Equal(t, 0, res.ReturnCode)
	require.NoError(t, res.Err)
	require.Equal(t, 0, rec.ReturnCode())
	events.wait(t)

	completed := events.kinds(pipeline.EventCompleted)
	require.Len(t, completed, 1)
	require.Equal(t, rec.ID, completed[0].RecordID)
	require.Equal(t, "custom", completed[0].CustomData)
	require.Len(t, events.kinds(pipeline.EventImportStarted), 1)
	require.Len(t, events.kinds(pipeline.EventImportEnded), 1)
	require.NotEmpty(t, events.kinds(pipeline.EventLog))
	require.Equal(t, pipeline.StateIdle, rec.State())

	// needle kept inside the prostate only, urethra loses the voxel shared
	// with the needle
	composite, err := volume.ReadFile(filepath.Join(rec.TempDir, "final-input.nrrd"))
	require.NoError(t, err)
	input := f.input.Volume
	require.Equal(t, input.At(5, 5, 5)+1000, composite.At(5, 5, 5))
	require.Equal(t, input.At(4, 4, 4)+2000, composite.At(4, 4, 4))
	require.Equal(t, input.At(0, 0, 0), composite.At(0, 0, 0))

	labelmap := f.output.Labelmap()
	require.NotNil(t, labelmap)
	require.Equal(t, 0.0, labelmap.At(4, 4, 4))
	require.Equal(t, 1.0, labelmap.At(6, 6, 6))
	segments := f.output.Segments()
	require.Len(t, segments, 1)
	require.Equal(t, iceballTerminology, segments[0].Terminology)
	require.Equal(t, filepath.Join(rec.TempDir, "refined-segmentation.nii.gz"), rec.OutputFile())
	require.Equal(t, f.input.ID(), f.output.ReferenceVolume())

	require.FileExists(t, filepath.Join(cfg.Pipeline.SkipInferenceDir, "output-segmentation.nrrd"))
	f.journal.mx.Lock()
	require.Equal(t, []string{rec.ID}, f.journal.started)
	require.Equal(t, 0, f.journal.finished[rec.ID])
	f.journal.mx.Unlock()
}

func TestProcess_InvalidArguments(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	f := newFixture(t, cfg, t.TempDir(), 100)
	ctx := t.Context()

	_, err := f.orch.Process(ctx, nil, f.output, "", false, nil)
	require.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = f.orch.Process(ctx, []scene.Node{f.input}, nil, "", false, nil)
	require.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = f.orch.Process(ctx, []scene.Node{f.input}, f.output, "missing-v0.0.1", false, nil)
	require.ErrorIs(t, err, model.ErrModelNotFound)

	folder := f.scene.AddFolder("not a volume")
	_, err = f.orch.Process(ctx, []scene.Node{folder}, f.output, "", false, nil)
	require.ErrorIs(t, err, model.ErrUnsupportedInputType)
	requireEmptyDir(t, cfg.Pipeline.TempDir)
}

func TestProcess_EncodingOverlap(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Pipeline.SkipInferenceDir = filepath.Join(t.TempDir(), "results")
	writeResults(t, cfg.Pipeline.SkipInferenceDir)

	f := newFixture(t, cfg, t.TempDir(), 1500)
	events := subscribe(t, f.orch)
	_, err := f.orch.Process(t.Context(), []scene.Node{f.input}, f.output, "", false, nil)
	require.ErrorIs(t, err, model.ErrEncodingOverlap)
	requireEmptyDir(t, cfg.Pipeline.TempDir)
	require.Empty(t, events.kinds(pipeline.EventCompleted))

	f.journal.mx.Lock()
	require.Len(t, f.journal.started, 1)
	require.Equal(t, inference.ExitCodeDidNotRun, f.journal.finished[f.journal.started[0]])
	f.journal.mx.Unlock()

	cfg.Pipeline.EncodingCheck = model.EncodingCheckWarn
	f = newFixture(t, cfg, t.TempDir(), 1500)
	rec, err := f.orch.Process(t.Context(), []scene.Node{f.input}, f.output, "", false, nil)
	require.NoError(t, err)
	res, err := rec.Wait(t.Context())
	require.NoError(t, err)
	require.Equal(t, 0, res.ReturnCode)
}

func TestProcess_ShapeMismatch(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Pipeline.SkipInferenceDir = filepath.Join(t.TempDir(), "results")
	writeResults(t, cfg.Pipeline.SkipInferenceDir)
	small := volume.New([3]int{2, 2, 2}, volume.Uint8, volume.Identity())
	require.NoError(t, volume.WriteFile(filepath.Join(cfg.Pipeline.SkipInferenceDir, "needle-segmentation.nrrd"), small))

	f := newFixture(t, cfg, t.TempDir(), 100)
	_, err := f.orch.Process(t.Context(), []scene.Node{f.input}, f.output, "", false, nil)
	require.ErrorIs(t, err, model.ErrShapeMismatch)
}

// inferenceScript emulates the inference script: organ passes and the final
// pass copy prepared results from $FIXTURES.
const inferenceScript = `if [ "$1" = "--model-file" ]; then
  echo "final pass"
  if [ -n "$FINAL_SLEEP" ]; then sleep "$FINAL_SLEEP"; fi
  if [ -n "$FINAL_EXIT" ]; then exit "$FINAL_EXIT"; fi
  cp "$FIXTURES/output-segmentation.nrrd" "$6"
  exit 0
fi
echo "organ pass $(basename "$1")"
if [ -n "$ORGAN_EXIT" ]; then exit "$ORGAN_EXIT"; fi
cp "$FIXTURES/$(basename "$3")" "$3"
`

func shConfig(t *testing.T, env map[string]string) (model.Config, string) {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	modelDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "infer.sh"), []byte(inferenceScript), 0o644))
	fixtures := filepath.Join(t.TempDir(), "fixtures")
	writeResults(t, fixtures)

	cfg := testConfig(t)
	cfg.Inference.Interpreter = sh
	cfg.Inference.Script = "infer.sh"
	cfg.Inference.Env = map[string]string{"fixtures": fixtures}
	for k, v := range env {
		cfg.Inference.Env[k] = v
	}
	return cfg, modelDir
}

func TestProcess_Inference(t *testing.T) {
	t.Parallel()
	cfg, modelDir := shConfig(t, nil)
	cfg.Pipeline.OrganParallelism = 3
	f := newFixture(t, cfg, modelDir, 100)
	events := subscribe(t, f.orch)

	rec, err := f.orch.Process(t.Context(), []scene.Node{f.input}, f.output, "iceball-v1.0.0", true, nil)
	require.NoError(t, err)
	require.Equal(t, model.DeviceCPU, rec.Device)
	res, err := rec.Wait(t.Context())
	require.NoError(t, err)
	require.Equal(t, 0, res.ReturnCode, "%v", res.Err)
	events.wait(t)

	var messages []string
	for _, e := range events.kinds(pipeline.EventLog) {
		messages = append(messages, e.Message)
	}
	require.Contains(t, messages, "organ pass needle_model.pt")
	require.Contains(t, messages, "organ pass prostatemodel.pt")
	require.Contains(t, messages, "final pass")
	require.Len(t, f.output.Segments(), 1)
	requireEmptyDir(t, cfg.Pipeline.TempDir)
}

func TestProcess_OrganFailure(t *testing.T) {
	t.Parallel()
	cfg, modelDir := shConfig(t, map[string]string{"organ_exit": "4"})
	f := newFixture(t, cfg, modelDir, 100)

	_, err := f.orch.Process(t.Context(), []scene.Node{f.input}, f.output, "", false, nil)
	require.ErrorIs(t, err, model.ErrSubprocessFailure)
	var subErr *model.SubprocessError
	require.ErrorAs(t, err, &subErr)
	require.Equal(t, 4, subErr.ExitCode)
	requireEmptyDir(t, cfg.Pipeline.TempDir)
}

func TestProcess_FinalFailure(t *testing.T) {
	t.Parallel()
	cfg, modelDir := shConfig(t, map[string]string{"final_exit": "5"})
	f := newFixture(t, cfg, modelDir, 100)

	rec, err := f.orch.Process(t.Context(), []scene.Node{f.input}, f.output, "", false, nil)
	require.NoError(t, err)
	res, err := rec.Wait(t.Context())
	require.NoError(t, err)
	require.Equal(t, 5, res.ReturnCode)
	require.ErrorIs(t, res.Err, model.ErrSubprocessFailure)
	require.Empty(t, f.output.Segments())
	requireEmptyDir(t, cfg.Pipeline.TempDir)
}

func TestProcess_Cancel(t *testing.T) {
	t.Parallel()
	cfg, modelDir := shConfig(t, map[string]string{"final_sleep": "30"})
	f := newFixture(t, cfg, modelDir, 100)
	events := subscribe(t, f.orch)

	rec, err := f.orch.Process(t.Context(), []scene.Node{f.input}, f.output, "", false, nil)
	require.NoError(t, err)
	require.Equal(t, pipeline.StateRunning, rec.State())

	f.orch.Cancel(t.Context(), rec)
	require.True(t, rec.CancelRequested())
	res, err := rec.Wait(t.Context())
	require.NoError(t, err)
	require.Equal(t, inference.ExitCodeUserCancelled, res.ReturnCode)
	require.ErrorIs(t, res.Err, pipeline.ErrCancelled)
	events.wait(t)
	require.Len(t, events.kinds(pipeline.EventCompleted), 1)
	require.Empty(t, events.kinds(pipeline.EventImportStarted))
	requireEmptyDir(t, cfg.Pipeline.TempDir)

	// cancelling a completed run does nothing
	f.orch.Cancel(t.Context(), rec)
	require.Equal(t, inference.ExitCodeUserCancelled, rec.ReturnCode())
}
