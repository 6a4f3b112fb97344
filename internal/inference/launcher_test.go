package inference_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iceball/predictor/internal/inference"
	"github.com/iceball/predictor/internal/model"
)

func shLauncher(t *testing.T, script string) inference.Launcher {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	path := filepath.Join(t.TempDir(), "inference.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o644))
	return inference.Launcher{Interpreter: sh, Script: path, Env: []string{"ICEBALL_TEST=yes"}}
}

func TestCommands(t *testing.T) {
	t.Parallel()
	l := inference.NewLauncher(model.Inference{Interpreter: "python3", Env: map[string]string{"omp_num_threads": "2"}}, "/s/infer.py")
	require.Equal(t, []string{"OMP_NUM_THREADS=2"}, l.Env)

	organ := l.OrganCommand("/m/needle_model.pt", "/t/input-volume0.nrrd", "/t/needle-segmentation.nrrd")
	require.Equal(t, "python3", organ.Path)
	require.Equal(t, []string{"/s/infer.py", "/m/needle_model.pt", "/t/input-volume0.nrrd", "/t/needle-segmentation.nrrd"}, organ.Args)

	final := l.FinalCommand("/m/model.pt", []string{"/t/final-input.nrrd", "/t/input-volume1.nrrd", "/t/input-volume2.nrrd"}, "/t/out.nrrd")
	require.Equal(t, []string{
		"/s/infer.py",
		"--model-file", "/m/model.pt",
		"--image-file", "/t/final-input.nrrd",
		"--result-file", "/t/out.nrrd",
		"--image-file-2", "/t/input-volume1.nrrd",
		"--image-file-3", "/t/input-volume2.nrrd",
	}, final.Args)
}

func TestRun(t *testing.T) {
	t.Parallel()
	l := shLauncher(t, `echo "weights=$1"
echo "to stderr" >&2
cp "$2" "$3"
`)
	dir := t.TempDir()
	in := filepath.Join(dir, "in.nrrd")
	out := filepath.Join(dir, "out.nrrd")
	require.NoError(t, os.WriteFile(in, []byte("voxels"), 0o644))

	var lines []string
	err := l.Run(t.Context(), l.OrganCommand("w.pt", in, out), model.DeviceGPU, func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	require.Equal(t, []string{"weights=w.pt", "to stderr"}, lines)
	require.FileExists(t, out)
}

func TestRun_Failure(t *testing.T) {
	t.Parallel()
	l := shLauncher(t, "echo failing\nexit 3\n")
	err := l.Run(t.Context(), l.OrganCommand("a", "b", "c"), model.DeviceGPU, nil)
	require.ErrorIs(t, err, model.ErrSubprocessFailure)
	var subErr *model.SubprocessError
	require.ErrorAs(t, err, &subErr)
	require.Equal(t, 3, subErr.ExitCode)
}

func TestRun_Cancel(t *testing.T) {
	t.Parallel()
	l := shLauncher(t, "sleep 30 &\nsleep 30\nwait\n")
	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Run(ctx, l.OrganCommand("a", "b", "c"), model.DeviceGPU, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestRun_Device(t *testing.T) {
	t.Parallel()
	l := shLauncher(t, `echo "cuda=$CUDA_VISIBLE_DEVICES test=$ICEBALL_TEST"`)

	var cpu []string
	require.NoError(t, l.Run(t.Context(), l.OrganCommand("a", "b", "c"), model.DeviceCPU, func(s string) { cpu = append(cpu, s) }))
	require.Equal(t, []string{"cuda=-1 test=yes"}, cpu)
}

func TestLines_Undecodable(t *testing.T) {
	t.Parallel()
	l := shLauncher(t, `printf 'first\n\377\376 broken\nlast\n'`)
	p, err := l.Launch(t.Context(), l.OrganCommand("a", "b", "c"), model.DeviceGPU)
	require.NoError(t, err)

	var lines []string
	for line := range p.Lines() {
		lines = append(lines, line)
	}
	require.Equal(t, 0, p.Wait())
	require.Equal(t, []string{"first", "last"}, lines)
}

func TestLaunch_NotFound(t *testing.T) {
	t.Parallel()
	l := inference.Launcher{Interpreter: "does-not-exist-iceball", Script: "x.py"}
	_, err := l.Launch(t.Context(), l.OrganCommand("a", "b", "c"), model.DeviceGPU)
	var execErr *exec.Error
	require.ErrorAs(t, err, &execErr)
}

func TestLineQueue(t *testing.T) {
	t.Parallel()
	var q inference.LineQueue
	q.Push("a")
	q.Push("b")
	require.Equal(t, 2, q.Len())
	require.Equal(t, []string{"a", "b"}, q.Drain())
	require.Empty(t, q.Drain())
	require.Zero(t, q.Len())
}
