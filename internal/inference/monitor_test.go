package inference_test

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iceball/predictor/internal/inference"
	"github.com/iceball/predictor/internal/model"
)

type collector struct {
	mx    sync.Mutex
	lines []string
	codes []int
}

func (c *collector) line(s string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.lines = append(c.lines, s)
}

func (c *collector) done(code int) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.codes = append(c.codes, code)
}

func TestWatch(t *testing.T) {
	t.Parallel()
	l := shLauncher(t, `i=0
while [ $i -lt 50 ]; do echo "line $i"; i=$((i+1)); done
exit 7
`)
	p, err := l.Launch(t.Context(), l.OrganCommand("a", "b", "c"), model.DeviceGPU)
	require.NoError(t, err)

	var c collector
	w, err := inference.Watch(t.Context(), p, 10*time.Millisecond, c.line, c.done)
	require.NoError(t, err)

	select {
	case <-w.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("watcher did not finish")
	}

	c.mx.Lock()
	defer c.mx.Unlock()
	require.Len(t, c.lines, 50)
	for i, line := range c.lines {
		require.Equal(t, "line "+strconv.Itoa(i), line)
	}
	require.Equal(t, []int{7}, c.codes)
	require.Equal(t, 7, w.ExitCode())
}

func TestWatch_Kill(t *testing.T) {
	t.Parallel()
	l := shLauncher(t, "echo started\nsleep 30 &\nsleep 30\nwait\n")
	p, err := l.Launch(t.Context(), l.OrganCommand("a", "b", "c"), model.DeviceGPU)
	require.NoError(t, err)

	var c collector
	started := make(chan struct{})
	var once sync.Once
	w, err := inference.Watch(t.Context(), p, 10*time.Millisecond, func(s string) {
		c.line(s)
		once.Do(func() { close(started) })
	}, c.done)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("process did not start")
	}
	require.NoError(t, w.Kill(t.Context()))

	select {
	case <-w.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("killed process tree did not finish")
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	require.Len(t, c.codes, 1)
	require.NotZero(t, c.codes[0])
	require.NotEqual(t, inference.ExitCodeDidNotRun, c.codes[0])
}

func TestWatch_Stop(t *testing.T) {
	t.Parallel()
	l := shLauncher(t, "sleep 1\n")
	p, err := l.Launch(t.Context(), l.OrganCommand("a", "b", "c"), model.DeviceGPU)
	require.NoError(t, err)

	var c collector
	w, err := inference.Watch(t.Context(), p, 10*time.Millisecond, c.line, c.done)
	require.NoError(t, err)
	w.Stop()
	<-w.Done()
	require.NoError(t, w.Kill(t.Context()))

	require.Eventually(t, func() bool {
		return w.ExitCode() != inference.ExitCodeDidNotRun
	}, 10*time.Second, 10*time.Millisecond)
	c.mx.Lock()
	defer c.mx.Unlock()
	require.Empty(t, c.codes)
}
