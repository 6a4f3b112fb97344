// Package inference starts external segmentation processes and monitors
// them until they exit.
package inference

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/iceball/predictor/internal/model"
)

const (
	ExitCodeUserCancelled = 1001
	ExitCodeDidNotRun     = 1002
	ExitCodeImportFailed  = 1003
)

// MaxLineLength is the longest output line delivered, longer lines are
// dropped.
const MaxLineLength = 1 << 20

const waitDelay = 5 * time.Second

type Command struct {
	Path string
	Args []string
}

func (c Command) String() string {
	var b bytes.Buffer
	b.WriteString(strconv.Quote(c.Path))
	for _, a := range c.Args {
		b.WriteByte(' ')
		b.WriteString(strconv.Quote(a))
	}
	return b.String()
}

// Launcher builds and starts inference script invocations.
type Launcher struct {
	Interpreter string
	Script      string
	// Env is appended to the current environment, KEY=value.
	Env []string
}

func NewLauncher(cfg model.Inference, script string) Launcher {
	return Launcher{
		Interpreter: cfg.Interpreter,
		Script:      script,
		Env:         cfg.EnvList(),
	}
}

// OrganCommand runs a single organ model: script weights input output.
func (l Launcher) OrganCommand(weights, input, output string) Command {
	return Command{
		Path: l.Interpreter,
		Args: []string{l.Script, weights, input, output},
	}
}

// FinalCommand runs the iceball model on images. Images after the first
// are passed as --image-file-2, --image-file-3 and so on.
func (l Launcher) FinalCommand(modelFile string, images []string, result string) Command {
	args := []string{l.Script, "--model-file", modelFile}
	if len(images) > 0 {
		args = append(args, "--image-file", images[0])
	}
	args = append(args, "--result-file", result)
	for i := 1; i < len(images); i++ {
		args = append(args, fmt.Sprintf("--image-file-%d", i+1), images[i])
	}
	return Command{Path: l.Interpreter, Args: args}
}

func (l Launcher) environ(device string) []string {
	env := os.Environ()
	if device == model.DeviceCPU {
		env = append(env, "CUDA_VISIBLE_DEVICES=-1")
	}
	return append(env, l.Env...)
}

// Launch starts cmd with stdout and stderr merged and returns at once.
// Cancelling ctx kills the whole process tree.
func (l Launcher) Launch(ctx context.Context, cmd Command, device string) (*Process, error) {
	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Env = l.environ(device)
	out, err := c.StdoutPipe()
	if err != nil {
		return nil, err
	}
	c.Stderr = c.Stdout
	c.Cancel = func() error {
		return KillTree(context.WithoutCancel(ctx), c.Process.Pid)
	}
	c.WaitDelay = waitDelay

	slog.DebugContext(ctx, "launching", "command", cmd.String(), "device", device)
	if err := c.Start(); err != nil {
		return nil, err
	}
	return &Process{ctx: ctx, cmd: c, out: out, started: time.Now().UTC()}, nil
}

// Run starts cmd and blocks until it exits, forwarding output lines to
// onLine. A non-zero exit is returned as a *model.SubprocessError.
func (l Launcher) Run(ctx context.Context, cmd Command, device string, onLine func(string)) error {
	p, err := l.Launch(ctx, cmd, device)
	if err != nil {
		return err
	}
	for line := range p.Lines() {
		if onLine != nil {
			onLine(line)
		}
	}
	code := p.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if code != 0 {
		return &model.SubprocessError{Path: cmd.Path, ExitCode: code}
	}
	return nil
}

// Process is a running inference command.
type Process struct {
	ctx     context.Context
	cmd     *exec.Cmd
	out     io.Reader
	started time.Time
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *Process) Started() time.Time {
	return p.started
}

// Lines yields the combined output line by line until the process closes
// it. Lines which are not valid UTF-8 or longer than MaxLineLength are
// skipped. Lines must be consumed before calling Wait.
func (p *Process) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		r := bufio.NewReader(p.out)
		var (
			line    []byte
			tooLong bool
		)
		for {
			chunk, isPrefix, err := r.ReadLine()
			if len(chunk) > 0 && !tooLong {
				if len(line)+len(chunk) > MaxLineLength {
					tooLong = true
					line = line[:0]
				} else {
					line = append(line, chunk...)
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					slog.DebugContext(p.ctx, "reading process output", "error", err)
				}
				return
			}
			if isPrefix {
				continue
			}

			switch {
			case tooLong:
				slog.DebugContext(p.ctx, "dropping too long output line")
			case !utf8.Valid(line):
				slog.DebugContext(p.ctx, "dropping undecodable output line")
			default:
				if !yield(string(line)) {
					_, _ = io.Copy(io.Discard, r)
					return
				}
			}
			line = line[:0]
			tooLong = false
		}
	}
}

// Wait waits for the process to exit and returns its exit code, -1 when it
// was terminated by a signal.
func (p *Process) Wait() int {
	err := p.cmd.Wait()
	if p.cmd.ProcessState == nil {
		slog.DebugContext(p.ctx, "waiting for process", "error", err)
		return -1
	}
	code := p.cmd.ProcessState.ExitCode()
	slog.DebugContext(p.ctx, "process exited", "pid", p.cmd.Process.Pid, "code", code, "elapsed", time.Since(p.started))
	return code
}
