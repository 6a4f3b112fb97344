package inference

import (
	"context"
	"errors"

	"github.com/shirou/gopsutil/v4/process"
)

// KillTree kills pid and all of its descendants. Descendants are killed
// first so none of them gets re-parented and survives.
func KillTree(ctx context.Context, pid int) error {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}

	var errs []error
	for _, child := range descendants(ctx, root) {
		if err := child.KillWithContext(ctx); err != nil && !gone(ctx, child) {
			errs = append(errs, err)
		}
	}
	if err := root.KillWithContext(ctx); err != nil && !gone(ctx, root) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func descendants(ctx context.Context, p *process.Process) []*process.Process {
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return nil
	}
	var out []*process.Process
	for _, c := range children {
		out = append(out, descendants(ctx, c)...)
		out = append(out, c)
	}
	return out
}

func gone(ctx context.Context, p *process.Process) bool {
	running, err := p.IsRunningWithContext(ctx)
	return err != nil || !running
}
