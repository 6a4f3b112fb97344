// Package export writes scene volumes to files consumed by inference.
package export

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/iceball/predictor/internal/model"
	"github.com/iceball/predictor/internal/scene"
	"github.com/iceball/predictor/internal/volume"
)

type Exporter struct {
	dir string
}

func New(dir string) Exporter {
	return Exporter{dir: dir}
}

// Export writes a scalar volume node as input-volume<index>.nrrd.
func (e Exporter) Export(node scene.Node, index int) (string, error) {
	if node == nil {
		return "", fmt.Errorf("%w: input %d is nil", model.ErrInvalidArgument, index)
	}
	vn, ok := node.(*scene.VolumeNode)
	if !ok || node.Kind() != scene.KindScalarVolume {
		return "", fmt.Errorf("%w: %s is %s", model.ErrUnsupportedInputType, node.Name(), node.Kind())
	}
	if vn.Volume == nil {
		return "", fmt.Errorf("%w: %s has no image data", model.ErrInvalidArgument, node.Name())
	}

	path := filepath.Join(e.dir, fmt.Sprintf("input-volume%d.nrrd", index))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("exporting %s: %w", node.Name(), err)
	}
	if err := volume.WriteNRRD(f, vn.Volume, false); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("exporting %s: %w", node.Name(), err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("exporting %s: %w", node.Name(), err)
	}
	return path, nil
}

// ExportAll exports nodes in order, paths are returned in the same order.
func (e Exporter) ExportAll(nodes []scene.Node) ([]string, error) {
	paths := make([]string, 0, len(nodes))
	for i, n := range nodes {
		p, err := e.Export(n, i)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}
