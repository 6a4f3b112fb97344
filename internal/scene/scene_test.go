package scene_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/iceball/predictor/internal/scene"
	"github.com/iceball/predictor/internal/terminology"
	"github.com/iceball/predictor/internal/volume"
	"github.com/stretchr/testify/require"
)

func TestScene(t *testing.T) {
	t.Parallel()
	s := scene.New()
	study := s.AddFolder("study")
	vol := s.AddVolume("t2", volume.New([3]int{1, 1, 1}, volume.Int16, volume.Identity()))
	seg := s.AddSegmentation("iceball")

	require.Equal(t, scene.KindScalarVolume, vol.Kind())
	require.Equal(t, scene.KindSegmentation, seg.Kind())
	require.Len(t, s.Nodes(), 3)
	n, ok := s.Node(vol.ID())
	require.True(t, ok)
	require.Equal(t, "t2", n.Name())

	require.NoError(t, s.SetParent(vol.ID(), study.ID()))
	p, ok := s.Parent(vol.ID())
	require.True(t, ok)
	require.Equal(t, study.ID(), p)

	require.ErrorIs(t, s.SetParent("nope", study.ID()), scene.ErrNodeNotFound)
	require.ErrorIs(t, s.SetParent(vol.ID(), "nope"), scene.ErrNodeNotFound)
	require.Error(t, s.SetParent(study.ID(), vol.ID()), "cycle")

	require.NoError(t, s.SetParent(vol.ID(), ""))
	_, ok = s.Parent(vol.ID())
	require.False(t, ok)
}

func TestSegmentation(t *testing.T) {
	t.Parallel()
	s := scene.New()
	seg := s.AddSegmentation("result")

	lm := volume.New([3]int{4, 1, 1}, volume.Uint8, volume.Identity())
	copy(lm.Data, []float64{0, 1, 3, 1})
	red := terminology.Color{1, 0, 0}
	require.NoError(t, seg.ReadLabelmap(lm, map[int]string{1: "iceball"}, scene.ColorTable{1: red}))

	segments := seg.Segments()
	require.Len(t, segments, 2)
	require.Equal(t, "iceball", segments[0].ID)
	require.Equal(t, red, segments[0].Color)
	require.Equal(t, "Label_3", segments[1].ID)
	require.Equal(t, 3, segments[1].LabelValue)

	require.True(t, seg.UpdateSegment("iceball", func(sg *scene.Segment) { sg.Name = "Iceball" }))
	require.False(t, seg.UpdateSegment("missing", func(*scene.Segment) {}))
	got, ok := seg.Segment("iceball")
	require.True(t, ok)
	require.Equal(t, "Iceball", got.Name)

	dir := t.TempDir()
	path, err := seg.Save(dir)
	require.NoError(t, err)
	back, err := volume.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, lm.Data, back.Data)

	b, err := os.ReadFile(filepath.Join(dir, "result.segments.json"))
	require.NoError(t, err)
	var saved []scene.Segment
	require.NoError(t, json.Unmarshal(b, &saved))
	require.Len(t, saved, 2)

	bad := volume.New([3]int{1, 1, 1}, volume.Float32, volume.Identity())
	bad.Data[0] = 0.5
	require.Error(t, seg.ReadLabelmap(bad, nil, nil))
}

func TestLoadVolume(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "case01.nii.gz")
	require.NoError(t, volume.WriteFile(path, volume.New([3]int{2, 2, 2}, volume.Int16, volume.Identity())))

	s := scene.New()
	n, err := s.LoadVolume(path)
	require.NoError(t, err)
	require.Equal(t, "case01", n.Name())
	require.Equal(t, [3]int{2, 2, 2}, n.Volume.Dims)
}
