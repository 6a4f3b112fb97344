package importer_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iceball/predictor/internal/catalog"
	"github.com/iceball/predictor/internal/importer"
	"github.com/iceball/predictor/internal/model"
	"github.com/iceball/predictor/internal/scene"
	"github.com/iceball/predictor/internal/terminology"
	"github.com/iceball/predictor/internal/volume"
)

const (
	predictedIceball = "Segmentation category and type - PredictIceball~SCT^49755003^Morphologically Altered Structure~PI^1001^Iceball~PI^1002^Predicted~Anatomic codes - PredictIceball~^^~^^"
	unknownType      = "Segmentation category and type - DICOM master list~SCT^123037004^Anatomical Structure~SCT^1^Nothing~^^~Anatomic codes - DICOM master list~^^~^^"
)

type fakeLabels map[int]catalog.Label

func (f fakeLabels) LabelDescriptions(context.Context, string, catalog.Contexts) (map[int]catalog.Label, error) {
	return f, nil
}

func writeMask(t *testing.T, labels ...float64) string {
	t.Helper()
	v := volume.New([3]int{len(labels), 1, 1}, volume.Uint8, volume.Identity())
	copy(v.Data, labels)
	path := filepath.Join(t.TempDir(), "refined-segmentation.nii.gz")
	require.NoError(t, volume.WriteFile(path, v))
	return path
}

func fixture(t *testing.T) (*scene.Scene, *scene.VolumeNode, *scene.Folder) {
	t.Helper()
	sc := scene.New()
	study := sc.AddFolder("study")
	input := sc.AddVolume("t2", volume.New([3]int{3, 1, 1}, volume.Int16, volume.Identity()))
	require.NoError(t, sc.SetParent(input.ID(), study.ID()))
	return sc, input, study
}

func TestImport(t *testing.T) {
	t.Parallel()
	sc, input, study := fixture(t)
	seg := sc.AddSegmentation("iceball")
	labels := fakeLabels{
		1: {Name: "iceball", Terminology: predictedIceball},
		2: {Name: "other", Terminology: unknownType},
		3: {Name: "absent", Terminology: predictedIceball},
	}

	im := importer.New(labels, terminology.Default(), sc, true)
	err := im.Import(t.Context(), seg, writeMask(t, 0, 1, 2), "iceball-v1.0.0", input)
	require.NoError(t, err)

	segments := seg.Segments()
	require.Len(t, segments, 2)

	iceball, ok := seg.Segment("iceball")
	require.True(t, ok)
	require.Equal(t, "predicted iceball", iceball.Name)
	require.Equal(t, 1, iceball.LabelValue)
	require.Equal(t, predictedIceball, iceball.Terminology)
	require.InDelta(t, 128.0/255, iceball.Color[0], 1e-9)

	other, ok := seg.Segment("other")
	require.True(t, ok)
	require.Equal(t, "other", other.Name)
	require.Equal(t, unknownType, other.Terminology)

	_, ok = seg.Segment("absent")
	require.False(t, ok)

	require.Equal(t, input.ID(), seg.ReferenceVolume())
	parent, ok := sc.Parent(seg.ID())
	require.True(t, ok)
	require.Equal(t, study.ID(), parent)
}

func TestImport_KeepNames(t *testing.T) {
	t.Parallel()
	sc, input, _ := fixture(t)
	seg := sc.AddSegmentation("iceball")
	labels := fakeLabels{1: {Name: "iceball", Terminology: predictedIceball}}

	im := importer.New(labels, terminology.Default(), sc, false)
	require.NoError(t, im.Import(t.Context(), seg, writeMask(t, 1, 1, 0), "m", input))
	s, ok := seg.Segment("iceball")
	require.True(t, ok)
	require.Equal(t, "iceball", s.Name)
}

func TestImport_Errors(t *testing.T) {
	t.Parallel()
	var tests = []struct {
		scenario string
		labels   fakeLabels
		mask     []float64
		then     error
	}{
		{"negative label", fakeLabels{-1: {Name: "a"}, 1: {Name: "b"}}, []float64{0, 1}, model.ErrShapeMismatch},
		{"label over table", fakeLabels{1: {Name: "a"}}, []float64{0, 2}, model.ErrShapeMismatch},
		{"empty table", fakeLabels{}, []float64{0}, model.ErrCatalogParse},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			sc, input, _ := fixture(t)
			seg := sc.AddSegmentation("out")
			im := importer.New(tt.labels, terminology.Default(), sc, true)
			err := im.Import(t.Context(), seg, writeMask(t, tt.mask...), "m", input)
			require.ErrorIs(t, err, tt.then)
			require.Empty(t, seg.Segments())
		})
	}

	t.Run("reference is not a scalar volume", func(t *testing.T) {
		t.Parallel()
		sc := scene.New()
		seg := sc.AddSegmentation("out")
		folder := sc.AddFolder("f")
		im := importer.New(fakeLabels{1: {Name: "a"}}, terminology.Default(), sc, true)
		err := im.Import(t.Context(), seg, "unused.nii.gz", "m", folder)
		require.ErrorIs(t, err, model.ErrUnsupportedInputType)
	})
}
