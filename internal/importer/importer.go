// Package importer loads a predicted labelmap into a scene segmentation.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/iceball/predictor/internal/catalog"
	"github.com/iceball/predictor/internal/model"
	"github.com/iceball/predictor/internal/scene"
	"github.com/iceball/predictor/internal/terminology"
	"github.com/iceball/predictor/internal/volume"
)

// Labels provides the label table of a model.
type Labels interface {
	LabelDescriptions(ctx context.Context, id string, contexts catalog.Contexts) (map[int]catalog.Label, error)
}

// Hierarchy is the subject hierarchy of the host scene.
type Hierarchy interface {
	Parent(id string) (string, bool)
	SetParent(id, parent string) error
}

type Importer struct {
	labels           Labels
	terms            terminology.Service
	hierarchy        Hierarchy
	useStandardNames bool
}

// New returns an importer. When useStandardNames is set segments are
// renamed to the label of their terminology entry.
func New(labels Labels, terms terminology.Service, hierarchy Hierarchy, useStandardNames bool) *Importer {
	return &Importer{
		labels:           labels,
		terms:            terms,
		hierarchy:        hierarchy,
		useStandardNames: useStandardNames,
	}
}

// Import reads maskFile into seg, tags its segments with terminology of
// model modelID and places seg next to reference in the subject hierarchy.
func (im *Importer) Import(ctx context.Context, seg *scene.SegmentationNode, maskFile, modelID string, reference scene.Node) error {
	if seg == nil {
		return fmt.Errorf("%w: output segmentation is nil", model.ErrInvalidArgument)
	}
	if reference == nil || reference.Kind() != scene.KindScalarVolume {
		return fmt.Errorf("%w: first input node must be a scalar volume", model.ErrUnsupportedInputType)
	}

	table, err := im.labels.LabelDescriptions(ctx, modelID, im.terms)
	if err != nil {
		return err
	}
	if len(table) == 0 {
		return fmt.Errorf("%w: model %s has no labels", model.ErrCatalogParse, modelID)
	}
	values := make([]int, 0, len(table))
	for v := range table {
		values = append(values, v)
	}
	slices.Sort(values)
	if values[0] < 0 {
		return fmt.Errorf("%w: label values must be positive, got %d", model.ErrShapeMismatch, values[0])
	}
	maxLabel := values[len(values)-1]

	mask, err := volume.ReadFile(maskFile)
	if err != nil {
		return fmt.Errorf("reading segmentation result: %w", err)
	}
	_, hi := mask.Range()
	if int(hi) > maxLabel {
		return fmt.Errorf("%w: result contains label %d, model %s defines labels up to %d", model.ErrShapeMismatch, int(hi), modelID, maxLabel)
	}

	names := make(map[int]string, len(table))
	for v, l := range table {
		names[v] = l.Name
	}
	slog.InfoContext(ctx, "Importing segmentation results...")
	if err := seg.ReadLabelmap(mask, names, warmColors(maxLabel)); err != nil {
		return fmt.Errorf("reading segmentation result: %w", err)
	}

	for _, v := range values {
		im.setTerminology(ctx, seg, table[v])
	}

	seg.SetReferenceVolume(reference.ID())
	if im.hierarchy != nil {
		parent, _ := im.hierarchy.Parent(reference.ID())
		if err := im.hierarchy.SetParent(seg.ID(), parent); err != nil {
			return fmt.Errorf("placing segmentation in subject hierarchy: %w", err)
		}
	}
	return nil
}

func (im *Importer) setTerminology(ctx context.Context, seg *scene.SegmentationNode, label catalog.Label) {
	if label.Terminology == "" {
		return
	}
	var name string
	var color terminology.Color
	var lookupErr error
	entry, err := terminology.ParseEntry(label.Terminology)
	if err != nil {
		lookupErr = err
	} else {
		name, color, lookupErr = im.terms.LabelColor(entry)
	}

	found := seg.UpdateSegment(label.Name, func(s *scene.Segment) {
		s.Terminology = label.Terminology
		if lookupErr != nil {
			return
		}
		if im.useStandardNames && name != "" {
			s.Name = name
		}
		s.Color = color
	})
	if found && lookupErr != nil {
		slog.WarnContext(ctx, "terminology lookup failed", "segment", label.Name, "error", lookupErr)
	}
}

// warmColors is a yellow to red ramp over label values 1..maxLabel.
func warmColors(maxLabel int) scene.ColorTable {
	colors := make(scene.ColorTable, maxLabel)
	for l := 1; l <= maxLabel; l++ {
		t := 0.0
		if maxLabel > 1 {
			t = float64(l-1) / float64(maxLabel-1)
		}
		colors[l] = terminology.Color{1, 1 - 0.8*t, 0.2 * (1 - t)}
	}
	return colors
}
