package scene

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/iceball/predictor/internal/terminology"
	"github.com/iceball/predictor/internal/volume"
)

// Segment is a single labeled structure of a segmentation.
type Segment struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	LabelValue  int               `json:"labelValue"`
	Color       terminology.Color `json:"color"`
	Terminology string            `json:"terminology,omitempty"`
}

// ColorTable maps label values to colors.
type ColorTable map[int]terminology.Color

// SegmentationNode holds a labelmap and the segments stored in it.
type SegmentationNode struct {
	node
	mx        sync.Mutex
	labelmap  *volume.Volume
	segments  []Segment
	reference string
}

// ReadLabelmap replaces the content of the segmentation with labelmap. One
// segment is created for each non-zero label present, identified by
// names[label] or "Label_<n>" when unnamed.
func (s *SegmentationNode) ReadLabelmap(labelmap *volume.Volume, names map[int]string, colors ColorTable) error {
	present := make(map[int]struct{})
	for _, f := range labelmap.Data {
		if f != float64(int(f)) {
			return fmt.Errorf("labelmap contains non integer value %g", f)
		}
		if f != 0 {
			present[int(f)] = struct{}{}
		}
	}
	labels := make([]int, 0, len(present))
	for l := range present {
		labels = append(labels, l)
	}
	slices.Sort(labels)

	segments := make([]Segment, 0, len(labels))
	for _, l := range labels {
		id, ok := names[l]
		if !ok || id == "" {
			id = fmt.Sprintf("Label_%d", l)
		}
		segments = append(segments, Segment{ID: id, Name: id, LabelValue: l, Color: colors[l]})
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	s.labelmap = labelmap
	s.segments = segments
	return nil
}

func (s *SegmentationNode) Labelmap() *volume.Volume {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.labelmap
}

// Segments returns a copy of the segments.
func (s *SegmentationNode) Segments() []Segment {
	s.mx.Lock()
	defer s.mx.Unlock()
	return slices.Clone(s.segments)
}

func (s *SegmentationNode) Segment(id string) (Segment, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	i := slices.IndexFunc(s.segments, func(seg Segment) bool { return seg.ID == id })
	if i < 0 {
		return Segment{}, false
	}
	return s.segments[i], true
}

// UpdateSegment calls fn with the segment identified by id, it returns
// false when there is no such segment.
func (s *SegmentationNode) UpdateSegment(id string, fn func(*Segment)) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	i := slices.IndexFunc(s.segments, func(seg Segment) bool { return seg.ID == id })
	if i < 0 {
		return false
	}
	fn(&s.segments[i])
	return true
}

// SetReferenceVolume records the volume whose geometry the segmentation
// follows.
func (s *SegmentationNode) SetReferenceVolume(id string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.reference = id
}

func (s *SegmentationNode) ReferenceVolume() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.reference
}

// Save writes the labelmap as <dir>/<name>.seg.nrrd and segment metadata as
// <dir>/<name>.segments.json. It returns the labelmap path.
func (s *SegmentationNode) Save(dir string) (string, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.labelmap == nil {
		return "", fmt.Errorf("segmentation %s is empty", s.name)
	}
	path := filepath.Join(dir, s.name+".seg.nrrd")
	if err := volume.WriteFile(path, s.labelmap); err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(s.segments, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, s.name+".segments.json"), b, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
