// Package scene is an in-memory host scene: volume and segmentation nodes
// placed in a subject hierarchy.
package scene

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/iceball/predictor/internal/volume"
)

var ErrNodeNotFound = errors.New("node not found")

type Kind string

const (
	KindScalarVolume   Kind = "ScalarVolume"
	KindLabelMapVolume Kind = "LabelMapVolume"
	KindSegmentation   Kind = "Segmentation"
	KindFolder         Kind = "Folder"
)

type Node interface {
	ID() string
	Name() string
	Kind() Kind
}

type node struct {
	id   string
	name string
	kind Kind
}

func (n node) ID() string   { return n.id }
func (n node) Name() string { return n.name }
func (n node) Kind() Kind   { return n.kind }

// VolumeNode holds a scalar or labelmap image.
type VolumeNode struct {
	node
	Volume *volume.Volume
}

// Folder groups nodes in the subject hierarchy.
type Folder struct {
	node
}

type Scene struct {
	mx      sync.RWMutex
	seq     int
	order   []string
	nodes   map[string]Node
	parents map[string]string
}

func New() *Scene {
	return &Scene{
		nodes:   make(map[string]Node),
		parents: make(map[string]string),
	}
}

func (s *Scene) add(name string, kind Kind, mk func(node) Node) Node {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.seq++
	n := mk(node{id: fmt.Sprintf("%s%d", kind, s.seq), name: name, kind: kind})
	s.nodes[n.ID()] = n
	s.order = append(s.order, n.ID())
	return n
}

// AddVolume adds a scalar volume node.
func (s *Scene) AddVolume(name string, v *volume.Volume) *VolumeNode {
	return s.add(name, KindScalarVolume, func(n node) Node {
		return &VolumeNode{node: n, Volume: v}
	}).(*VolumeNode)
}

// AddLabelMap adds a labelmap volume node.
func (s *Scene) AddLabelMap(name string, v *volume.Volume) *VolumeNode {
	return s.add(name, KindLabelMapVolume, func(n node) Node {
		return &VolumeNode{node: n, Volume: v}
	}).(*VolumeNode)
}

func (s *Scene) AddFolder(name string) *Folder {
	return s.add(name, KindFolder, func(n node) Node {
		return &Folder{node: n}
	}).(*Folder)
}

func (s *Scene) AddSegmentation(name string) *SegmentationNode {
	return s.add(name, KindSegmentation, func(n node) Node {
		return &SegmentationNode{node: n}
	}).(*SegmentationNode)
}

// LoadVolume reads an image file into a new scalar volume node named after
// the file.
func (s *Scene) LoadVolume(path string) (*VolumeNode, error) {
	v, err := volume.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(path)
	for _, ext := range []string{".gz", ".nii", ".nrrd"} {
		name = strings.TrimSuffix(name, ext)
	}
	return s.AddVolume(name, v), nil
}

func (s *Scene) Node(id string) (Node, bool) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// Nodes returns all nodes in insertion order.
func (s *Scene) Nodes() []Node {
	s.mx.RLock()
	defer s.mx.RUnlock()
	out := make([]Node, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.nodes[id])
	}
	return out
}

// Parent returns the subject hierarchy parent of a node.
func (s *Scene) Parent(id string) (string, bool) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	p, ok := s.parents[id]
	return p, ok
}

// SetParent places a node under parent, an empty parent moves it to the
// scene root.
func (s *Scene) SetParent(id, parent string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if parent == "" {
		delete(s.parents, id)
		return nil
	}
	if _, ok := s.nodes[parent]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, parent)
	}
	for p := parent; p != ""; p = s.parents[p] {
		if p == id {
			return fmt.Errorf("placing %s under %s creates a cycle", id, parent)
		}
	}
	s.parents[id] = parent
	return nil
}
