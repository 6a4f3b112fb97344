package terminology

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("terminology not found")

// Color is an RGB triple in range 0..1.
type Color [3]float64

// Service resolves terminology tags. Implementations are read-only and safe
// for concurrent use.
type Service interface {
	// LabelColor returns the display name and recommended color of an entry.
	LabelColor(e Entry) (string, Color, error)
	// Context returns the terminology context name defining propertyType.
	Context(propertyType Code) string
	// AnatomicContext returns the anatomic context name defining region.
	AnatomicContext(region Code) string
}

// Table is a Service backed by a YAML document.
type Table struct {
	// Name of the custom terminology context, property types of its
	// Anatomical Structure category are looked up here.
	Name string `yaml:"name"`
	// AnatomicName is the custom anatomic context defining Regions.
	AnatomicName string    `yaml:"anatomic_name"`
	Contexts     []Context `yaml:"contexts"`
	Regions      []Code    `yaml:"regions"`
}

type Context struct {
	Name       string     `yaml:"name"`
	Categories []Category `yaml:"categories"`
}

type Category struct {
	Code  Code   `yaml:"code"`
	Types []Type `yaml:"types"`
}

// Type is a property type or a type modifier.
type Type struct {
	Code      Code   `yaml:"code"`
	Label     string `yaml:"label"`
	Color     [3]int `yaml:"color"`
	Modifiers []Type `yaml:"modifiers,omitempty"`
}

var anatomicalStructure = Code{Scheme: "SCT", Value: "123037004", Meaning: "Anatomical Structure"}

//go:embed default.yaml
var defaultTable []byte

// Default returns the embedded terminology table.
func Default() *Table {
	t, err := Load(bytes.NewReader(defaultTable))
	if err != nil {
		panic(fmt.Sprintf("embedded terminology is invalid: %v", err))
	}
	return t
}

// Load decodes a YAML terminology table.
func Load(r io.Reader) (*Table, error) {
	var t Table
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decoding terminology: %w", err)
	}
	if t.Name == "" {
		return nil, fmt.Errorf("decoding terminology: missing name")
	}
	return &t, nil
}

// LoadFile decodes a YAML terminology table from path.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return Load(f)
}

func (t *Table) context(name string) (Context, bool) {
	i := slices.IndexFunc(t.Contexts, func(c Context) bool { return c.Name == name })
	if i < 0 {
		return Context{}, false
	}
	return t.Contexts[i], true
}

func (t *Table) Context(propertyType Code) string {
	if ctx, ok := t.context(t.Name); ok {
		for _, cat := range ctx.Categories {
			if !cat.Code.Matches(anatomicalStructure) {
				continue
			}
			if slices.ContainsFunc(cat.Types, func(tt Type) bool { return tt.Code.Matches(propertyType) }) {
				return t.Name
			}
		}
	}
	return DICOMContext
}

func (t *Table) AnatomicContext(region Code) string {
	if t.AnatomicName != "" && slices.ContainsFunc(t.Regions, region.Matches) {
		return t.AnatomicName
	}
	return DICOMAnatomicContext
}

// LabelColor finds the entry type in its category. When the entry has a
// type modifier the modifier's label and color are used.
func (t *Table) LabelColor(e Entry) (string, Color, error) {
	ctx, ok := t.context(e.Context)
	if !ok {
		return "", Color{}, fmt.Errorf("%w: context %q", ErrNotFound, e.Context)
	}
	for _, cat := range ctx.Categories {
		if !cat.Code.Matches(e.Category) {
			continue
		}
		for _, tt := range cat.Types {
			if !tt.Code.Matches(e.Type) {
				continue
			}
			if e.TypeModifier.IsZero() {
				return tt.labelColor()
			}
			for _, m := range tt.Modifiers {
				if m.Code.Matches(e.TypeModifier) {
					return m.labelColor()
				}
			}
		}
	}
	return "", Color{}, fmt.Errorf("%w: color for %s", ErrNotFound, e)
}

func (tt Type) labelColor() (string, Color, error) {
	label := tt.Label
	if label == "" {
		label = tt.Code.Meaning
	}
	c := Color{float64(tt.Color[0]) / 255, float64(tt.Color[1]) / 255, float64(tt.Color[2]) / 255}
	return label, c, nil
}

func (c Code) MarshalYAML() (any, error) {
	return c.String(), nil
}

func (c *Code) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	*c = ParseCode(s)
	if c.Scheme == "" || c.Value == "" {
		return fmt.Errorf("line %d: code %q must be scheme^value^meaning", n.Line, s)
	}
	return nil
}
