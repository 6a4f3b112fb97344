// Package terminology handles segment terminology tags: structured
// "context~category~type~modifier~anatomic context~region~region modifier"
// strings identifying what a segment represents.
package terminology

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DICOMContext         = "Segmentation category and type - DICOM master list"
	DICOMAnatomicContext = "Anatomic codes - DICOM master list"
)

var ErrInvalidEntry = errors.New("invalid terminology entry")

// Code is a coded concept, for example SCT^41216001^Prostate.
type Code struct {
	Scheme  string
	Value   string
	Meaning string
}

// ParseCode parses "scheme^value^meaning", missing parts are empty.
func ParseCode(s string) Code {
	parts := strings.SplitN(s, "^", 3)
	parts = append(parts, "", "", "")
	return Code{Scheme: parts[0], Value: parts[1], Meaning: parts[2]}
}

func (c Code) String() string {
	return c.Scheme + "^" + c.Value + "^" + c.Meaning
}

// Key identifies the concept regardless of its meaning text.
func (c Code) Key() string {
	return c.Scheme + "^" + c.Value
}

func (c Code) IsZero() bool {
	return c.Value == ""
}

// Matches compares scheme and value.
func (c Code) Matches(o Code) bool {
	return c.Scheme == o.Scheme && c.Value == o.Value
}

// Entry is a parsed terminology tag.
type Entry struct {
	Context         string
	Category        Code
	Type            Code
	TypeModifier    Code
	AnatomicContext string
	Region          Code
	RegionModifier  Code
}

func (e Entry) String() string {
	return strings.Join([]string{
		e.Context,
		e.Category.String(),
		e.Type.String(),
		e.TypeModifier.String(),
		e.AnatomicContext,
		e.Region.String(),
		e.RegionModifier.String(),
	}, "~")
}

// ParseEntry parses a terminology tag produced by Entry.String.
func ParseEntry(s string) (Entry, error) {
	parts := strings.Split(s, "~")
	if len(parts) != 7 {
		return Entry{}, fmt.Errorf("%w: expected 7 fields, got %d: %q", ErrInvalidEntry, len(parts), s)
	}
	e := Entry{
		Context:         parts[0],
		Category:        ParseCode(parts[1]),
		Type:            ParseCode(parts[2]),
		TypeModifier:    ParseCode(parts[3]),
		AnatomicContext: parts[4],
		Region:          ParseCode(parts[5]),
		RegionModifier:  ParseCode(parts[6]),
	}
	if e.Context == "" || e.Type.IsZero() {
		return Entry{}, fmt.Errorf("%w: missing context or type: %q", ErrInvalidEntry, s)
	}
	return e, nil
}
