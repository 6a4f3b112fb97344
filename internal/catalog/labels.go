package catalog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/iceball/predictor/internal/model"
	"github.com/iceball/predictor/internal/terminology"
)

// Label describes one value of a model output labelmap.
type Label struct {
	Name        string
	Terminology string
}

// Contexts decides which terminology context defines a code.
type Contexts interface {
	Context(propertyType terminology.Code) string
	AnatomicContext(region terminology.Code) string
}

const (
	colLabelValue     = "LabelValue"
	colName           = "Name"
	seqCategory       = "SegmentedPropertyCategoryCodeSequence"
	seqType           = "SegmentedPropertyTypeCodeSequence"
	seqTypeModifier   = "SegmentedPropertyTypeModifierCodeSequence"
	seqRegion         = "AnatomicRegionSequence"
	seqRegionModifier = "AnatomicRegionModifierSequence"
)

var codeFields = []string{"CodingSchemeDesignator", "CodeValue", "CodeMeaning"}

// LabelDescriptions loads the label table of model id.
func (c *Catalog) LabelDescriptions(ctx context.Context, id string, contexts Contexts) (map[int]Label, error) {
	dir, err := c.LocalPath(ctx, id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, LabelsFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrCatalogParse, err)
	}
	defer f.Close()
	labels, err := ParseLabels(f, contexts)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", id, err)
	}
	slog.DebugContext(ctx, "loaded label descriptions", "model", id, "count", len(labels))
	return labels, nil
}

// ParseLabels reads a labels.csv table. Rows may be shorter than the
// header, missing cells are empty.
func ParseLabels(r io.Reader, contexts Contexts) (map[int]Label, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s header: %w", model.ErrCatalogParse, LabelsFile, err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}
	required := []string{colLabelValue, colName}
	for _, seq := range []string{seqCategory, seqType, seqTypeModifier, seqRegion, seqRegionModifier} {
		for _, f := range codeFields {
			required = append(required, seq+"."+f)
		}
	}
	for _, name := range required {
		if _, ok := columns[name]; !ok {
			return nil, fmt.Errorf("%w: %s has no column %s", model.ErrCatalogParse, LabelsFile, name)
		}
	}

	labels := make(map[int]Label)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrCatalogParse, err)
		}
		if len(row) == 0 || slices.Equal(row, []string{""}) {
			continue
		}
		cell := func(name string) string {
			i := columns[name]
			if i >= len(row) {
				return ""
			}
			return row[i]
		}
		code := func(seq string) terminology.Code {
			return terminology.Code{
				Scheme:  cell(seq + ".CodingSchemeDesignator"),
				Value:   cell(seq + ".CodeValue"),
				Meaning: cell(seq + ".CodeMeaning"),
			}
		}

		value, err := strconv.Atoi(strings.TrimSpace(cell(colLabelValue)))
		if err != nil {
			return nil, fmt.Errorf("%w: label value %q is not an integer", model.ErrCatalogParse, cell(colLabelValue))
		}
		if _, ok := labels[value]; ok {
			return nil, fmt.Errorf("%w: duplicate label value %d", model.ErrCatalogParse, value)
		}

		propertyType := code(seqType)
		region := code(seqRegion)
		entry := terminology.Entry{
			Context:         contexts.Context(propertyType),
			Category:        code(seqCategory),
			Type:            propertyType,
			TypeModifier:    code(seqTypeModifier),
			AnatomicContext: contexts.AnatomicContext(region),
			Region:          region,
			RegionModifier:  code(seqRegionModifier),
		}
		labels[value] = Label{Name: cell(colName), Terminology: entry.String()}
	}
	return labels, nil
}
