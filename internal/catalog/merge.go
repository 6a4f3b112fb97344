package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/iceball/predictor/internal/model"
)

var mergedFields = []string{"segmentationTimeSecGPU", "segmentationTimeSecCPU", "segmentNames"}

// MergeTestResults copies measured segmentation times and segment names from
// a test results file into the catalog file, matching models by title. Other
// catalog content is preserved.
func MergeTestResults(catalogPath, resultsPath string) error {
	catalogData, err := os.ReadFile(catalogPath)
	if err != nil {
		return err
	}
	resultsData, err := os.ReadFile(resultsPath)
	if err != nil {
		return err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(catalogData, &doc); err != nil {
		return fmt.Errorf("%w: %s: %w", model.ErrCatalogParse, catalogPath, err)
	}
	var models []map[string]json.RawMessage
	if err := json.Unmarshal(doc["models"], &models); err != nil {
		return fmt.Errorf("%w: %s: models: %w", model.ErrCatalogParse, catalogPath, err)
	}
	var results []map[string]json.RawMessage
	if err := json.Unmarshal(resultsData, &results); err != nil {
		return fmt.Errorf("%w: %s: %w", model.ErrCatalogParse, resultsPath, err)
	}

	for _, m := range models {
		title := m["title"]
		for _, res := range results {
			if !bytes.Equal(title, res["title"]) {
				continue
			}
			for _, field := range mergedFields {
				if v, ok := res[field]; ok && truthy(v) {
					m[field] = v
				}
			}
			break
		}
	}

	raw, err := json.Marshal(models)
	if err != nil {
		return err
	}
	doc["models"] = raw
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(catalogPath, out, 0o644)
}

func truthy(v json.RawMessage) bool {
	switch string(bytes.TrimSpace(v)) {
	case "", "null", "false", "0", "0.0", `""`, "[]", "{}":
		return false
	}
	return true
}
