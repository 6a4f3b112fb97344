// Package catalog loads the list of available segmentation models and
// manages their local copies.
package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"slices"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/iceball/predictor/internal/model"
)

//go:embed catalog.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	schema = compiled.LookupPath(cue.ParsePath("#Catalog"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

// URL format: <path>/<filename>-v<major.minor.patch>.zip
var urlRx = regexp.MustCompile(`(?P<filename>[^/]+)-v(?P<version>\d+\.\d+\.\d+)`)

const defaultInputTitle = "Input volume"

type Input struct {
	Title       string `json:"title"`
	NamePattern string `json:"namePattern,omitempty"`
}

// Descriptor is one downloadable version of a model.
type Descriptor struct {
	ID                  string
	Title               string
	Version             string
	Inputs              []Input
	ImagingModality     string
	Subject             string
	Description         string
	SampleData          []string
	SegmentNames        []string
	SegmentationTimeGPU float64
	SegmentationTimeCPU float64
	URL                 string
	Deprecated          bool
}

type rawCatalog struct {
	Models []rawModel `json:"models"`
}

type rawModel struct {
	Title    string `json:"title"`
	Versions []struct {
		URL string `json:"url"`
	} `json:"versions"`
	Inputs              []Input         `json:"inputs"`
	ImagingModality     string          `json:"imagingModality"`
	Description         string          `json:"description"`
	Subject             string          `json:"subject"`
	SampleData          json.RawMessage `json:"sampleData"`
	SegmentNames        []string        `json:"segmentNames"`
	SegmentationTimeGPU float64         `json:"segmentationTimeSecGPU"`
	SegmentationTimeCPU float64         `json:"segmentationTimeSecCPU"`
}

// Catalog is immutable once loaded, except for the local model cache which
// it manages.
type Catalog struct {
	models        []Descriptor
	dir           string
	client        *http.Client
	retries       int
	retryInterval time.Duration
	keepTemp      bool
	downloadMx    sync.Mutex
}

type Option func(*Catalog)

// WithModelsDir sets the root of the local model cache.
func WithModelsDir(dir string) Option {
	return func(c *Catalog) { c.dir = dir }
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Catalog) { c.client = client }
}

// WithRetries sets how many times a failed download is retried and the
// initial interval between attempts.
func WithRetries(retries int, interval time.Duration) Option {
	return func(c *Catalog) {
		c.retries = retries
		c.retryInterval = interval
	}
}

// WithKeepTemp preserves the temporary download folder for debugging.
func WithKeepTemp(keep bool) Option {
	return func(c *Catalog) { c.keepTemp = keep }
}

// Load reads the catalog file at path.
func Load(path string, opts ...Option) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrCatalogParse, err)
	}
	c, err := Parse(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading models description from %s: %w", path, err)
	}
	return c, nil
}

// Parse builds a catalog from its JSON description. The first version listed
// for a model is current, all later versions are deprecated. Any malformed
// entry fails the whole catalog.
func Parse(data []byte, opts ...Option) (*Catalog, error) {
	expr, err := cuejson.Extract("models.json", data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrCatalogParse, err)
	}
	unified := schema.Unify(cueCtx.BuildExpr(expr))
	if err := unified.Validate(cue.All(), cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrCatalogParse, err)
	}

	var raw rawCatalog
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrCatalogParse, err)
	}

	c := &Catalog{
		client:        http.DefaultClient,
		retries:       3,
		retryInterval: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dir == "" {
		d, err := DefaultModelsDir()
		if err != nil {
			return nil, err
		}
		c.dir = d
	}

	for _, m := range raw.Models {
		sampleData, err := parseSampleData(m.SampleData)
		if err != nil {
			return nil, fmt.Errorf("%w: model %q: %w", model.ErrCatalogParse, m.Title, err)
		}
		inputs := m.Inputs
		if len(inputs) == 0 {
			inputs = []Input{{Title: defaultInputTitle}}
		}
		for i, v := range m.Versions {
			match := urlRx.FindStringSubmatch(v.URL)
			if match == nil {
				return nil, fmt.Errorf("%w: failed to extract model id and version from url: %s", model.ErrCatalogParse, v.URL)
			}
			filename := match[urlRx.SubexpIndex("filename")]
			version := match[urlRx.SubexpIndex("version")]
			c.models = append(c.models, Descriptor{
				ID:                  filename + "-v" + version,
				Title:               m.Title,
				Version:             version,
				Inputs:              slices.Clone(inputs),
				ImagingModality:     m.ImagingModality,
				Subject:             m.Subject,
				Description:         m.Description,
				SampleData:          sampleData,
				SegmentNames:        slices.Clone(m.SegmentNames),
				SegmentationTimeGPU: m.SegmentationTimeGPU,
				SegmentationTimeCPU: m.SegmentationTimeCPU,
				URL:                 v.URL,
				Deprecated:          i > 0,
			})
		}
	}
	return c, nil
}

func parseSampleData(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("sampleData: %w", err)
	}
	return many, nil
}

// Models lists catalog entries in file order.
func (c *Catalog) Models(includeDeprecated bool) []Descriptor {
	out := make([]Descriptor, 0, len(c.models))
	for _, m := range c.models {
		if m.Deprecated && !includeDeprecated {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Resolve returns the descriptor of model id.
func (c *Catalog) Resolve(id string) (Descriptor, error) {
	i := slices.IndexFunc(c.models, func(d Descriptor) bool { return d.ID == id })
	if i < 0 {
		return Descriptor{}, fmt.Errorf("%w: %s", model.ErrModelNotFound, id)
	}
	return c.models[i], nil
}

// Default returns the first model of the catalog.
func (c *Catalog) Default() (Descriptor, error) {
	if len(c.models) == 0 {
		return Descriptor{}, fmt.Errorf("%w: catalog is empty", model.ErrModelNotFound)
	}
	return c.models[0], nil
}

func (c *Catalog) ModelsDir() string {
	return c.dir
}
