package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/scan-orchestrator/internal/types"
)

// ModelSpec describes one model the engine may probe.
type ModelSpec struct {
	ID       string            `yaml:"id"`
	Provider types.ProviderTag `yaml:"provider"`
	// Prices are cents per million tokens.
	InputCentsPerMillion  float64 `yaml:"input_cents_per_million"`
	OutputCentsPerMillion float64 `yaml:"output_cents_per_million"`
	// UpstreamName overrides the model name sent to the gateway.
	UpstreamName string `yaml:"upstream_name,omitempty"`
}

// ModelCatalog is the static model -> provider/pricing table, resolved once
// at startup.
type ModelCatalog struct {
	models map[string]ModelSpec
}

type catalogFile struct {
	Models []ModelSpec `yaml:"models"`
}

// LoadModelCatalog reads and validates a YAML model catalog
func LoadModelCatalog(path string) (*ModelCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model catalog %s: %w", path, err)
	}
	return ParseModelCatalog(data)
}

// ParseModelCatalog validates catalog YAML held in memory
func ParseModelCatalog(data []byte) (*ModelCatalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse model catalog: %w", err)
	}

	catalog := &ModelCatalog{models: make(map[string]ModelSpec, len(file.Models))}
	for i, m := range file.Models {
		if m.ID == "" {
			return nil, fmt.Errorf("model catalog entry %d has no id", i)
		}
		if !m.Provider.Valid() {
			return nil, fmt.Errorf("model %s has unknown provider %q", m.ID, m.Provider)
		}
		if m.InputCentsPerMillion < 0 || m.OutputCentsPerMillion < 0 {
			return nil, fmt.Errorf("model %s has negative pricing", m.ID)
		}
		if _, dup := catalog.models[m.ID]; dup {
			return nil, fmt.Errorf("model %s listed twice", m.ID)
		}
		catalog.models[m.ID] = m
	}
	return catalog, nil
}

// NewModelCatalog builds a catalog from specs without validation; used by tests
// and by callers that assemble the table in code.
func NewModelCatalog(specs ...ModelSpec) *ModelCatalog {
	c := &ModelCatalog{models: make(map[string]ModelSpec, len(specs))}
	for _, s := range specs {
		c.models[s.ID] = s
	}
	return c
}

// Lookup returns the catalog entry for modelID
func (c *ModelCatalog) Lookup(modelID string) (ModelSpec, bool) {
	m, ok := c.models[modelID]
	return m, ok
}

// Provider returns the provider tag serving modelID
func (c *ModelCatalog) Provider(modelID string) (types.ProviderTag, bool) {
	m, ok := c.models[modelID]
	return m.Provider, ok
}

// IDs returns all model ids in sorted order
func (c *ModelCatalog) IDs() []string {
	ids := make([]string, 0, len(c.models))
	for id := range c.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
