package workflow

import (
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-yaml"
)

// Load reads and validates a workflow definition from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a workflow definition from YAML bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decoding workflow definition: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// -----------------------------------------------------------------------------
// Source
// -----------------------------------------------------------------------------

// Source resolves workflow definitions by id. The persistent definition
// store is an external collaborator; the engine only needs this lookup.
type Source interface {
	Get(workflowID string) (*Config, error)
}

// StaticSource serves definitions from an in-memory set, used by the
// worker in tests and by single-binary deployments that load YAML files
// at startup.
type StaticSource struct {
	configs map[string]*Config
}

func NewStaticSource(configs ...*Config) *StaticSource {
	set := make(map[string]*Config, len(configs))
	for _, cfg := range configs {
		set[cfg.ID] = cfg
	}
	return &StaticSource{configs: set}
}

func (s *StaticSource) Get(workflowID string) (*Config, error) {
	cfg, ok := s.configs[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %q not found", workflowID)
	}
	return cfg, nil
}

// Add registers another definition with the source.
func (s *StaticSource) Add(cfg *Config) {
	s.configs[cfg.ID] = cfg
}

// All returns every registered definition ordered by id.
func (s *StaticSource) All() []*Config {
	out := make([]*Config, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
