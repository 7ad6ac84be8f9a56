package node

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrUnknownNodeType is returned when resolving a type absent from the
// catalog. The engine converts it into an error node result; it is
// never fatal.
var ErrUnknownNodeType = fmt.Errorf("unknown node type")

const descriptorCacheSize = 512

// Registry holds the catalog of known node kinds. It is a pure lookup
// table; execution logic lives in the templates' behaviors.
type Registry struct {
	mu          sync.RWMutex
	templates   map[string]*SpecTemplate
	descriptors *lru.Cache[string, []byte]
}

func NewRegistry() *Registry {
	cache, err := lru.New[string, []byte](descriptorCacheSize)
	if err != nil {
		// lru.New only fails on a non-positive size
		panic(err)
	}
	return &Registry{
		templates:   make(map[string]*SpecTemplate),
		descriptors: cache,
	}
}

// Register adds or replaces a node kind. Replacing an existing kind
// invalidates its cached descriptor.
func (r *Registry) Register(tpl *SpecTemplate) error {
	if tpl == nil || tpl.Type == "" {
		return fmt.Errorf("node template requires a type")
	}
	if tpl.Behavior == nil {
		return fmt.Errorf("node template %q requires a behavior", tpl.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[tpl.Type] = tpl
	r.descriptors.Remove(tpl.Type)
	return nil
}

// Resolve returns the template for a node type.
func (r *Registry) Resolve(nodeType string) (*SpecTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.templates[nodeType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, nodeType)
	}
	return tpl, nil
}

// Types returns the registered node types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.templates))
	for t := range r.templates {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// -----------------------------------------------------------------------------
// Descriptor cache
// -----------------------------------------------------------------------------

// Descriptor is the minified declaration of a node kind served to the
// API layer for editor palettes and validation.
type Descriptor struct {
	Type         string               `json:"type"`
	DisplayName  string               `json:"display_name,omitempty"`
	Inputs       []string             `json:"inputs"`
	Outputs      []string             `json:"outputs"`
	Trigger      string               `json:"trigger"`
	Isolated     bool                 `json:"isolated,omitempty"`
	ParamsSchema map[string]ParamSpec `json:"params_schema,omitempty"`
}

// DescriptorJSON returns the cached minified descriptor for a node
// type, computing it on first use. The cache is owned by the registry;
// catalog changes invalidate it through Register or
// InvalidateDescriptors rather than any process-wide state.
func (r *Registry) DescriptorJSON(nodeType string) ([]byte, error) {
	if cached, ok := r.descriptors.Get(nodeType); ok {
		return cached, nil
	}
	tpl, err := r.Resolve(nodeType)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(Descriptor{
		Type:         tpl.Type,
		DisplayName:  tpl.DisplayName,
		Inputs:       tpl.Inputs,
		Outputs:      tpl.Outputs,
		Trigger:      string(tpl.Trigger),
		Isolated:     tpl.Isolated,
		ParamsSchema: tpl.ParamsSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling descriptor for %q: %w", nodeType, err)
	}
	r.descriptors.Add(nodeType, data)
	return data, nil
}

// InvalidateDescriptors drops every cached descriptor. Wire it to
// catalog-change events.
func (r *Registry) InvalidateDescriptors() {
	r.descriptors.Purge()
}
