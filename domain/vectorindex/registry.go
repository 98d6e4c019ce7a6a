package vectorindex

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/emergent-company/catalog-sync/domain/searchindex"
)

// Capability describes how documents of one entity type are embedded.
type Capability struct {
	VectorIndexable bool     `yaml:"vectorIndexable"`
	EmbeddingFields []string `yaml:"embeddingFields"`
}

// Registry maps entity types to their vector capabilities. Types it does
// not know are not vector-indexable.
type Registry struct {
	caps map[string]Capability
}

// registryFile is the on-disk shape of VECTOR_CAPABILITIES_FILE:
//
//	types:
//	  table:
//	    vectorIndexable: true
//	  tag:
//	    vectorIndexable: false
type registryFile struct {
	Types map[string]Capability `yaml:"types"`
}

var defaultVectorTypes = []string{
	"apiEndpoint",
	"chart",
	"container",
	"dashboard",
	"dashboardDataModel",
	"dataProduct",
	"database",
	"databaseSchema",
	"domain",
	"glossary",
	"glossaryTerm",
	"metric",
	"mlmodel",
	"pipeline",
	"searchIndex",
	"storedProcedure",
	"table",
	"topic",
}

// DefaultRegistry returns the built-in capabilities.
func DefaultRegistry() *Registry {
	r := &Registry{caps: make(map[string]Capability, len(defaultVectorTypes))}
	for _, t := range defaultVectorTypes {
		r.caps[t] = Capability{
			VectorIndexable: true,
			EmbeddingFields: []string{searchindex.FieldEmbedding},
		}
	}
	return r
}

// LoadRegistry returns the built-in capabilities overridden by the YAML file
// at path. An empty path yields the defaults.
func LoadRegistry(path string) (*Registry, error) {
	r := DefaultRegistry()
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capabilities file: %w", err)
	}
	if err := r.merge(data); err != nil {
		return nil, fmt.Errorf("parse capabilities file %s: %w", path, err)
	}
	return r, nil
}

func (r *Registry) merge(data []byte) error {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}
	for t, c := range f.Types {
		if t == "" {
			return fmt.Errorf("empty entity type")
		}
		if c.VectorIndexable && len(c.EmbeddingFields) == 0 {
			c.EmbeddingFields = []string{searchindex.FieldEmbedding}
		}
		r.caps[t] = c
	}
	return nil
}

// Lookup returns the capability of entityType; the zero Capability when
// the type is unknown.
func (r *Registry) Lookup(entityType string) Capability {
	return r.caps[entityType]
}

// IsVectorIndexable reports whether documents of entityType carry embeddings.
func (r *Registry) IsVectorIndexable(entityType string) bool {
	return r.caps[entityType].VectorIndexable
}

// VectorTypes returns the vector-indexable types, sorted.
func (r *Registry) VectorTypes() []string {
	var out []string
	for t, c := range r.caps {
		if c.VectorIndexable {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
