package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/uptrace/bun"
)

// Relationship kinds stored in catalog.entity_relationships.relation.
const (
	RelationContains = "contains"
	RelationHas      = "has"
	// RelationUpstream edges point downstream: from_id is upstream of to_id.
	RelationUpstream = "upstream"
)

// TagSourceGlossary marks a tag label that is a glossary term.
const TagSourceGlossary = "Glossary"

const tierPrefix = "Tier."

// Entity is a catalog asset as stored in the primary store.
type Entity struct {
	bun.BaseModel `bun:"table:catalog.entities,alias:e"`

	ID          string     `bun:"id,pk" json:"id"`
	Type        string     `bun:"entity_type,notnull" json:"entityType"`
	FQN         string     `bun:"fqn,notnull" json:"fullyQualifiedName"`
	FQNHash     string     `bun:"fqn_hash,notnull" json:"-"`
	Name        string     `bun:"name,notnull" json:"name"`
	DisplayName string     `bun:"display_name" json:"displayName,omitempty"`
	Description string     `bun:"description" json:"description,omitempty"`
	ServiceType string     `bun:"service_type" json:"serviceType,omitempty"`
	Attributes  Attributes `bun:"attributes,type:jsonb" json:"attributes"`
	Deleted     bool       `bun:"deleted,notnull" json:"deleted"`
	UpdatedAt   int64      `bun:"updated_at,notnull" json:"updatedAt"`
}

// Attributes holds the type-specific parts of an entity that feed the
// search document and the embedding text.
type Attributes struct {
	Tags          []TagLabel        `json:"tags,omitempty"`
	Owners        []EntityReference `json:"owners,omitempty"`
	Domains       []EntityReference `json:"domains,omitempty"`
	Certification string            `json:"certification,omitempty"`
	Columns       []Column          `json:"columns,omitempty"`

	// glossaryTerm
	Synonyms     []string `json:"synonyms,omitempty"`
	RelatedTerms []string `json:"relatedTerms,omitempty"`

	// metric
	MetricType        string            `json:"metricType,omitempty"`
	UnitOfMeasurement string            `json:"unitOfMeasurement,omitempty"`
	Granularity       string            `json:"granularity,omitempty"`
	Expression        *MetricExpression `json:"metricExpression,omitempty"`
	RelatedMetrics    []string          `json:"relatedMetrics,omitempty"`

	Extension map[string]any `json:"extension,omitempty"`
}

// TagLabel is a classification tag or glossary term applied to an entity.
type TagLabel struct {
	TagFQN string `json:"tagFQN"`
	Source string `json:"source,omitempty"`
}

// EntityReference points at another entity (owner, domain).
type EntityReference struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
	FQN  string `json:"fullyQualifiedName,omitempty"`
}

// Column of a table entity.
type Column struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// MetricExpression is the code that defines a metric.
type MetricExpression struct {
	Language string `json:"language,omitempty"`
	Code     string `json:"code"`
}

// Relationship is a directed edge between two entities.
type Relationship struct {
	bun.BaseModel `bun:"table:catalog.entity_relationships,alias:r"`

	FromID     string          `bun:"from_id,pk"`
	ToID       string          `bun:"to_id,pk"`
	Relation   string          `bun:"relation,pk"`
	FromEntity string          `bun:"from_entity,notnull"`
	ToEntity   string          `bun:"to_entity,notnull"`
	Details    json.RawMessage `bun:"details,type:jsonb"`
	Deleted    bool            `bun:"deleted,notnull"`
}

// TimeSeriesRow is one row of a time-series collection, keyed for keyset
// paging by (Timestamp, EntityFQNHash).
type TimeSeriesRow struct {
	bun.BaseModel `bun:"table:catalog.entity_time_series,alias:ts"`

	Collection    string          `bun:"collection,pk"`
	Timestamp     int64           `bun:"timestamp,pk"`
	EntityFQNHash string          `bun:"entity_fqn_hash,pk"`
	EntityFQN     string          `bun:"entity_fqn,notnull"`
	EntityID      string          `bun:"entity_id,nullzero"`
	Payload       json.RawMessage `bun:"payload,type:jsonb"`
}

// HashFQN returns the stable hash stored alongside an FQN.
func HashFQN(fqn string) string {
	sum := sha256.Sum256([]byte(fqn))
	return hex.EncodeToString(sum[:])
}

// DecodeTimeSeries turns a time-series payload into an entity. Row keys
// fill in fields the payload omits; the type defaults to the collection.
func DecodeTimeSeries(collection string, row TimeSeriesRow) (*Entity, error) {
	if len(row.Payload) == 0 {
		return nil, errors.New("empty payload")
	}
	e := new(Entity)
	if err := json.Unmarshal(row.Payload, e); err != nil {
		return nil, err
	}
	if e.ID == "" {
		e.ID = row.EntityID
	}
	if e.FQN == "" {
		e.FQN = row.EntityFQN
	}
	if e.Type == "" {
		e.Type = collection
	}
	if e.ID == "" {
		return nil, errors.New("payload has no entity id")
	}
	e.FQNHash = row.EntityFQNHash
	return e, nil
}

// Tier returns the first "Tier.*" tag, or "".
func (e *Entity) Tier() string {
	for _, t := range e.Attributes.Tags {
		if strings.HasPrefix(t.TagFQN, tierPrefix) {
			return t.TagFQN
		}
	}
	return ""
}

// ClassificationTags returns sorted non-glossary, non-tier tag FQNs.
func (e *Entity) ClassificationTags() []string {
	var out []string
	for _, t := range e.Attributes.Tags {
		if t.Source == TagSourceGlossary || strings.HasPrefix(t.TagFQN, tierPrefix) {
			continue
		}
		out = append(out, t.TagFQN)
	}
	sort.Strings(out)
	return out
}

// GlossaryTerms returns sorted glossary term FQNs applied as tags.
func (e *Entity) GlossaryTerms() []string {
	var out []string
	for _, t := range e.Attributes.Tags {
		if t.Source == TagSourceGlossary {
			out = append(out, t.TagFQN)
		}
	}
	sort.Strings(out)
	return out
}

// AllTagFQNs returns every tag FQN (classification, tier, glossary), sorted.
func (e *Entity) AllTagFQNs() []string {
	out := make([]string, 0, len(e.Attributes.Tags))
	for _, t := range e.Attributes.Tags {
		out = append(out, t.TagFQN)
	}
	sort.Strings(out)
	return out
}

// OwnerNames renders owners as "<type>.<name>", sorted.
func (e *Entity) OwnerNames() []string {
	var out []string
	for _, o := range e.Attributes.Owners {
		switch {
		case o.Name == "":
			continue
		case o.Type != "":
			out = append(out, strings.ToLower(o.Type)+"."+o.Name)
		default:
			out = append(out, o.Name)
		}
	}
	sort.Strings(out)
	return out
}

// DomainFQNs returns sorted domain FQNs.
func (e *Entity) DomainFQNs() []string {
	var out []string
	for _, d := range e.Attributes.Domains {
		if d.FQN != "" {
			out = append(out, d.FQN)
		}
	}
	sort.Strings(out)
	return out
}

// CascadeRelations lists the relations whose children are reindexed after
// this entity is reindexed.
func CascadeRelations(entityType string) []string {
	switch entityType {
	case "domain", "dataProduct":
		return []string{RelationContains, RelationHas}
	default:
		return []string{RelationContains}
	}
}
