package searchindex

import (
	"fmt"
	"slices"
	"sort"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
)

// Filter markers: AnyMarker matches documents where the field is set,
// NoneMarker where it is not. They may be combined with regular values.
const (
	AnyMarker  = "__ANY__"
	NoneMarker = "__NONE__"
)

// Filters maps a filter key to accepted values. Keys are ANDed; values of one
// key are ORed. Known keys are tags, owners, domains, tier, certification,
// entityType and serviceType; any other key filters on a custom property.
type Filters map[string][]string

type fieldKind int

const (
	kindArray fieldKind = iota
	kindScalar
	kindExtension
)

type fieldSpec struct {
	kind   fieldKind
	column string
}

var knownFields = map[string]fieldSpec{
	"tags":          {kindArray, "d.tags"},
	"owners":        {kindArray, "d.owners"},
	"domains":       {kindArray, "d.domains"},
	"tier":          {kindScalar, "d.tier"},
	"certification": {kindScalar, "d.certification"},
	"entityType":    {kindScalar, "d.entity_type"},
	"serviceType":   {kindScalar, "d.service_type"},
}

type clause struct {
	key     string
	spec    fieldSpec
	values  []string
	anySet  bool
	noneSet bool
}

// clauses returns the non-empty filters in key order.
func (f Filters) clauses() []clause {
	keys := make([]string, 0, len(f))
	for k, v := range f {
		if len(v) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]clause, 0, len(keys))
	for _, k := range keys {
		spec, ok := knownFields[k]
		if !ok {
			spec = fieldSpec{kind: kindExtension}
		}
		c := clause{key: k, spec: spec}
		for _, v := range f[k] {
			switch v {
			case AnyMarker:
				c.anySet = true
			case NoneMarker:
				c.noneSet = true
			default:
				c.values = append(c.values, v)
			}
		}
		out = append(out, c)
	}
	return out
}

// Apply adds the filters to a query over search.documents aliased as d.
// deleted = false is always applied.
func (f Filters) Apply(q *bun.SelectQuery) *bun.SelectQuery {
	q = q.Where("d.deleted = false")
	for _, c := range f.clauses() {
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return c.apply(q)
		})
	}
	return q
}

func (c clause) apply(q *bun.SelectQuery) *bun.SelectQuery {
	switch c.spec.kind {
	case kindArray:
		if len(c.values) > 0 {
			q = q.WhereOr(fmt.Sprintf("%s && ?", c.spec.column), pq.Array(c.values))
		}
		if c.anySet {
			q = q.WhereOr(fmt.Sprintf("cardinality(%s) > 0", c.spec.column))
		}
		if c.noneSet {
			q = q.WhereOr(fmt.Sprintf("cardinality(%s) = 0", c.spec.column))
		}
	case kindScalar:
		if len(c.values) > 0 {
			q = q.WhereOr(fmt.Sprintf("%s IN (?)", c.spec.column), bun.In(c.values))
		}
		if c.anySet {
			q = q.WhereOr(fmt.Sprintf("%s <> ''", c.spec.column))
		}
		if c.noneSet {
			q = q.WhereOr(fmt.Sprintf("%s = ''", c.spec.column))
		}
	case kindExtension:
		if len(c.values) > 0 {
			q = q.WhereOr("d.doc->'extension'->>? IN (?)", c.key, bun.In(c.values))
		}
		if c.anySet {
			q = q.WhereOr("coalesce(d.doc->'extension'->>?, '') <> ''", c.key)
		}
		if c.noneSet {
			q = q.WhereOr("coalesce(d.doc->'extension'->>?, '') = ''", c.key)
		}
	}
	return q
}

// Match evaluates the filters against a document in memory with the same
// semantics as Apply.
func (f Filters) Match(doc *Document) bool {
	if doc.Deleted {
		return false
	}
	for _, c := range f.clauses() {
		if !c.match(doc) {
			return false
		}
	}
	return true
}

func (c clause) match(doc *Document) bool {
	var present []string
	switch c.key {
	case "tags":
		present = doc.Tags
	case "owners":
		present = doc.Owners
	case "domains":
		present = doc.Domains
	case "tier":
		present = nonEmpty(doc.Tier)
	case "certification":
		present = nonEmpty(doc.Certification)
	case "entityType":
		present = nonEmpty(doc.EntityType)
	case "serviceType":
		present = nonEmpty(doc.ServiceType)
	default:
		if v, ok := doc.Extension[c.key]; ok && v != nil {
			present = nonEmpty(fmt.Sprint(v))
		}
	}

	if c.anySet && len(present) > 0 {
		return true
	}
	if c.noneSet && len(present) == 0 {
		return true
	}
	for _, v := range c.values {
		if slices.Contains(present, v) {
			return true
		}
	}
	return false
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
