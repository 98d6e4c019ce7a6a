package vectorindex

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/pkg/textsplitter"
)

const (
	typeGlossary     = "glossary"
	typeGlossaryTerm = "glossaryTerm"
	typeMetric       = "metric"
	typeTable        = "table"
)

var (
	htmlTag    = regexp.MustCompile(`<[^>]+>`)
	whitespace = regexp.MustCompile(`\s+`)
)

// embedText is the text that is fingerprinted and embedded for one entity.
type embedText struct {
	Meta   string
	Body   string
	Chunks []string
}

func buildEmbedText(e *catalog.Entity, split textsplitter.Config) embedText {
	meta := metaLightText(e)
	body := bodyText(e)
	return embedText{
		Meta:   meta,
		Body:   body,
		Chunks: textsplitter.Split(body, split),
	}
}

// Fingerprint identifies the embedded content; equal fingerprints mean the
// stored embedding is current.
func (t embedText) Fingerprint() string {
	sum := sha256.Sum256([]byte(t.Meta + "|" + t.Body))
	return hex.EncodeToString(sum[:])
}

// TextToEmbed is the meta text followed by the first chunk of the body.
func (t embedText) TextToEmbed() string {
	return fmt.Sprintf("%s%s | chunk %d/%d", t.Meta, t.Chunks[0], 1, len(t.Chunks))
}

// metaLightText renders the short, structured part of the embedded text:
// identity, classification and ownership. Lists are sorted so the text is
// stable across writes.
func metaLightText(e *catalog.Entity) string {
	attrs := e.Attributes
	glossaryLike := e.Type == typeGlossary || e.Type == typeGlossaryTerm

	parts := []string{
		"name: " + orEmpty(e.Name),
		"displayName: " + orEmpty(e.DisplayName),
		"entityType: " + e.Type,
		"serviceType: " + orEmpty(e.ServiceType),
		"fullyQualifiedName: " + orEmpty(e.FQN),
	}

	if e.Type == typeGlossaryTerm {
		parts = append(parts,
			"synonyms: "+joinOrEmpty(attrs.Synonyms),
			"relatedTerms: "+joinOrEmpty(attrs.RelatedTerms),
		)
	}

	if e.Type == typeMetric {
		if attrs.MetricType != "" {
			parts = append(parts, "metricType: "+attrs.MetricType)
		}
		if attrs.UnitOfMeasurement != "" {
			parts = append(parts, "unitOfMeasurement: "+attrs.UnitOfMeasurement)
		}
		if attrs.Granularity != "" {
			parts = append(parts, "granularity: "+attrs.Granularity)
		}
		if x := attrs.Expression; x != nil && x.Code != "" {
			parts = append(parts, fmt.Sprintf("metricCode: ```%s\n%s\n```", x.Language, x.Code))
		}
		if len(attrs.RelatedMetrics) > 0 {
			parts = append(parts, "relatedMetrics: "+joinOrEmpty(attrs.RelatedMetrics))
		}
	}

	if !glossaryLike {
		parts = append(parts,
			"tier: "+orEmpty(e.Tier()),
			"certification: "+orEmpty(attrs.Certification),
		)
	}

	parts = append(parts,
		"domains: "+joinOrEmpty(e.DomainFQNs()),
		"tags: "+joinOrEmpty(e.ClassificationTags()),
	)

	if !glossaryLike {
		parts = append(parts, "Associated glossary terms: "+joinOrEmpty(e.GlossaryTerms()))
	}

	parts = append(parts,
		"owners: "+joinOrEmpty(e.OwnerNames()),
		"customProperties: "+customProperties(attrs.Extension),
	)

	return strings.Join(parts, "; ") + " | "
}

// bodyText renders the long, free-text part that gets chunked.
func bodyText(e *catalog.Entity) string {
	parts := []string{"description: " + removeHTML(orEmpty(e.Description))}
	if e.Type == typeTable {
		parts = append(parts, "columns: "+columnsText(e.Attributes.Columns))
	}
	return strings.Join(parts, "; ")
}

func columnsText(cols []catalog.Column) string {
	if len(cols) == 0 {
		return "[]"
	}
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		desc := strings.TrimSpace(c.Description)
		if desc == "" || strings.EqualFold(desc, "null") {
			out = append(out, c.Name)
			continue
		}
		out = append(out, c.Name+" ("+desc+")")
	}
	return strings.Join(out, ", ")
}

func customProperties(ext map[string]any) string {
	if len(ext) == 0 {
		return "[]"
	}
	// map keys marshal sorted
	b, err := json.Marshal(ext)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func removeHTML(s string) string {
	if s == "" {
		return ""
	}
	s = htmlTag.ReplaceAllString(s, " ")
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

func orEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "[]"
	}
	return s
}

// joinOrEmpty joins a sorted copy of values.
func joinOrEmpty(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	return strings.Join(slices.Sorted(slices.Values(values)), ", ")
}
