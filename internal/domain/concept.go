package domain

import "slices"

// Concept types.
const (
	ConceptTypeMeasure      = "measure"
	ConceptTypeEntityDomain = "entity_domain"
	ConceptTypeEntitySet    = "entity_set"
	ConceptTypeString       = "string"
	ConceptTypeTime         = "time"
)

var timeConceptTypes = []string{"time", "year", "quarter", "month", "week", "day"}

// IsTimeConceptType reports whether a concept_type column denotes a time concept.
func IsTimeConceptType(conceptType string) bool {
	return slices.Contains(timeConceptTypes, conceptType)
}

// Concept is one versioned concept definition.
type Concept struct {
	Meta
	Gid        string     `json:"gid"`
	Type       string     `json:"type"`
	Title      string     `json:"title,omitempty"`
	Properties Properties `json:"properties"`
	// Domain is the lineage id of the owning entity_domain.
	Domain     string   `json:"domain,omitempty"`
	SubsetOf   []string `json:"subsetOf"`
	Dimensions []string `json:"dimensions,omitempty"`
	Sources    []string `json:"sources,omitempty"`
}

func (c Concept) VersionMeta() Meta { return c.Meta }

func (c Concept) WithVersionMeta(m Meta) Concept {
	next := c.clone()
	next.Meta = m
	return next
}

// WithProperties returns a copy carrying props and the title derived from them.
func (c Concept) WithProperties(props Properties) Concept {
	next := c.clone()
	next.Properties = props.Clone()
	if title := conceptTitle(props); title != "" {
		next.Title = title
	}
	return next
}

// WithDomain returns a copy owned by the given entity_domain lineage.
func (c Concept) WithDomain(domainOriginID string) Concept {
	next := c.clone()
	next.Domain = domainOriginID
	return next
}

// WithSubsetOf returns a copy with the drill-up parents replaced.
func (c Concept) WithSubsetOf(originIDs []string) Concept {
	next := c.clone()
	next.SubsetOf = slices.Clone(originIDs)
	if next.SubsetOf == nil {
		next.SubsetOf = []string{}
	}
	return next
}

// IsTime reports whether the concept was declared with a time concept_type.
func (c Concept) IsTime() bool {
	if t, ok := c.Properties.Get("concept_type").AsString(); ok {
		return IsTimeConceptType(t)
	}
	return false
}

// IsMeasure reports whether the concept holds measured values.
func (c Concept) IsMeasure() bool {
	return c.Type == ConceptTypeMeasure
}

// IsEntityKind reports whether entities can be keyed by the concept.
func (c Concept) IsEntityKind() bool {
	return c.Type == ConceptTypeEntityDomain || c.Type == ConceptTypeEntitySet
}

func (c Concept) clone() Concept {
	next := c
	next.Meta = c.Meta.clone()
	next.Properties = c.Properties.Clone()
	next.SubsetOf = slices.Clone(c.SubsetOf)
	next.Dimensions = slices.Clone(c.Dimensions)
	next.Sources = slices.Clone(c.Sources)
	return next
}

func conceptTitle(props Properties) string {
	if name, ok := props.Get("name").AsString(); ok && name != "" {
		return name
	}
	if title, ok := props.Get("title").AsString(); ok {
		return title
	}
	return ""
}
