package domain

import "slices"

// Entity is one versioned member of an entity_domain, optionally belonging to
// entity_sets of that domain.
type Entity struct {
	Meta
	Gid string `json:"gid"`
	// Domain is the lineage id of the entity_domain concept.
	Domain string `json:"domain"`
	// Sets holds lineage ids of the entity_set concepts the entity belongs to.
	Sets             []string                  `json:"sets"`
	Properties       Properties                `json:"properties"`
	ParsedProperties map[string]TimeDescriptor `json:"parsedProperties,omitempty"`
	Sources          []string                  `json:"sources"`
}

func (e Entity) VersionMeta() Meta { return e.Meta }

func (e Entity) WithVersionMeta(m Meta) Entity {
	next := e.clone()
	next.Meta = m
	return next
}

// WithProperties returns a copy with the raw row replaced.
func (e Entity) WithProperties(props Properties) Entity {
	next := e.clone()
	next.Properties = props.Clone()
	return next
}

// WithSources returns a copy whose sources are the union of the current ones and files.
func (e Entity) WithSources(files ...string) Entity {
	next := e.clone()
	next.Sources = unionStrings(next.Sources, files)
	return next
}

// WithSets returns a copy with the set membership replaced.
func (e Entity) WithSets(sets []string) Entity {
	next := e.clone()
	next.Sets = slices.Clone(sets)
	if next.Sets == nil {
		next.Sets = []string{}
	}
	return next
}

// InSet reports whether the entity belongs to the set lineage.
func (e Entity) InSet(setOriginID string) bool {
	return slices.Contains(e.Sets, setOriginID)
}

// IsTime reports whether the entity carries a parsed time value.
func (e Entity) IsTime() bool {
	return len(e.ParsedProperties) > 0
}

func (e Entity) clone() Entity {
	next := e
	next.Meta = e.Meta.clone()
	next.Properties = e.Properties.Clone()
	next.Sets = slices.Clone(e.Sets)
	next.Sources = slices.Clone(e.Sources)
	if e.ParsedProperties != nil {
		next.ParsedProperties = make(map[string]TimeDescriptor, len(e.ParsedProperties))
		for k, v := range e.ParsedProperties {
			next.ParsedProperties[k] = v
		}
	}
	return next
}

func unionStrings(base []string, extra []string) []string {
	out := slices.Clone(base)
	for _, s := range extra {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}
