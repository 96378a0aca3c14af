// Package resolution resolves the domain, set and dimension relationships
// needed to turn DDF rows into versioned records.
package resolution

import (
	"sort"

	"github.com/rpattn/ddfstore/internal/domain"
)

// ConceptIndex looks concepts up by gid and by lineage id.
type ConceptIndex struct {
	byGid    map[string]domain.Concept
	byOrigin map[string]domain.Concept
}

// NewConceptIndex indexes concepts. Later slices win over earlier ones, so
// NewConceptIndex(previous, current) prefers the current definitions.
func NewConceptIndex(sets ...[]domain.Concept) *ConceptIndex {
	idx := &ConceptIndex{
		byGid:    make(map[string]domain.Concept),
		byOrigin: make(map[string]domain.Concept),
	}
	for _, concepts := range sets {
		for _, c := range concepts {
			idx.byGid[c.Gid] = c
			idx.byOrigin[c.OriginID] = c
		}
	}
	return idx
}

// Get returns the concept with the given gid.
func (idx *ConceptIndex) Get(gid string) (domain.Concept, bool) {
	if idx == nil {
		return domain.Concept{}, false
	}
	c, ok := idx.byGid[gid]
	return c, ok
}

// ByOriginID returns the concept of the given lineage.
func (idx *ConceptIndex) ByOriginID(originID string) (domain.Concept, bool) {
	if idx == nil {
		return domain.Concept{}, false
	}
	c, ok := idx.byOrigin[originID]
	return c, ok
}

// Len returns the number of indexed gids.
func (idx *ConceptIndex) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.byGid)
}

// All returns the indexed concepts sorted by gid.
func (idx *ConceptIndex) All() []domain.Concept {
	if idx == nil {
		return nil
	}
	out := make([]domain.Concept, 0, len(idx.byGid))
	for _, c := range idx.byGid {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Gid < out[j].Gid })
	return out
}

// TimeConcepts returns the concepts declared with a time concept_type.
func (idx *ConceptIndex) TimeConcepts() map[string]domain.Concept {
	out := map[string]domain.Concept{}
	if idx == nil {
		return out
	}
	for gid, c := range idx.byGid {
		if c.IsTime() {
			out[gid] = c
		}
	}
	return out
}

// DomainOf returns the entity_domain that owns c: c itself for domains and time
// concepts, the concept referenced by c.Domain for sets.
func (idx *ConceptIndex) DomainOf(c domain.Concept) (domain.Concept, bool) {
	if c.Type == domain.ConceptTypeEntityDomain {
		return c, true
	}
	if c.Domain == "" {
		return domain.Concept{}, false
	}
	return idx.ByOriginID(c.Domain)
}

// Merge returns a new index holding previous overlaid with current.
func Merge(previous, current *ConceptIndex) *ConceptIndex {
	return NewConceptIndex(previous.All(), current.All())
}
