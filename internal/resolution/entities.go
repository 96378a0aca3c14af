package resolution

import (
	"slices"
	"sort"

	"github.com/rpattn/ddfstore/internal/datapackage"
	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/errors"
)

// SetsAndDomain is the classification of one entity row.
type SetsAndDomain struct {
	// EntitySet is the key concept of the resource. It is the domain itself for
	// files keyed by an entity_domain.
	EntitySet    domain.Concept
	EntityDomain domain.Concept
	// SetOriginIDs are the sorted lineage ids of the sets the row belongs to.
	SetOriginIDs []string
}

// ResolveSetsAndDomain classifies a row of an entities resource. The row belongs
// to the key set of the resource and to every set whose "is--<set>" column is
// true.
func ResolveSetsAndDomain(resource *datapackage.Resource, concepts *ConceptIndex, row domain.Properties) (SetsAndDomain, error) {
	if resource == nil {
		return SetsAndDomain{}, errors.New("entities resource is missing")
	}
	keyConcept, ok := concepts.Get(resource.Concept)
	if !ok {
		return SetsAndDomain{}, errors.Wrapf(errors.ErrNotFound, "concept %q of resource %s", resource.Concept, resource.Path)
	}
	domainConcept, ok := concepts.DomainOf(keyConcept)
	if !ok {
		return SetsAndDomain{}, errors.Wrapf(errors.ErrNotFound, "domain of concept %q", keyConcept.Gid)
	}

	sets := map[string]struct{}{}
	if keyConcept.Type == domain.ConceptTypeEntitySet {
		sets[keyConcept.OriginID] = struct{}{}
	}
	for _, setGid := range resource.EntitySets {
		member, ok := domain.ParseBool(row.Get(datapackage.SetColumnPrefix + setGid))
		if !ok || !member {
			continue
		}
		set, ok := concepts.Get(setGid)
		if !ok || set.Type != domain.ConceptTypeEntitySet {
			continue
		}
		sets[set.OriginID] = struct{}{}
	}

	ids := make([]string, 0, len(sets))
	for id := range sets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return SetsAndDomain{EntitySet: keyConcept, EntityDomain: domainConcept, SetOriginIDs: ids}, nil
}

// Segregated groups entities for dimension lookups. Files of one domain may
// repeat a gid, so lookups go by gid plus domain or set before falling back to
// the gid alone.
type Segregated struct {
	ByDomain     map[string]domain.Entity
	BySet        map[string]domain.Entity
	ByGid        map[string]domain.Entity
	GroupedByGid map[string][]domain.Entity
}

// SegregateEntities indexes entities. Entities without sets are keyed by
// "<gid>-<domain>", the others by "<gid>-<first set>".
func SegregateEntities(entities []domain.Entity) *Segregated {
	s := &Segregated{
		ByDomain:     make(map[string]domain.Entity),
		BySet:        make(map[string]domain.Entity),
		ByGid:        make(map[string]domain.Entity),
		GroupedByGid: make(map[string][]domain.Entity),
	}
	for _, e := range entities {
		s.Add(e)
	}
	return s
}

// Add indexes one more entity.
func (s *Segregated) Add(e domain.Entity) {
	if len(e.Sets) == 0 {
		s.ByDomain[key(e.Gid, e.Domain)] = e
	} else {
		s.BySet[key(e.Gid, e.Sets[0])] = e
	}
	s.ByGid[e.Gid] = e
	s.GroupedByGid[e.Gid] = append(s.GroupedByGid[e.Gid], e)
}

// Lookup finds the entity a dimension value refers to for the given concept.
func (s *Segregated) Lookup(gid string, concept domain.Concept) (domain.Entity, bool) {
	if s == nil {
		return domain.Entity{}, false
	}
	k := key(gid, concept.OriginID)
	if e, ok := s.ByDomain[k]; ok {
		return e, true
	}
	if e, ok := s.BySet[k]; ok {
		return e, true
	}
	for _, e := range s.GroupedByGid[gid] {
		if matchesDimension(e, concept) {
			return e, true
		}
	}
	e, ok := s.ByGid[gid]
	return e, ok
}

func key(gid, originID string) string {
	return gid + "-" + originID
}

// matchesDimension decides whether an entity can stand for a dimension concept:
// domain concepts take entities of that domain without sets, set concepts take
// members of the set.
func matchesDimension(e domain.Entity, concept domain.Concept) bool {
	switch concept.Type {
	case domain.ConceptTypeEntityDomain:
		return e.Domain == concept.OriginID && len(e.Sets) == 0
	case domain.ConceptTypeEntitySet:
		return e.Domain == concept.Domain && slices.Contains(e.Sets, concept.OriginID)
	}
	return false
}
