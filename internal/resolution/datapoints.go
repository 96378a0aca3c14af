package resolution

import (
	"sort"
	"strings"

	"github.com/rpattn/ddfstore/internal/datapackage"
	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/errors"
)

// DatapointsLayout describes how the columns of a datapoints resource map to
// concepts.
type DatapointsLayout struct {
	// Dimensions are sorted by gid, which fixes the order of datapoint dimensions.
	Dimensions []domain.Concept
	Measures   []domain.Concept
}

// ResolveDimensionsAndMeasures looks the key and indicator columns of a
// datapoints resource up in the concept index.
func ResolveDimensionsAndMeasures(resource *datapackage.Resource, concepts *ConceptIndex) (DatapointsLayout, error) {
	if resource == nil {
		return DatapointsLayout{}, errors.New("datapoints resource is missing")
	}
	var layout DatapointsLayout
	for _, gid := range resource.Indicators {
		if c, ok := concepts.Get(gid); ok {
			layout.Measures = append(layout.Measures, c)
		}
	}
	for _, gid := range resource.Dimensions {
		if c, ok := concepts.Get(gid); ok {
			layout.Dimensions = append(layout.Dimensions, c)
		}
	}
	if len(layout.Measures) == 0 {
		return DatapointsLayout{}, errors.Newf("measures were not found for indicators: %s from resource %s",
			strings.Join(resource.Indicators, ","), resource.Path)
	}
	if len(layout.Dimensions) == 0 {
		return DatapointsLayout{}, errors.Newf("dimensions were not found for dimensions: %s from resource %s",
			strings.Join(resource.Dimensions, ","), resource.Path)
	}
	sort.Slice(layout.Dimensions, func(i, j int) bool { return layout.Dimensions[i].Gid < layout.Dimensions[j].Gid })
	return layout, nil
}

// DimensionsConcepts returns the lineage ids of the dimension concepts and of the
// domains owning them, without duplicates.
func (l DatapointsLayout) DimensionsConcepts() []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, c := range l.Dimensions {
		add(c.Domain)
		add(c.OriginID)
	}
	return out
}

// ResolvedDimensions is the storage form of the key columns of one row.
type ResolvedDimensions struct {
	EntityOriginIDs []string
	Time            *domain.TimeDescriptor
}

// ResolveDimensions maps the key columns of a datapoint row to entity lineage
// ids. Time dimensions are parsed into a time descriptor instead. Entities are
// looked up in current first, then previous. Dimensions whose entity is not
// known are reported through the error.
func ResolveDimensions(row domain.Properties, layout DatapointsLayout, current, previous *Segregated) (ResolvedDimensions, error) {
	var out ResolvedDimensions
	var missing []string
	for _, concept := range layout.Dimensions {
		gid := row.Get(concept.Gid).Text()
		if gid == "" {
			continue
		}
		if concept.IsTime() {
			timeType, millis, err := domain.ParseTime(gid)
			if err != nil {
				return ResolvedDimensions{}, errors.Wrapf(err, "time dimension %s", concept.Gid)
			}
			out.Time = &domain.TimeDescriptor{ConceptGid: concept.Gid, TimeType: timeType, Millis: millis}
			continue
		}
		entity, ok := current.Lookup(gid, concept)
		if !ok {
			entity, ok = previous.Lookup(gid, concept)
		}
		if !ok {
			missing = append(missing, concept.Gid+"="+gid)
			continue
		}
		out.EntityOriginIDs = append(out.EntityOriginIDs, entity.OriginID)
	}
	if len(missing) > 0 {
		return out, errors.Wrapf(errors.ErrNotFound, "entities for dimensions %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// MissingEntity is a dimension value that names an entity never declared in an
// entities file.
type MissingEntity struct {
	Gid     string
	Concept domain.Concept
	Domain  domain.Concept
}

// FindEntitiesInDatapoint returns the dimension values of row that have no entity
// yet. Time dimensions are included so that their values become entities of the
// time domain. A gid is reported once per row.
func FindEntitiesInDatapoint(row domain.Properties, layout DatapointsLayout, concepts *ConceptIndex, known *Segregated) []MissingEntity {
	seen := map[string]struct{}{}
	var found []MissingEntity
	for _, concept := range layout.Dimensions {
		gid := row.Get(concept.Gid).Text()
		if gid == "" {
			continue
		}
		if _, ok := seen[gid]; ok {
			continue
		}
		if known != nil {
			if _, ok := known.ByGid[gid]; ok {
				continue
			}
		}
		owner, ok := concepts.DomainOf(concept)
		if !ok {
			owner = concept
		}
		seen[gid] = struct{}{}
		found = append(found, MissingEntity{Gid: gid, Concept: concept, Domain: owner})
	}
	return found
}
