package mapping

import (
	"slices"

	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/resolution"
)

// ConceptColumn and ConceptTypeColumn are the fixed columns of a concepts file.
const (
	ConceptColumn     = "concept"
	ConceptTypeColumn = "concept_type"
)

// MapConcept builds a concept from a concepts row. Time concepts are stored as
// entity domains; the concept_type column keeps the declared time type.
func MapConcept(row domain.Properties, datasetID, filename string) domain.Concept {
	props := ConceptProperties(row)
	conceptType := props.Get(ConceptTypeColumn).Text()
	if domain.IsTimeConceptType(conceptType) {
		conceptType = domain.ConceptTypeEntityDomain
	}
	c := domain.Concept{
		Meta:     domain.Meta{Dataset: datasetID},
		Gid:      props.Get(ConceptColumn).Text(),
		Type:     conceptType,
		SubsetOf: []string{},
	}
	if filename != "" {
		c.Sources = []string{filename}
	}
	return c.WithProperties(props)
}

// EntityContext carries what MapEntity needs besides the row.
type EntityContext struct {
	DatasetID    string
	Filename     string
	Concepts     *resolution.ConceptIndex
	TimeConcepts map[string]domain.Concept
	Classified   resolution.SetsAndDomain
	// Sources are the files of the version the entity replaces.
	Sources []string
}

// MapEntity builds an entity from an entities row.
func MapEntity(row domain.Properties, ctx EntityContext) domain.Entity {
	props := EntityProperties(row, ctx.Concepts)
	gid := props.Get(ctx.Classified.EntitySet.Gid).Text()

	e := domain.Entity{
		Meta:             domain.Meta{Dataset: ctx.DatasetID},
		Gid:              gid,
		Domain:           ctx.Classified.EntityDomain.OriginID,
		ParsedProperties: ParseTimeProperties(ctx.Classified.EntityDomain, gid, props, ctx.TimeConcepts),
	}
	return e.WithProperties(props).
		WithSets(ctx.Classified.SetOriginIDs).
		WithSources(append(slices.Clone(ctx.Sources), ctx.Filename)...)
}

// MapEntityFoundInDatapoint builds the entity for a dimension value that no
// entities file declares.
func MapEntityFoundInDatapoint(missing resolution.MissingEntity, datasetID, filename string) domain.Entity {
	sets := []string{}
	if missing.Concept.Type == domain.ConceptTypeEntitySet {
		sets = []string{missing.Concept.OriginID}
	}
	props := domain.Properties{missing.Concept.Gid: domain.String(missing.Gid)}
	e := domain.Entity{
		Meta:             domain.Meta{Dataset: datasetID},
		Gid:              missing.Gid,
		Domain:           missing.Domain.OriginID,
		ParsedProperties: ParseTimeProperties(missing.Concept, missing.Gid, props, nil),
	}
	return e.WithProperties(props).WithSets(sets).WithSources(filename)
}

// DatapointContext carries the resolved layout of the file a row comes from.
type DatapointContext struct {
	DatasetID  string
	Filename   string
	Layout     resolution.DatapointsLayout
	Dimensions resolution.ResolvedDimensions
}

// MapDatapoints builds one datapoint per measure column present in the row.
func MapDatapoints(row domain.Properties, ctx DatapointContext) []domain.Datapoint {
	dimensionsConcepts := ctx.Layout.DimensionsConcepts()
	out := make([]domain.Datapoint, 0, len(ctx.Layout.Measures))
	for _, measure := range ctx.Layout.Measures {
		value, ok := row[measure.Gid]
		if !ok {
			continue
		}
		dp := domain.Datapoint{
			Meta:               domain.Meta{Dataset: ctx.DatasetID},
			Measure:            measure.OriginID,
			Dimensions:         slices.Clone(ctx.Dimensions.EntityOriginIDs),
			DimensionsConcepts: dimensionsConcepts,
			Sources:            []string{ctx.Filename},
		}
		if dp.Dimensions == nil {
			dp.Dimensions = []string{}
		}
		if ctx.Dimensions.Time != nil {
			t := *ctx.Dimensions.Time
			dp.Time = &t
		}
		out = append(out, dp.WithValue(value).WithProperties(row))
	}
	return out
}
