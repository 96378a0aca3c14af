package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/resolution"
)

func testConcepts() *resolution.ConceptIndex {
	return resolution.NewConceptIndex([]domain.Concept{
		{Meta: domain.Meta{OriginID: "o-geo"}, Gid: "geo", Type: domain.ConceptTypeEntityDomain},
		{Meta: domain.Meta{OriginID: "o-country"}, Gid: "country", Type: domain.ConceptTypeEntitySet, Domain: "o-geo"},
		{Meta: domain.Meta{OriginID: "o-year"}, Gid: "year", Type: domain.ConceptTypeEntityDomain,
			Properties: domain.Properties{"concept_type": domain.String("year")}},
		{Meta: domain.Meta{OriginID: "o-pop"}, Gid: "population", Type: domain.ConceptTypeMeasure},
	})
}

func TestEntityProperties(t *testing.T) {
	props := EntityProperties(domain.Properties{
		"is--country": domain.String("TRUE"),
		"population":  domain.String("42"),
		"name":        domain.String("Sweden"),
		"code":        domain.Number(7),
	}, testConcepts())

	assert.Equal(t, domain.Bool(true), props["is--country"])
	assert.Equal(t, domain.Number(42), props["population"])
	assert.Equal(t, domain.String("Sweden"), props["name"])
	assert.Equal(t, domain.String("7"), props["code"])
}

func TestConceptProperties(t *testing.T) {
	props := ConceptProperties(domain.Properties{
		"concept":  domain.String("geo"),
		"color":    domain.String(`{"palette": ["#fff"]}`),
		"scales":   domain.String(`not json`),
		"drill_up": domain.JSON([]any{"region"}),
		"empty":    domain.String(""),
		"rank":     domain.Number(3),
	})

	assert.Equal(t, domain.String("geo"), props["concept"])
	assert.Equal(t, domain.KindJSON, props["color"].Kind())
	assert.True(t, props["scales"].IsNull())
	assert.Equal(t, domain.KindJSON, props["drill_up"].Kind())
	assert.True(t, props["empty"].IsNull())
	assert.Equal(t, domain.String("3"), props["rank"])
}

func TestMapConcept(t *testing.T) {
	c := MapConcept(domain.Properties{
		"concept":      domain.String("year"),
		"concept_type": domain.String("year"),
		"title":        domain.String("Year"),
	}, "ds", "ddf--concepts.csv")

	assert.Equal(t, "year", c.Gid)
	assert.Equal(t, domain.ConceptTypeEntityDomain, c.Type)
	assert.Equal(t, "Year", c.Title)
	assert.True(t, c.IsTime())
	assert.Equal(t, []string{"ddf--concepts.csv"}, c.Sources)
	assert.NotNil(t, c.SubsetOf)

	named := MapConcept(domain.Properties{"concept": domain.String("pop"), "name": domain.String("Population"), "title": domain.String("ignored")}, "ds", "")
	assert.Equal(t, "Population", named.Title)
	assert.Nil(t, named.Sources)
}

func TestMapEntity(t *testing.T) {
	idx := testConcepts()
	country, _ := idx.Get("country")
	geo, _ := idx.Get("geo")

	e := MapEntity(domain.Properties{
		"country":     domain.String("swe"),
		"is--country": domain.String("TRUE"),
		"year":        domain.String("1905"),
	}, EntityContext{
		DatasetID:    "ds",
		Filename:     "ddf--entities--geo--country.csv",
		Concepts:     idx,
		TimeConcepts: idx.TimeConcepts(),
		Classified:   resolution.SetsAndDomain{EntitySet: country, EntityDomain: geo, SetOriginIDs: []string{"o-country"}},
		Sources:      []string{"old.csv"},
	})

	assert.Equal(t, "swe", e.Gid)
	assert.Equal(t, "o-geo", e.Domain)
	assert.Equal(t, []string{"o-country"}, e.Sets)
	assert.Equal(t, []string{"old.csv", "ddf--entities--geo--country.csv"}, e.Sources)
	require.Contains(t, e.ParsedProperties, "year")
	assert.Equal(t, domain.TimeTypeYear, e.ParsedProperties["year"].TimeType)
}

func TestMapEntityFoundInDatapoint(t *testing.T) {
	idx := testConcepts()
	year, _ := idx.Get("year")
	country, _ := idx.Get("country")
	geo, _ := idx.Get("geo")

	timeEntity := MapEntityFoundInDatapoint(resolution.MissingEntity{Gid: "2015", Concept: year, Domain: year}, "ds", "dp.csv")
	assert.Equal(t, "o-year", timeEntity.Domain)
	assert.Empty(t, timeEntity.Sets)
	assert.True(t, timeEntity.IsTime())

	member := MapEntityFoundInDatapoint(resolution.MissingEntity{Gid: "swe", Concept: country, Domain: geo}, "ds", "dp.csv")
	assert.Equal(t, []string{"o-country"}, member.Sets)
	assert.Equal(t, []string{"dp.csv"}, member.Sources)
	assert.False(t, member.IsTime())
}

func TestMapDatapoints(t *testing.T) {
	idx := testConcepts()
	pop, _ := idx.Get("population")
	country, _ := idx.Get("country")
	year, _ := idx.Get("year")

	row := domain.Properties{"country": domain.String("swe"), "year": domain.String("2015"), "population": domain.String("9.8e6")}
	dps := MapDatapoints(row, DatapointContext{
		DatasetID: "ds",
		Filename:  "dp.csv",
		Layout:    resolution.DatapointsLayout{Dimensions: []domain.Concept{country, year}, Measures: []domain.Concept{pop}},
		Dimensions: resolution.ResolvedDimensions{
			EntityOriginIDs: []string{"e-swe"},
			Time:            &domain.TimeDescriptor{ConceptGid: "year", TimeType: domain.TimeTypeYear, Millis: 1420070400000},
		},
	})

	require.Len(t, dps, 1)
	dp := dps[0]
	assert.Equal(t, "o-pop", dp.Measure)
	assert.Equal(t, []string{"e-swe"}, dp.Dimensions)
	assert.Equal(t, []string{"o-geo", "o-country", "o-year"}, dp.DimensionsConcepts)
	assert.True(t, dp.IsNumeric)
	assert.Equal(t, domain.Number(9.8e6), dp.Value)
	assert.Equal(t, "year", dp.Time.ConceptGid)
	assert.Equal(t, []string{"dp.csv"}, dp.Sources)
}
