package resolution

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/ddfstore/internal/datapackage"
	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/errors"
)

func concept(gid, typ, domainOrigin string, props domain.Properties) domain.Concept {
	return domain.Concept{
		Meta:       domain.Meta{OriginID: "o-" + gid, Dataset: "ds"},
		Gid:        gid,
		Type:       typ,
		Domain:     domainOrigin,
		Properties: props,
	}
}

func fixtureIndex() *ConceptIndex {
	return NewConceptIndex([]domain.Concept{
		concept("geo", domain.ConceptTypeEntityDomain, "", nil),
		concept("country", domain.ConceptTypeEntitySet, "o-geo", nil),
		concept("g77", domain.ConceptTypeEntitySet, "o-geo", nil),
		concept("year", domain.ConceptTypeEntityDomain, "", domain.Properties{"concept_type": domain.String("year")}),
		concept("population", domain.ConceptTypeMeasure, "", nil),
	})
}

func resource(t *testing.T, dataType domain.DataType, raw string) *datapackage.Resource {
	t.Helper()
	res, err := datapackage.Parse(dataType, json.RawMessage(raw))
	require.NoError(t, err)
	return res
}

func TestConceptIndexCurrentWins(t *testing.T) {
	previous := []domain.Concept{concept("pop", domain.ConceptTypeString, "", nil)}
	current := []domain.Concept{concept("pop", domain.ConceptTypeMeasure, "", nil)}

	idx := NewConceptIndex(previous, current)
	c, ok := idx.Get("pop")
	require.True(t, ok)
	assert.Equal(t, domain.ConceptTypeMeasure, c.Type)

	merged := Merge(NewConceptIndex(previous), NewConceptIndex(current))
	c, _ = merged.Get("pop")
	assert.Equal(t, domain.ConceptTypeMeasure, c.Type)

	assert.Contains(t, fixtureIndex().TimeConcepts(), "year")
	assert.NotContains(t, fixtureIndex().TimeConcepts(), "geo")
}

func TestResolveSetsAndDomain(t *testing.T) {
	res := resource(t, domain.DataTypeEntities, `{
		"path": "ddf--entities--geo--country.csv",
		"schema": {"fields": [{"name": "country"}, {"name": "is--country"}, {"name": "is--g77"}], "primaryKey": "country"}
	}`)

	got, err := ResolveSetsAndDomain(res, fixtureIndex(), domain.Properties{
		"country": domain.String("usa"), "is--country": domain.String("TRUE"), "is--g77": domain.String("FALSE"),
	})
	require.NoError(t, err)
	assert.Equal(t, "country", got.EntitySet.Gid)
	assert.Equal(t, "geo", got.EntityDomain.Gid)
	assert.Equal(t, []string{"o-country"}, got.SetOriginIDs)

	got, err = ResolveSetsAndDomain(res, fixtureIndex(), domain.Properties{
		"country": domain.String("bra"), "is--g77": domain.Bool(true),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"o-country", "o-g77"}, got.SetOriginIDs)
}

func TestResolveSetsAndDomainForDomainFile(t *testing.T) {
	res := resource(t, domain.DataTypeEntities, `{"path": "ddf--entities--geo.csv", "schema": {"fields": [{"name": "geo"}], "primaryKey": ["geo"]}}`)

	got, err := ResolveSetsAndDomain(res, fixtureIndex(), domain.Properties{"geo": domain.String("usa")})
	require.NoError(t, err)
	assert.Equal(t, "geo", got.EntityDomain.Gid)
	assert.Empty(t, got.SetOriginIDs)

	missing := resource(t, domain.DataTypeEntities, `{"path": "x.csv", "schema": {"fields": [{"name": "x"}], "primaryKey": "x"}}`)
	_, err = ResolveSetsAndDomain(missing, fixtureIndex(), nil)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestResolveDimensionsAndMeasures(t *testing.T) {
	res := resource(t, domain.DataTypeDatapoints, `{
		"path": "ddf--datapoints--population--by--year--country.csv",
		"schema": {"fields": [{"name": "year"}, {"name": "country"}, {"name": "population"}], "primaryKey": ["year", "country"]}
	}`)
	layout, err := ResolveDimensionsAndMeasures(res, fixtureIndex())
	require.NoError(t, err)
	require.Len(t, layout.Dimensions, 2)
	assert.Equal(t, "country", layout.Dimensions[0].Gid)
	assert.Equal(t, "year", layout.Dimensions[1].Gid)
	assert.Equal(t, []string{"o-geo", "o-country", "o-year"}, layout.DimensionsConcepts())

	noMeasures := resource(t, domain.DataTypeDatapoints, `{"path": "p.csv", "schema": {"fields": [{"name": "geo"}, {"name": "unknown"}], "primaryKey": ["geo"]}}`)
	_, err = ResolveDimensionsAndMeasures(noMeasures, fixtureIndex())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "measures were not found")
}

func TestSegregateAndResolveDimensions(t *testing.T) {
	idx := fixtureIndex()
	country, _ := idx.Get("country")
	geo, _ := idx.Get("geo")
	year, _ := idx.Get("year")

	entities := []domain.Entity{
		{Meta: domain.Meta{OriginID: "e-usa-geo"}, Gid: "usa", Domain: "o-geo", Sets: []string{}},
		{Meta: domain.Meta{OriginID: "e-usa-country"}, Gid: "usa", Domain: "o-geo", Sets: []string{"o-country"}},
	}
	seg := SegregateEntities(entities)
	assert.Len(t, seg.GroupedByGid["usa"], 2)

	e, ok := seg.Lookup("usa", country)
	require.True(t, ok)
	assert.Equal(t, "e-usa-country", e.OriginID)

	e, ok = seg.Lookup("usa", geo)
	require.True(t, ok)
	assert.Equal(t, "e-usa-geo", e.OriginID)

	layout := DatapointsLayout{Dimensions: []domain.Concept{country, year}}
	resolved, err := ResolveDimensions(domain.Properties{"country": domain.String("usa"), "year": domain.String("2015")}, layout, seg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"e-usa-country"}, resolved.EntityOriginIDs)
	require.NotNil(t, resolved.Time)
	assert.Equal(t, domain.TimeTypeYear, resolved.Time.TimeType)
	assert.Equal(t, int64(1420070400000), resolved.Time.Millis)

	_, err = ResolveDimensions(domain.Properties{"country": domain.String("nowhere")}, layout, seg, SegregateEntities(nil))
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestFindEntitiesInDatapoint(t *testing.T) {
	idx := fixtureIndex()
	country, _ := idx.Get("country")
	year, _ := idx.Get("year")
	layout := DatapointsLayout{Dimensions: []domain.Concept{country, year}}

	known := SegregateEntities([]domain.Entity{{Gid: "usa", Domain: "o-geo"}})
	found := FindEntitiesInDatapoint(domain.Properties{"country": domain.String("usa"), "year": domain.String("2015")}, layout, idx, known)
	require.Len(t, found, 1)
	assert.Equal(t, "2015", found[0].Gid)
	assert.Equal(t, "year", found[0].Domain.Gid)

	found = FindEntitiesInDatapoint(domain.Properties{"country": domain.String("swe")}, layout, idx, known)
	require.Len(t, found, 1)
	assert.Equal(t, "geo", found[0].Domain.Gid)
	assert.Equal(t, "country", found[0].Concept.Gid)
}

func TestResolveConceptLinks(t *testing.T) {
	idx := fixtureIndex()
	c := concept("region", domain.ConceptTypeEntitySet, "", domain.Properties{
		"domain":   domain.String("geo"),
		"drill_up": domain.JSON([]any{"country", "unknown"}),
	})

	links := ResolveConceptLinks(c, idx)
	assert.Equal(t, "o-geo", links.Domain)
	assert.Equal(t, []string{"o-country"}, links.SubsetOf)
	assert.Equal(t, []string{"unknown"}, links.Unresolved)
}

func TestReconcileMergesTransitively(t *testing.T) {
	base := domain.Entity{Meta: domain.Meta{Dataset: "ds"}, Gid: "usa", Domain: "o-geo"}
	a := base.WithSets([]string{"o-country"}).
		WithProperties(domain.Properties{"country": domain.String("usa"), "name": domain.String("USA")}).WithSources("a.csv")
	b := base.WithSets([]string{"o-g77"}).
		WithProperties(domain.Properties{"g77": domain.String("usa"), "country": domain.String("usa"), "name": domain.String("United States")}).WithSources("b.csv")
	c := base.WithSets([]string{"o-g77"}).
		WithProperties(domain.Properties{"g77": domain.String("usa"), "iso": domain.String("us")}).WithSources("c.csv")
	other := base.WithSets([]string{}).WithProperties(domain.Properties{"geo": domain.String("usa"), "name": domain.String("plain")})

	out := Reconcile([]domain.Entity{a, other, c, b}, fixtureIndex())
	require.Len(t, out, 2)

	merged := out[0]
	assert.Equal(t, []string{"o-country", "o-g77"}, merged.Sets)
	assert.Equal(t, "United States", merged.Properties.Get("name").Text())
	assert.Equal(t, "us", merged.Properties.Get("iso").Text())
	assert.ElementsMatch(t, []string{"a.csv", "b.csv", "c.csv"}, merged.Sources)
	assert.Equal(t, "plain", out[1].Properties.Get("name").Text())
}

func TestReconcileNeedsSetColumnReference(t *testing.T) {
	base := domain.Entity{Meta: domain.Meta{Dataset: "ds"}, Gid: "usa", Domain: "o-geo"}
	country := base.WithSets([]string{"o-country"}).WithProperties(domain.Properties{"country": domain.String("usa")})
	g77 := base.WithSets([]string{"o-g77"}).WithProperties(domain.Properties{"g77": domain.String("usa")})
	renamed := base.WithSets([]string{"o-country"}).WithProperties(domain.Properties{"country": domain.String("usa")})
	renamed.Gid = "us"

	assert.Len(t, Reconcile([]domain.Entity{country, g77}, fixtureIndex()), 2)
	assert.Len(t, Reconcile([]domain.Entity{country, renamed}, fixtureIndex()), 2)

	g77.Properties["country"] = domain.String("usa")
	assert.Len(t, Reconcile([]domain.Entity{country, g77}, fixtureIndex()), 1)
}
