package resolution

import (
	"github.com/rpattn/ddfstore/internal/domain"
)

// Link columns of the concepts file.
const (
	DomainColumn  = "domain"
	DrillUpColumn = "drill_up"
)

// ConceptLinks are the lineage references of one concept.
type ConceptLinks struct {
	Domain   string
	SubsetOf []string
	// Unresolved lists gids referenced by the concept that the index lacks.
	Unresolved []string
}

// ResolveConceptLinks resolves the domain and drill_up columns of a concept to
// lineage ids. Unknown references are returned in Unresolved rather than failing:
// a dataset may reference concepts it has not imported yet.
func ResolveConceptLinks(c domain.Concept, concepts *ConceptIndex) ConceptLinks {
	links := ConceptLinks{SubsetOf: []string{}}

	if gid, ok := c.Properties.Get(DomainColumn).AsString(); ok && gid != "" {
		if d, found := concepts.Get(gid); found {
			links.Domain = d.OriginID
		} else {
			links.Unresolved = append(links.Unresolved, gid)
		}
	}

	for _, gid := range drillUps(c.Properties.Get(DrillUpColumn)) {
		if parent, found := concepts.Get(gid); found {
			links.SubsetOf = append(links.SubsetOf, parent.OriginID)
		} else {
			links.Unresolved = append(links.Unresolved, gid)
		}
	}
	return links
}

// drillUps accepts a parsed JSON array or a bare gid.
func drillUps(v domain.Value) []string {
	if tree, ok := v.AsJSON(); ok {
		list, ok := tree.([]any)
		if !ok {
			return nil
		}
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if s, ok := v.AsString(); ok && s != "" {
		return []string{s}
	}
	return nil
}
