package resolution

import (
	"slices"

	"github.com/rpattn/ddfstore/internal/domain"
)

// Reconcile merges entity rows that describe the same entity: rows of one
// domain with the same gid where one row belongs to a set and the other carries
// that gid in the set's column. Merging is transitive. Properties are merged in
// input order, sets and sources are unioned. The first row of each group keeps
// its position.
func Reconcile(entities []domain.Entity, concepts *ConceptIndex) []domain.Entity {
	uf := newUnionFind(len(entities))
	for i := range entities {
		for j := i + 1; j < len(entities); j++ {
			if sameEntity(entities[i], entities[j], concepts) {
				uf.union(i, j)
			}
		}
	}

	merged := make(map[int]domain.Entity, len(entities))
	order := make([]int, 0, len(entities))
	for i, e := range entities {
		root := uf.find(i)
		acc, ok := merged[root]
		if !ok {
			merged[root] = e
			order = append(order, root)
			continue
		}
		merged[root] = mergeEntities(acc, e)
	}

	out := make([]domain.Entity, 0, len(order))
	for _, root := range order {
		out = append(out, merged[root])
	}
	return out
}

func sameEntity(a, b domain.Entity, concepts *ConceptIndex) bool {
	if a.Dataset != b.Dataset || a.Domain != b.Domain || a.Gid != b.Gid {
		return false
	}
	return references(a, b, concepts) || references(b, a, concepts)
}

// references reports whether a names member in the column of a set that member
// belongs to and carries a column for.
func references(a, member domain.Entity, concepts *ConceptIndex) bool {
	for _, origin := range member.Sets {
		set, ok := concepts.ByOriginID(origin)
		if !ok {
			continue
		}
		if _, ok := member.Properties[set.Gid]; !ok {
			continue
		}
		if v, ok := a.Properties[set.Gid]; ok && v.Text() == member.Gid {
			return true
		}
	}
	return false
}

func mergeEntities(into, from domain.Entity) domain.Entity {
	sets := slices.Clone(into.Sets)
	for _, s := range from.Sets {
		if !slices.Contains(sets, s) {
			sets = append(sets, s)
		}
	}
	slices.Sort(sets)

	next := into.WithProperties(into.Properties.Merge(from.Properties)).
		WithSets(sets).
		WithSources(from.Sources...)
	for k, v := range from.ParsedProperties {
		if next.ParsedProperties == nil {
			next.ParsedProperties = map[string]domain.TimeDescriptor{}
		}
		next.ParsedProperties[k] = v
	}
	return next
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}
