// Package mapping turns DDF rows into versioned domain records.
package mapping

import (
	"encoding/json"
	"slices"

	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/resolution"
)

// jsonColumns hold JSON documents in the concepts file.
var jsonColumns = []string{"color", "scales", "drill_up"}

// EntityProperties types an entity row: DDF booleans become bools, values of
// measure columns become numbers when they parse, everything else is a string.
func EntityProperties(row domain.Properties, concepts *resolution.ConceptIndex) domain.Properties {
	out := make(domain.Properties, len(row))
	for column, value := range row {
		if b, ok := domain.ParseBool(value); ok {
			out[column] = domain.Bool(b)
			continue
		}
		if c, ok := concepts.Get(column); ok && c.IsMeasure() {
			if f, ok := domain.ParseNumber(value); ok {
				out[column] = domain.Number(f)
				continue
			}
		}
		if value.Kind() == domain.KindJSON {
			out[column] = value
			continue
		}
		out[column] = domain.String(value.Text())
	}
	return out
}

// ConceptProperties types a concepts row: empty cells become null, JSON columns
// are decoded (null when invalid), objects are kept and the rest is a string.
func ConceptProperties(row domain.Properties) domain.Properties {
	out := make(domain.Properties, len(row))
	for column, value := range row {
		switch {
		case value.IsNull() || (value.Kind() == domain.KindString && value.Text() == ""):
			out[column] = domain.Null()
		case slices.Contains(jsonColumns, column) && value.Kind() == domain.KindString:
			out[column] = decodeJSONCell(value.Text())
		case value.Kind() == domain.KindJSON:
			out[column] = value
		default:
			out[column] = domain.String(value.Text())
		}
	}
	return out
}

func decodeJSONCell(raw string) domain.Value {
	var tree any
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return domain.Null()
	}
	return domain.FromAny(tree)
}

// ParseTimeProperties interprets time values carried by an entity: the gid
// itself when the entity belongs to a time domain, and every column named after
// a time concept. Values that do not parse are skipped.
func ParseTimeProperties(entityDomain domain.Concept, gid string, props domain.Properties, timeConcepts map[string]domain.Concept) map[string]domain.TimeDescriptor {
	parsed := map[string]domain.TimeDescriptor{}
	add := func(conceptGid, raw string) {
		timeType, millis, err := domain.ParseTime(raw)
		if err != nil {
			return
		}
		parsed[conceptGid] = domain.TimeDescriptor{ConceptGid: conceptGid, TimeType: timeType, Millis: millis}
	}
	if entityDomain.IsTime() {
		add(entityDomain.Gid, gid)
	}
	for column := range timeConcepts {
		if column == entityDomain.Gid {
			continue
		}
		if v := props.Get(column); !v.IsNull() {
			add(column, v.Text())
		}
	}
	if len(parsed) == 0 {
		return nil
	}
	return parsed
}
