package domain

import "slices"

// Datapoint is one measured value at a combination of dimension entities.
type Datapoint struct {
	Meta
	// Measure is the lineage id of the measure concept.
	Measure string `json:"measure"`
	// Dimensions holds the lineage ids of the non-time dimension entities.
	Dimensions         []string        `json:"dimensions"`
	DimensionsConcepts []string        `json:"dimensionsConcepts"`
	Time               *TimeDescriptor `json:"time,omitempty"`
	Value              Value           `json:"value"`
	IsNumeric          bool            `json:"isNumeric"`
	Properties         Properties      `json:"properties"`
	Sources            []string        `json:"sources"`
}

func (d Datapoint) VersionMeta() Meta { return d.Meta }

func (d Datapoint) WithVersionMeta(m Meta) Datapoint {
	next := d.clone()
	next.Meta = m
	return next
}

// WithValue returns a copy holding v, numeric when the cell parses as a number.
func (d Datapoint) WithValue(v Value) Datapoint {
	next := d.clone()
	if f, ok := ParseNumber(v); ok {
		next.Value = Number(f)
		next.IsNumeric = true
	} else {
		next.Value = v
		next.IsNumeric = false
	}
	return next
}

// WithProperties returns a copy with the raw row replaced.
func (d Datapoint) WithProperties(props Properties) Datapoint {
	next := d.clone()
	next.Properties = props.Clone()
	return next
}

func (d Datapoint) clone() Datapoint {
	next := d
	next.Meta = d.Meta.clone()
	next.Dimensions = slices.Clone(d.Dimensions)
	next.DimensionsConcepts = slices.Clone(d.DimensionsConcepts)
	next.Properties = d.Properties.Clone()
	next.Sources = slices.Clone(d.Sources)
	if d.Time != nil {
		t := *d.Time
		next.Time = &t
	}
	return next
}
