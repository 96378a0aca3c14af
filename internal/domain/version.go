package domain

import (
	"github.com/google/uuid"

	"github.com/rpattn/ddfstore/internal/errors"
)

// MaxVersion marks an open record. It is larger than any transaction timestamp
// and is the largest integer a JSON number can carry without precision loss.
const MaxVersion int64 = 1<<53 - 1

// Interval is the half-open validity range [From, To) of one stored version.
type Interval struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// OpenAt returns the interval of a version created at v and not yet superseded.
func OpenAt(v int64) Interval {
	return Interval{From: v, To: MaxVersion}
}

// IsOpen reports whether the version is the current one of its lineage.
func (i Interval) IsOpen() bool {
	return i.To == MaxVersion
}

// VisibleAt reports whether the version is part of the snapshot at v.
func (i Interval) VisibleAt(v int64) bool {
	return i.From <= v && v < i.To
}

// ClosedAt returns the interval ended at v.
func (i Interval) ClosedAt(v int64) (Interval, error) {
	if !i.IsOpen() {
		return i, errors.Wrapf(errors.ErrInvariant, "version [%d,%d) is already closed", i.From, i.To)
	}
	closed := Interval{From: i.From, To: v}
	if err := closed.Validate(); err != nil {
		return i, err
	}
	return closed, nil
}

// Validate checks from < to.
func (i Interval) Validate() error {
	if i.From >= i.To {
		return errors.Wrapf(errors.ErrInvariant, "empty interval [%d,%d)", i.From, i.To)
	}
	return nil
}

// Meta is carried by every versioned record.
type Meta struct {
	// ID identifies this stored version only.
	ID string `json:"_id"`
	// OriginID is the lineage id shared by all versions of one logical record.
	OriginID  string                `json:"originId"`
	Dataset   string                `json:"dataset"`
	Languages map[string]Properties `json:"languages,omitempty"`
	Interval
}

// NewID mints a random identifier for versions and lineages.
func NewID() string {
	return uuid.NewString()
}

// WithOpenVersion returns a copy stamped as a fresh open version of the same
// lineage. A lineage id is minted when the meta has none.
func (m Meta) WithOpenVersion(v int64) Meta {
	next := m
	next.ID = NewID()
	if next.OriginID == "" {
		next.OriginID = NewID()
	}
	next.Interval = OpenAt(v)
	next.Languages = cloneLanguages(m.Languages)
	return next
}

// WithLanguage returns a copy with the overlay for lang replaced.
func (m Meta) WithLanguage(lang string, props Properties) Meta {
	next := m
	next.Languages = cloneLanguages(m.Languages)
	if next.Languages == nil {
		next.Languages = make(map[string]Properties, 1)
	}
	next.Languages[lang] = props.Clone()
	return next
}

// WithoutLanguage returns a copy without the overlay for lang.
func (m Meta) WithoutLanguage(lang string) Meta {
	next := m
	next.Languages = cloneLanguages(m.Languages)
	delete(next.Languages, lang)
	return next
}

func (m Meta) clone() Meta {
	next := m
	next.Languages = cloneLanguages(m.Languages)
	return next
}

func cloneLanguages(in map[string]Properties) map[string]Properties {
	if in == nil {
		return nil
	}
	out := make(map[string]Properties, len(in))
	for lang, props := range in {
		out[lang] = props.Clone()
	}
	return out
}
