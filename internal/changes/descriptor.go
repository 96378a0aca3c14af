// Package changes classifies the records of a dataset diff stream.
package changes

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/rpattn/ddfstore/internal/datapackage"
	"github.com/rpattn/ddfstore/internal/domain"
)

// Actions understood in diff metadata. "change" is an alias of "update".
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionChange = "change"
	ActionRemove = "remove"
)

const (
	dataOriginKey = "data-origin"
	dataUpdateKey = "data-update"
)

// Files carries the raw resource descriptors before and after the change.
type Files struct {
	Old json.RawMessage `json:"old,omitempty"`
	New json.RawMessage `json:"new,omitempty"`
}

// Metadata is the metadata block of one diff record.
type Metadata struct {
	Action             string          `json:"action"`
	Type               domain.DataType `json:"type"`
	File               Files           `json:"file"`
	RemovedColumns     []string        `json:"removedColumns,omitempty"`
	OnlyColumnsRemoved bool            `json:"onlyColumnsRemoved,omitempty"`
	Lang               string          `json:"lang,omitempty"`
}

// Record is one line of the diff stream.
type Record struct {
	Object   map[string]any `json:"object"`
	Metadata Metadata       `json:"metadata"`
}

type lazyResource struct {
	once sync.Once
	res  *datapackage.Resource
	err  error
}

func (l *lazyResource) get(dataType domain.DataType, raw json.RawMessage) (*datapackage.Resource, error) {
	l.once.Do(func() {
		l.res, l.err = datapackage.Parse(dataType, raw)
	})
	return l.res, l.err
}

// Descriptor is the normalized view of one diff record. Construction never
// fails; resource descriptors are parsed on first access and memoized.
type Descriptor struct {
	object  map[string]any
	meta    Metadata
	oldRes  lazyResource
	currRes lazyResource
}

// New wraps a decoded diff record.
func New(rec Record) *Descriptor {
	object := rec.Object
	if object == nil {
		object = map[string]any{}
	}
	return &Descriptor{object: object, meta: rec.Metadata}
}

func (d *Descriptor) Action() string { return d.meta.Action }

func (d *Descriptor) IsCreate() bool { return d.meta.Action == ActionCreate }

func (d *Descriptor) IsRemove() bool { return d.meta.Action == ActionRemove }

func (d *Descriptor) IsUpdate() bool {
	return d.meta.Action == ActionUpdate || d.meta.Action == ActionChange
}

// Describes reports whether the record belongs to the given data type.
func (d *Descriptor) Describes(dataType domain.DataType) bool {
	return d.meta.Type == dataType
}

// Type returns the data type named in the metadata.
func (d *Descriptor) Type() domain.DataType { return d.meta.Type }

// Language is set on translation-only records.
func (d *Descriptor) Language() string { return d.meta.Lang }

// IsTranslation reports whether the record only carries a language overlay.
func (d *Descriptor) IsTranslation() bool { return d.meta.Lang != "" }

// RemovedColumns lists the columns dropped from the resource. Never nil.
func (d *Descriptor) RemovedColumns() []string {
	if d.meta.RemovedColumns == nil {
		return []string{}
	}
	return slices.Clone(d.meta.RemovedColumns)
}

func (d *Descriptor) OnlyColumnsRemoved() bool { return d.meta.OnlyColumnsRemoved }

// Concept is the gid column of the changed row: the first primary key column of
// the new resource for creates, otherwise the "gid" column of the original row
// or, when the origin block lacks it, of the object itself.
func (d *Descriptor) Concept() string {
	if d.IsCreate() {
		res, err := d.CurrentResource()
		if err != nil || res == nil {
			return ""
		}
		return res.Concept
	}
	if v, ok := d.original()["gid"].(string); ok {
		return v
	}
	if v, ok := d.object["gid"].(string); ok {
		return v
	}
	return ""
}

// Gid is the value of the concept column in the original row.
func (d *Descriptor) Gid() string {
	concept := d.Concept()
	if concept == "" {
		return ""
	}
	return domain.FromAny(d.original()[concept]).Text()
}

// Original is the row as it was before the change.
func (d *Descriptor) Original() domain.Properties {
	return withoutMarkers(d.original())
}

// Changes holds the changed columns for updates and the whole row otherwise.
func (d *Descriptor) Changes() domain.Properties {
	if d.IsUpdate() {
		if update, ok := d.object[dataUpdateKey].(map[string]any); ok {
			return domain.PropertiesFromMap(update)
		}
		return domain.Properties{}
	}
	return withoutMarkers(d.object)
}

// Object is the raw object of the record.
func (d *Descriptor) Object() map[string]any { return d.object }

func (d *Descriptor) original() map[string]any {
	if d.IsUpdate() {
		if origin, ok := d.object[dataOriginKey].(map[string]any); ok {
			return origin
		}
	}
	return d.object
}

// OldResource is the resource the row belonged to before the change. It is nil
// when the record carries no old file descriptor.
func (d *Descriptor) OldResource() (*datapackage.Resource, error) {
	return d.oldRes.get(d.meta.Type, d.meta.File.Old)
}

// CurrentResource is the resource the row belongs to after the change.
func (d *Descriptor) CurrentResource() (*datapackage.Resource, error) {
	return d.currRes.get(d.meta.Type, d.meta.File.New)
}

func withoutMarkers(row map[string]any) domain.Properties {
	props := domain.PropertiesFromMap(row)
	if props == nil {
		return domain.Properties{}
	}
	delete(props, dataOriginKey)
	delete(props, dataUpdateKey)
	return props
}
