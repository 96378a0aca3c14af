// Package datapackage reads the resource descriptors of a DDF datapackage.
package datapackage

import (
	"encoding/json"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/errors"
)

// SetColumnPrefix marks entity set membership columns such as "is--country".
const SetColumnPrefix = "is--"

const cacheSize = 1024

// Field is one column of a resource schema.
type Field struct {
	Name string `json:"name"`
}

// PrimaryKey accepts both the string and the array form used in datapackage.json.
type PrimaryKey []string

func (pk *PrimaryKey) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*pk = PrimaryKey{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.Wrap(err, "primaryKey must be a string or an array of strings")
	}
	*pk = many
	return nil
}

// Schema is the table schema of a resource.
type Schema struct {
	Fields     []Field    `json:"fields"`
	PrimaryKey PrimaryKey `json:"primaryKey"`
}

type rawResource struct {
	Path   string `json:"path"`
	Name   string `json:"name"`
	Schema Schema `json:"schema"`
}

// Resource is the parsed view of one datapackage resource.
type Resource struct {
	Type       domain.DataType
	Path       string
	Name       string
	PrimaryKey []string
	Fields     []string
	// Concept is the first primary key column.
	Concept string
	// EntitySets holds the set gids declared through "is--<set>" columns.
	EntitySets []string
	// Dimensions and Indicators split a datapoints resource into key and value columns.
	Dimensions []string
	Indicators []string
}

var cache *lru.Cache[string, *Resource]

func init() {
	c, err := lru.New[string, *Resource](cacheSize)
	if err != nil {
		panic(err)
	}
	cache = c
}

// Parse reads a raw resource descriptor. Identical descriptors are parsed once
// per process; the returned value must be treated as read-only.
func Parse(dataType domain.DataType, raw json.RawMessage) (*Resource, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	key := string(dataType) + "|" + string(raw)
	if res, ok := cache.Get(key); ok {
		return res, nil
	}

	var rr rawResource
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, errors.Wrap(err, "parse resource descriptor")
	}
	res, err := build(dataType, rr)
	if err != nil {
		return nil, err
	}
	cache.Add(key, res)
	return res, nil
}

func build(dataType domain.DataType, rr rawResource) (*Resource, error) {
	if len(rr.Schema.PrimaryKey) == 0 {
		return nil, errors.Newf("resource %q has no primary key", rr.Path)
	}
	res := &Resource{
		Type:       dataType,
		Path:       rr.Path,
		Name:       rr.Name,
		PrimaryKey: slices.Clone([]string(rr.Schema.PrimaryKey)),
		Concept:    rr.Schema.PrimaryKey[0],
	}
	for _, f := range rr.Schema.Fields {
		res.Fields = append(res.Fields, f.Name)
	}

	switch dataType {
	case domain.DataTypeEntities:
		for _, name := range res.Fields {
			if set, ok := strings.CutPrefix(name, SetColumnPrefix); ok && set != "" {
				res.EntitySets = append(res.EntitySets, set)
			}
		}
	case domain.DataTypeDatapoints:
		res.Dimensions = slices.Clone(res.PrimaryKey)
		for _, name := range res.Fields {
			if !slices.Contains(res.PrimaryKey, name) {
				res.Indicators = append(res.Indicators, name)
			}
		}
	}
	return res, nil
}
