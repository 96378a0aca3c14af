package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/mohae/deepcopy"
)

// Kind tags the content of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindJSON:
		return "json"
	default:
		return "null"
	}
}

// Value is one cell of a property bag. JSON holds decoded objects or arrays
// (map[string]any / []any) such as parsed color or drill_up columns.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	tree any
}

// Null returns the empty value.
func Null() Value { return Value{} }

// String tags a string cell.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number tags a numeric cell.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool tags a boolean cell.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// JSON tags a decoded object or array. The tree is copied.
func JSON(tree any) Value { return Value{kind: KindJSON, tree: deepcopy.Copy(tree)} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindJSON:
		l, _ := json.Marshal(v.tree)
		r, _ := json.Marshal(o.tree)
		return bytes.Equal(l, r)
	default:
		return true
	}
}

// AsString returns the string content.
func (v Value) AsString() (string, bool) {
	return v.str, v.kind == KindString
}

// AsNumber returns the numeric content.
func (v Value) AsNumber() (float64, bool) {
	return v.num, v.kind == KindNumber
}

// AsBool returns the boolean content.
func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// AsJSON returns a copy of the decoded JSON subtree.
func (v Value) AsJSON() (any, bool) {
	if v.kind != KindJSON {
		return nil, false
	}
	return deepcopy.Copy(v.tree), true
}

// Text renders the value the way it appears in a DDF csv cell.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindJSON:
		raw, _ := json.Marshal(v.tree)
		return string(raw)
	default:
		return ""
	}
}

// Interface returns the plain Go representation used in documents and responses.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindJSON:
		return deepcopy.Copy(v.tree)
	default:
		return nil
	}
}

// FromAny tags a decoded JSON value. Integers of any width become numbers.
func FromAny(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	default:
		return JSON(t)
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindNumber && (math.IsNaN(v.num) || math.IsInf(v.num, 0)) {
		return []byte("null"), nil
	}
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// Properties is a tagged property bag keyed by column name.
type Properties map[string]Value

// PropertiesFromMap tags every value of a decoded JSON object.
func PropertiesFromMap(raw map[string]any) Properties {
	if raw == nil {
		return nil
	}
	props := make(Properties, len(raw))
	for k, v := range raw {
		props[k] = FromAny(v)
	}
	return props
}

// Clone returns an independent copy.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		if v.kind == KindJSON {
			v = JSON(v.tree)
		}
		out[k] = v
	}
	return out
}

// Without returns a copy without the given columns.
func (p Properties) Without(columns ...string) Properties {
	out := p.Clone()
	if out == nil {
		out = Properties{}
	}
	for _, c := range columns {
		delete(out, c)
	}
	return out
}

// Merge returns a copy of p with every column of other written over it.
func (p Properties) Merge(other Properties) Properties {
	out := p.Clone()
	if out == nil {
		out = make(Properties, len(other))
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Get returns the value of a column, Null when absent.
func (p Properties) Get(column string) Value {
	return p[column]
}

// Has reports whether the column is present.
func (p Properties) Has(column string) bool {
	_, ok := p[column]
	return ok
}

// Raw returns the plain map representation.
func (p Properties) Raw() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Interface()
	}
	return out
}

// Keys returns the sorted column names.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseBool recognises DDF boolean cells.
func ParseBool(v Value) (bool, bool) {
	if b, ok := v.AsBool(); ok {
		return b, true
	}
	s, ok := v.AsString()
	if !ok {
		return false, false
	}
	switch strings.TrimSpace(s) {
	case "TRUE", "true", "True":
		return true, true
	case "FALSE", "false", "False":
		return false, true
	}
	return false, false
}

// ParseNumber recognises numeric cells.
func ParseNumber(v Value) (float64, bool) {
	if f, ok := v.AsNumber(); ok {
		return f, true
	}
	s, ok := v.AsString()
	if !ok {
		return 0, false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
