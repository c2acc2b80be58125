package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
)

// ValueKind enumerates the shapes a knowledge value may take.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindList
	KindObject
	KindObjects
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	case KindObjects:
		return "objects"
	}
	return "unknown"
}

// Value is a tagged union over the value shapes the knowledge base supports:
// a string, a list of strings, an object, or a list of objects.
// The zero Value is null.
type Value struct {
	kind ValueKind
	str  string
	list []string
	obj  map[string]any
	objs []map[string]any
}

// Null returns the null value.
func Null() Value { return Value{} }

// StringValue wraps s.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// ListValue wraps a list of strings. A nil list is stored as empty.
func ListValue(items ...string) Value {
	if items == nil {
		items = []string{}
	}
	return Value{kind: KindList, list: items}
}

// ObjectValue wraps a single object.
func ObjectValue(m map[string]any) Value {
	if m == nil {
		m = map[string]any{}
	}
	return Value{kind: KindObject, obj: m}
}

// ObjectsValue wraps a list of objects.
func ObjectsValue(ms ...map[string]any) Value {
	if ms == nil {
		ms = []map[string]any{}
	}
	return Value{kind: KindObjects, objs: ms}
}

// Kind returns the shape of v.
func (v Value) Kind() ValueKind { return v.kind }

// Str returns the string payload, or "" when v is not a string.
func (v Value) Str() string { return v.str }

// List returns the string list payload, or nil when v is not a list. The
// slice is shared with v; use Clone before mutating it.
func (v Value) List() []string { return v.list }

// Object returns the object payload, or nil when v is not an object.
func (v Value) Object() map[string]any { return v.obj }

// Objects returns the object list payload, or nil when v is not an object list.
func (v Value) Objects() []map[string]any { return v.objs }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsList reports whether v holds a string list.
func (v Value) IsList() bool { return v.kind == KindList }

// IsString reports whether v holds a string.
func (v Value) IsString() bool { return v.kind == KindString }

// IsEmpty reports whether v carries no information: null, a blank string,
// an empty list, or an empty object.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return strings.TrimSpace(v.str) == ""
	case KindList:
		return len(v.list) == 0
	case KindObject:
		return len(v.obj) == 0
	case KindObjects:
		return len(v.objs) == 0
	}
	return true
}

// Clone returns a copy of v that shares no slices or maps with it.
// Nested values inside objects are copied via a JSON round-trip.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		return ListValue(append([]string(nil), v.list...)...)
	case KindObject:
		return ObjectValue(cloneObject(v.obj))
	case KindObjects:
		out := make([]map[string]any, len(v.objs))
		for i, o := range v.objs {
			out[i] = cloneObject(o)
		}
		return ObjectsValue(out...)
	}
	return v
}

func cloneObject(m map[string]any) map[string]any {
	b, err := json.Marshal(m)
	if err != nil {
		return maps.Clone(m)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return maps.Clone(m)
	}
	return out
}

// String renders v for logs and audit entries.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindString:
		return v.str
	case KindList:
		return strings.Join(v.list, ", ")
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// Interface returns v as a plain Go value suitable for JSON encoding.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindList:
		return v.list
	case KindObject:
		return v.obj
	case KindObjects:
		return v.objs
	}
	return nil
}

// MarshalJSON encodes v as its natural JSON shape.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON decodes null, a string, an array of strings, an object,
// or an array of objects. Mixed arrays are rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Null()
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
		return nil
	case '{':
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		*v = ObjectValue(m)
		return nil
	case '[':
		var raw []any
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		conv, err := ValueFrom(raw)
		if err != nil {
			return err
		}
		*v = conv
		return nil
	}
	var scalar any
	if err := json.Unmarshal(data, &scalar); err != nil {
		return err
	}
	*v = StringValue(scalarString(scalar))
	return nil
}

// ValueFrom converts a decoded JSON value (typically from event metadata)
// into a Value. Numbers and booleans become strings.
func ValueFrom(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case string:
		return StringValue(t), nil
	case []string:
		return ListValue(append([]string(nil), t...)...), nil
	case map[string]any:
		return ObjectValue(t), nil
	case []map[string]any:
		return ObjectsValue(t...), nil
	case []any:
		if len(t) == 0 {
			return ListValue(), nil
		}
		if _, ok := t[0].(map[string]any); ok {
			objs := make([]map[string]any, 0, len(t))
			for i, e := range t {
				m, ok := e.(map[string]any)
				if !ok {
					return Null(), fmt.Errorf("model: mixed array at index %d", i)
				}
				objs = append(objs, m)
			}
			return ObjectsValue(objs...), nil
		}
		items := make([]string, 0, len(t))
		for i, e := range t {
			switch s := e.(type) {
			case string:
				items = append(items, s)
			case float64, bool, int, int64:
				items = append(items, scalarString(s))
			default:
				return Null(), fmt.Errorf("model: mixed array at index %d", i)
			}
		}
		return ListValue(items...), nil
	case float64, bool, int, int64:
		return StringValue(scalarString(t)), nil
	}
	return Null(), fmt.Errorf("model: unsupported value type %T", x)
}

func scalarString(x any) string {
	switch t := x.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return fmt.Sprint(x)
}
