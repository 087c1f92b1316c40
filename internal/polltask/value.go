package polltask

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ValueKind tags the variant held by a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindObject
	KindArray
	KindString
	KindNumber
	KindBool
)

// Value is a decoded JSON document as a tagged union. Numbers keep their
// literal text so large ids survive unchanged.
type Value struct {
	kind   ValueKind
	object map[string]Value
	array  []Value
	text   string
	flag   bool
}

// ParseValue decodes a JSON document.
func ParseValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Value{}, err
	}
	return FromAny(raw), nil
}

// FromAny converts decoded JSON or YAML data into a Value.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Value{kind: KindNull}
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, child := range t {
			obj[k] = FromAny(child)
		}
		return Value{kind: KindObject, object: obj}
	case []any:
		arr := make([]Value, len(t))
		for i, child := range t {
			arr[i] = FromAny(child)
		}
		return Value{kind: KindArray, array: arr}
	case string:
		return Value{kind: KindString, text: t}
	case json.Number:
		return Value{kind: KindNumber, text: t.String()}
	case float64:
		return Value{kind: KindNumber, text: strconv.FormatFloat(t, 'f', -1, 64)}
	case int:
		return Value{kind: KindNumber, text: strconv.Itoa(t)}
	case int64:
		return Value{kind: KindNumber, text: strconv.FormatInt(t, 10)}
	case bool:
		return Value{kind: KindBool, flag: t}
	default:
		return Value{kind: KindString, text: fmt.Sprint(t)}
	}
}

func (v Value) Kind() ValueKind { return v.kind }

// Lookup walks a dot-separated path. Numeric segments index arrays. A path
// that does not resolve reports false instead of failing.
func (v Value) Lookup(path string) (Value, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch cur.kind {
		case KindObject:
			next, ok := cur.object[seg]
			if !ok {
				return Value{}, false
			}
			cur = next
		case KindArray:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(cur.array) {
				return Value{}, false
			}
			cur = cur.array[i]
		default:
			return Value{}, false
		}
	}
	return cur, true
}

// Text renders a scalar. Objects, arrays and null report false.
func (v Value) Text() (string, bool) {
	switch v.kind {
	case KindString, KindNumber:
		return v.text, true
	case KindBool:
		return strconv.FormatBool(v.flag), true
	default:
		return "", false
	}
}

// LookupText is Lookup followed by Text.
func (v Value) LookupText(path string) (string, bool) {
	found, ok := v.Lookup(path)
	if !ok {
		return "", false
	}
	return found.Text()
}
