package model

import (
	"fmt"
	"sort"
)

// Attrs is a typed attribute bag. Supported value types are int64, []int64,
// [][]int64, string, []string, bool and *SliceInfo.
type Attrs map[string]any

// Set stores v under key after checking the value type.
func (a Attrs) Set(key string, v any) error {
	if a == nil {
		return fmt.Errorf("set attr %q on nil attribute map", key)
	}
	if key == "" {
		return fmt.Errorf("empty attribute key")
	}
	switch x := v.(type) {
	case int:
		a[key] = int64(x)
	case uint32:
		a[key] = int64(x)
	case int64, string, bool, *SliceInfo:
		a[key] = x
	case []int64:
		a[key] = append([]int64(nil), x...)
	case []uint32:
		l := make([]int64, len(x))
		for i, e := range x {
			l[i] = int64(e)
		}
		a[key] = l
	case [][]int64:
		l := make([][]int64, len(x))
		for i, e := range x {
			l[i] = append([]int64(nil), e...)
		}
		a[key] = l
	case []string:
		a[key] = append([]string(nil), x...)
	default:
		return fmt.Errorf("unsupported attribute type %T for %q", v, key)
	}
	return nil
}

// Has reports whether key is present.
func (a Attrs) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Int returns an integer attribute.
func (a Attrs) Int(key string) (int64, bool) {
	v, ok := a[key].(int64)
	return v, ok
}

// Ints returns an integer list attribute.
func (a Attrs) Ints(key string) ([]int64, bool) {
	v, ok := a[key].([]int64)
	return v, ok
}

// Uint32s returns an integer list attribute narrowed to uint32.
func (a Attrs) Uint32s(key string) ([]uint32, bool) {
	v, ok := a[key].([]int64)
	if !ok {
		return nil, false
	}
	out := make([]uint32, len(v))
	for i, e := range v {
		out[i] = uint32(e)
	}
	return out, true
}

// IntLists returns a list-of-lists attribute.
func (a Attrs) IntLists(key string) ([][]int64, bool) {
	v, ok := a[key].([][]int64)
	return v, ok
}

func (a Attrs) Str(key string) (string, bool) {
	v, ok := a[key].(string)
	return v, ok
}

func (a Attrs) Strings(key string) ([]string, bool) {
	v, ok := a[key].([]string)
	return v, ok
}

func (a Attrs) Bool(key string) bool {
	v, _ := a[key].(bool)
	return v
}

// Delete removes key.
func (a Attrs) Delete(key string) {
	delete(a, key)
}

// Keys returns the attribute keys in sorted order.
func (a Attrs) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy.
func (a Attrs) Clone() Attrs {
	if a == nil {
		return nil
	}
	c := make(Attrs, len(a))
	for k, v := range a {
		// Set only fails on types that never got in.
		_ = c.Set(k, v)
	}
	return c
}
