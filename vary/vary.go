// Package vary turns the parameter names an entry varies on, and the values a
// request supplies for them, into the canonical strings used as lookup keys.
//
// A variant key is the JSON encoding of a flat list
// [name1, value1, name2, value2, ...] sorted by name, where a parameter that was
// absent from the request is encoded as null. The layout is relied upon by
// stored data and by the cleanup script, so it must stay stable.
package vary

import (
	"sort"

	"github.com/saiset-co/sai-vary-cache/types"
	"github.com/saiset-co/sai-vary-cache/utils"
)

// DefaultVariantKey is the variant key of entries that vary on no parameter.
const DefaultVariantKey = "[]"

// Keys is a sorted, duplicate-free set of parameter names.
type Keys []string

func NewKeys(names ...string) Keys {
	if len(names) == 0 {
		return Keys{}
	}

	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)

	out := sorted[:1]
	for _, name := range sorted[1:] {
		if name != out[len(out)-1] {
			out = append(out, name)
		}
	}

	return Keys(out)
}

// KeysOf returns the names an entry's vary map depends on.
func KeysOf(v types.Vary) Keys {
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	return NewKeys(names...)
}

func (k Keys) IsEmpty() bool {
	return len(k) == 0
}

// Canonical encodes the set so that set-equal inputs produce equal strings.
func (k Keys) Canonical() (string, error) {
	if k == nil {
		k = Keys{}
	}
	return utils.MarshalCanonical([]string(k))
}

// CanonicalKeys sorts names and encodes them as a JSON array.
func CanonicalKeys(names []string) (string, error) {
	return NewKeys(names...).Canonical()
}

// ParseKeys decodes a value produced by CanonicalKeys.
func ParseKeys(canonical string) (Keys, error) {
	var names []string
	if err := utils.UnmarshalCanonical(canonical, &names); err != nil {
		return nil, types.WrapError(err, "failed to decode vary keys")
	}
	return NewKeys(names...), nil
}

// ResultVariantKey is the variant key under which an entry is stored.
func ResultVariantKey(v types.Vary) (string, error) {
	keys := KeysOf(v)
	flat := make([]interface{}, 0, 2*len(keys))

	for _, name := range keys {
		flat = append(flat, name, valueOrNil(v[name]))
	}

	return encode(flat)
}

// RequestVariantKey is the variant key a request would match among entries that
// vary on exactly keys. Parameters not named in keys do not affect the result.
func RequestVariantKey(params types.Params, keys Keys) (string, error) {
	flat := make([]interface{}, 0, 2*len(keys))

	for _, name := range keys {
		if value, ok := params[name]; ok {
			flat = append(flat, name, value)
		} else {
			flat = append(flat, name, nil)
		}
	}

	return encode(flat)
}

// Matches reports whether an entry with the given vary map can answer a request
// carrying params.
func Matches(v types.Vary, params types.Params) bool {
	for name, want := range v {
		got, ok := params[name]
		if want == nil {
			if ok {
				return false
			}
			continue
		}
		if !ok || got != *want {
			return false
		}
	}
	return true
}

func valueOrNil(value *string) interface{} {
	if value == nil {
		return nil
	}
	return *value
}

func encode(flat []interface{}) (string, error) {
	if len(flat) == 0 {
		return DefaultVariantKey, nil
	}

	key, err := utils.MarshalCanonical(flat)
	if err != nil {
		return "", types.WrapError(err, "failed to encode variant key")
	}

	return key, nil
}
