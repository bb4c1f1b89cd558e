package cache

import (
	"strings"
)

const (
	resourceSegment     = "r"
	variantSegment      = "v"
	entryKeysSegment    = "entryKeys"
	varyKeysSetsSegment = "varyKeysSets"
)

// keyBuilder lays out every Redis key the store writes under one prefix:
//
//	<prefix>:r:<id>:entryKeys     sorted set of non-default variant keys, scored by expiry ms
//	<prefix>:r:<id>:varyKeysSets  set of canonical, non-empty vary-keys sets
//	<prefix>:r:<id>:v:<variant>   one entry
//
// An empty prefix still produces the leading separator.
type keyBuilder struct {
	prefix string
}

func newKeyBuilder(prefix string) keyBuilder {
	return keyBuilder{prefix: prefix}
}

func (k keyBuilder) key(parts ...string) string {
	return k.prefix + ":" + strings.Join(parts, ":")
}

func (k keyBuilder) entryKeys(id string) string {
	return k.key(resourceSegment, id, entryKeysSegment)
}

func (k keyBuilder) varyKeysSets(id string) string {
	return k.key(resourceSegment, id, varyKeysSetsSegment)
}

func (k keyBuilder) variant(id, variantKey string) string {
	return k.key(resourceSegment, id, variantSegment, variantKey)
}

// variantKeyOffset is the 1-based position at which the variant key starts
// inside a key returned by variant(id, ...).
func (k keyBuilder) variantKeyOffset(id string) int {
	return len(k.variant(id, "")) + 1
}

// entryKeysPattern matches the entryKeys index of every resource under the
// prefix, for SCAN.
func (k keyBuilder) entryKeysPattern() string {
	return escapeGlob(k.prefix) + ":" + resourceSegment + ":*:" + entryKeysSegment
}

// idFromEntryKeys extracts the resource id from an entryKeys index key.
func (k keyBuilder) idFromEntryKeys(key string) (string, bool) {
	head := k.prefix + ":" + resourceSegment + ":"
	tail := ":" + entryKeysSegment

	if len(key) < len(head)+len(tail) || !strings.HasPrefix(key, head) || !strings.HasSuffix(key, tail) {
		return "", false
	}

	return key[len(head) : len(key)-len(tail)], true
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
