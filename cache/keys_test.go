package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyLayout(t *testing.T) {
	assert := assert.New(t)
	keys := newKeyBuilder("app")

	assert.Equal("app:r:article-1:entryKeys", keys.entryKeys("article-1"))
	assert.Equal("app:r:article-1:varyKeysSets", keys.varyKeysSets("article-1"))
	assert.Equal(`app:r:article-1:v:["locale","en"]`, keys.variant("article-1", `["locale","en"]`))
}

func TestEmptyPrefixKeepsLeadingSeparator(t *testing.T) {
	keys := newKeyBuilder("")

	assert.Equal(t, ":r:a:entryKeys", keys.entryKeys("a"))
	assert.Equal(t, ":r:a:v:[]", keys.variant("a", "[]"))
}

func TestVariantKeyOffsetIsOneBased(t *testing.T) {
	keys := newKeyBuilder("app")
	full := keys.variant("a", `["locale","en"]`)

	offset := keys.variantKeyOffset("a")
	assert.Equal(t, `["locale","en"]`, full[offset-1:])
}

func TestEntryKeysPatternAndID(t *testing.T) {
	assert := assert.New(t)
	keys := newKeyBuilder("app*[1]")

	assert.Equal(`app\*\[1\]:r:*:entryKeys`, keys.entryKeysPattern())

	id, ok := keys.idFromEntryKeys(keys.entryKeys("ns:article-1"))
	assert.True(ok)
	assert.Equal("ns:article-1", id)

	_, ok = keys.idFromEntryKeys("app*[1]:r:a:varyKeysSets")
	assert.False(ok)

	_, ok = keys.idFromEntryKeys("other:r:a:entryKeys")
	assert.False(ok)
}
