package mcbp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectionCacheSeed(t *testing.T) {
	cache := newCollectionCache()

	id, ok := cache.Get("_default._default")
	assert.True(t, ok)
	assert.Equal(t, uint32(0), id)
}

func TestCollectionCacheUpdateAndReset(t *testing.T) {
	cache := newCollectionCache()

	cache.Update("inventory.airline", 8)
	cache.Update("inventory.airline", 9) // overwrite
	id, ok := cache.Get("inventory.airline")
	assert.True(t, ok)
	assert.Equal(t, uint32(9), id)

	cache.Reset()
	_, ok = cache.Get("inventory.airline")
	assert.False(t, ok)

	// the seed survives a reset
	id, ok = cache.Get("_default._default")
	assert.True(t, ok)
	assert.Equal(t, uint32(0), id)
}

func TestCollectionCacheRejectsEmptyPath(t *testing.T) {
	cache := newCollectionCache()

	cache.Update("", 5)
	_, ok := cache.Get("")
	assert.False(t, ok)
}
