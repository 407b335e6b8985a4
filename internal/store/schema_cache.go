package store

import (
	"sync"

	"github.com/devrev/qrs/internal/model"
)

// SchemaKey identifies one cache entry
type SchemaKey struct {
	Cluster string
	// Profile separates schemas of the same cluster fetched under different summary profiles.
	Profile string
}

// SchemaCache holds the last summary schema seen per cluster. It is shared by all requests.
// Cached schemas are owned by the cache and must be treated as read-only.
type SchemaCache struct {
	schemas map[SchemaKey]*model.SummarySchema
	mu      sync.RWMutex
}

// NewSchemaCache creates an empty cache
func NewSchemaCache() *SchemaCache {
	return &SchemaCache{
		schemas: make(map[SchemaKey]*model.SummarySchema),
	}
}

// Get returns the cached schema for key
func (c *SchemaCache) Get(key SchemaKey) (*model.SummarySchema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	schema, exists := c.schemas[key]
	return schema, exists
}

// Put stores a private copy of schema under key, replacing any entry with a different signature.
// It reports whether the cache changed.
func (c *SchemaCache) Put(key SchemaKey, schema *model.SummarySchema) bool {
	if schema == nil {
		return false
	}
	owned := schema.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.schemas[key]; ok && existing.Signature == owned.Signature {
		return false
	}
	c.schemas[key] = owned
	return true
}

// Size returns the number of entries
func (c *SchemaCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.schemas)
}
