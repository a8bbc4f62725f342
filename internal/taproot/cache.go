package taproot

import (
	"sync"

	"github.com/klingon-exchange/tanos/pkg/secp"
)

// Cache memoizes DeriveOutput. Returned outputs are shared and must not be
// modified.
type Cache struct {
	mu      sync.RWMutex
	outputs map[string]*Output
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{outputs: make(map[string]*Output)}
}

// Derive returns the cached output for (internalKey, merkleRoot), deriving it
// on first use.
func (c *Cache) Derive(internalKey secp.Point, merkleRoot []byte) (*Output, error) {
	key := string(internalKey.SerializeCompressed()) + string(merkleRoot)

	c.mu.RLock()
	out, ok := c.outputs[key]
	c.mu.RUnlock()
	if ok {
		return out, nil
	}

	out, err := DeriveOutput(internalKey, merkleRoot)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.outputs[key]; ok {
		return existing, nil
	}
	c.outputs[key] = out
	return out, nil
}

// Len returns the number of cached outputs.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.outputs)
}
