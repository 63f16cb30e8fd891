package cache

import (
	"crypto/rsa"

	"github.com/jellydator/ttlcache/v3"
)

// KeyCache keeps resolved public keys by kid. Keys do not rotate while the
// process is running, so entries never expire.
type KeyCache struct {
	cache *ttlcache.Cache[string, *rsa.PublicKey]
}

// NewKeyCache creates an empty cache.
func NewKeyCache() *KeyCache {
	return &KeyCache{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *rsa.PublicKey](ttlcache.NoTTL),
			ttlcache.WithDisableTouchOnHit[string, *rsa.PublicKey](),
		),
	}
}

// Get returns the cached key for kid, if any.
func (c *KeyCache) Get(kid string) (*rsa.PublicKey, bool) {
	item := c.cache.Get(kid)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Set stores key under kid.
func (c *KeyCache) Set(kid string, key *rsa.PublicKey) {
	c.cache.Set(kid, key, ttlcache.NoTTL)
}

// Len counts cached keys.
func (c *KeyCache) Len() int {
	return c.cache.Len()
}
