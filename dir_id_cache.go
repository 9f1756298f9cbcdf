package cryptofs

import (
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	dirIDCacheEntries = 1024
	dirIDCacheExpiry  = time.Second
)

// dirIDCache remembers the ciphertext directory of recently resolved
// cleartext directories. Entries expire after dirIDCacheExpiry, so changes
// made to the base filesystem behind our back are picked up quickly; the
// least recently used entry goes first when the cache is full.
type dirIDCache struct {
	entries *ttlcache.Cache[string, CiphertextDirectory]
}

func newDirIDCache(ttl time.Duration, capacity uint64) *dirIDCache {
	return &dirIDCache{
		entries: ttlcache.New(
			ttlcache.WithTTL[string, CiphertextDirectory](ttl),
			ttlcache.WithCapacity[string, CiphertextDirectory](capacity),
			ttlcache.WithDisableTouchOnHit[string, CiphertextDirectory](),
		),
	}
}

// lookup returns the cached directory for the cleartext path dir
func (c *dirIDCache) lookup(dir string) (CiphertextDirectory, bool) {
	item := c.entries.Get(dir)
	if item == nil || item.IsExpired() {
		return CiphertextDirectory{}, false
	}
	return item.Value(), true
}

func (c *dirIDCache) store(dir string, d CiphertextDirectory) {
	c.entries.Set(dir, d, ttlcache.DefaultTTL)
}

// invalidate drops dir and everything below it
func (c *dirIDCache) invalidate(dir string) {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for _, k := range c.entries.Keys() {
		if k == dir || strings.HasPrefix(k, prefix) {
			c.entries.Delete(k)
		}
	}
}
