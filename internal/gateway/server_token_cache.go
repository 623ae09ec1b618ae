package gateway

import (
	"sync"
	"time"

	"github.com/koltyakov/keyswap/internal/domain"
)

// tokenCache keeps recently resolved hash→token lookups for a short TTL.
// Revocations made through the admin API invalidate entries immediately;
// changes made directly on the database file take effect within the TTL.
type tokenCache struct {
	mu         sync.RWMutex
	entries    map[string]tokenCacheEntry
	hashesByID map[int64]map[string]struct{}
}

type tokenCacheEntry struct {
	token             domain.ServiceToken
	expiresAtUnixNano int64
}

const tokenCacheTTL = 5 * time.Second

func newTokenCache() *tokenCache {
	return &tokenCache{
		entries:    make(map[string]tokenCacheEntry),
		hashesByID: make(map[int64]map[string]struct{}),
	}
}

func (c *tokenCache) get(hash string) (domain.ServiceToken, bool) {
	nowUnix := time.Now().UnixNano()
	c.mu.RLock()
	e, ok := c.entries[hash]
	c.mu.RUnlock()
	if !ok {
		return domain.ServiceToken{}, false
	}
	if nowUnix > e.expiresAtUnixNano {
		c.mu.Lock()
		if stale, exists := c.entries[hash]; exists && nowUnix > stale.expiresAtUnixNano {
			delete(c.entries, hash)
			c.untrackLocked(stale.token.ID, hash)
		}
		c.mu.Unlock()
		return domain.ServiceToken{}, false
	}
	return e.token, true
}

func (c *tokenCache) set(hash string, token domain.ServiceToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[hash] = tokenCacheEntry{
		token:             token,
		expiresAtUnixNano: time.Now().Add(tokenCacheTTL).UnixNano(),
	}
	hashes := c.hashesByID[token.ID]
	if hashes == nil {
		hashes = make(map[string]struct{})
		c.hashesByID[token.ID] = hashes
	}
	hashes[hash] = struct{}{}
}

// deleteByTokenID drops every cached lookup of the token.
func (c *tokenCache) deleteByTokenID(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for hash := range c.hashesByID[id] {
		delete(c.entries, hash)
	}
	delete(c.hashesByID, id)
}

func (c *tokenCache) cleanup() {
	nowUnix := time.Now().UnixNano()
	c.mu.Lock()
	defer c.mu.Unlock()
	for hash, e := range c.entries {
		if nowUnix > e.expiresAtUnixNano {
			delete(c.entries, hash)
			c.untrackLocked(e.token.ID, hash)
		}
	}
}

func (c *tokenCache) untrackLocked(id int64, hash string) {
	hashes := c.hashesByID[id]
	if hashes == nil {
		return
	}
	delete(hashes, hash)
	if len(hashes) == 0 {
		delete(c.hashesByID, id)
	}
}
