package display

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"marquee/internal/protocol"
)

// cachedResult pairs a command result with its arrival time so stale
// entries can expire.
type cachedResult struct {
	result    *protocol.CommandResultPayload
	timestamp time.Time
}

// resultCache deduplicates redelivered commands by nonce: a command whose
// nonce was already executed is answered from cache instead of running the
// handler twice.
type resultCache struct {
	cache *lru.Cache[string, *cachedResult]
	ttl   time.Duration
	mutex sync.Mutex
}

// newResultCache creates a nonce cache holding up to size entries for ttl.
func newResultCache(size int, ttl time.Duration) *resultCache {
	if size <= 0 {
		size = 50
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	cache, _ := lru.New[string, *cachedResult](size)
	return &resultCache{
		cache: cache,
		ttl:   ttl,
	}
}

// Check returns the cached result for a nonce, if present and fresh.
func (rc *resultCache) Check(nonce string) (*protocol.CommandResultPayload, bool) {
	if nonce == "" {
		return nil, false
	}

	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	entry, found := rc.cache.Get(nonce)
	if !found {
		return nil, false
	}

	if time.Since(entry.timestamp) > rc.ttl {
		rc.cache.Remove(nonce)
		return nil, false
	}

	return entry.result, true
}

// Store caches a result under its nonce.
func (rc *resultCache) Store(nonce string, result *protocol.CommandResultPayload) {
	if nonce == "" {
		return
	}

	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	rc.cache.Add(nonce, &cachedResult{
		result:    result,
		timestamp: time.Now(),
	})
}
