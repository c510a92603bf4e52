package gossip

import (
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
)

const defaultCacheCapacity = 1000

// DeduplicationCache lembra os IDs de mensagens já processadas para
// descartar retransmissões do gossip
type DeduplicationCache struct {
	capacity int
	cache    *lru.Cache
	mutex    sync.Mutex

	hits   int64
	misses int64
}

// NewDeduplicationCache cria um novo cache LRU
func NewDeduplicationCache(capacity int) *DeduplicationCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	// lru.New only fails for a non-positive size
	cache, _ := lru.New(capacity)
	return &DeduplicationCache{
		capacity: capacity,
		cache:    cache,
	}
}

// Contains verifica se o ID está no cache
func (dc *DeduplicationCache) Contains(id uuid.UUID) bool {
	return dc.cache.Contains(id)
}

// Add records id as processed.
func (dc *DeduplicationCache) Add(id uuid.UUID) {
	dc.cache.Add(id, struct{}{})
}

// Seen records id and reports whether it had been recorded before.
func (dc *DeduplicationCache) Seen(id uuid.UUID) bool {
	dc.mutex.Lock()
	defer dc.mutex.Unlock()

	if dc.cache.Contains(id) {
		dc.hits++
		return true
	}
	dc.cache.Add(id, struct{}{})
	dc.misses++
	return false
}

// Size retorna o tamanho atual do cache
func (dc *DeduplicationCache) Size() int {
	return dc.cache.Len()
}

// Clear limpa todo o cache
func (dc *DeduplicationCache) Clear() {
	dc.cache.Purge()
}

// GetStats retorna estatísticas do cache
func (dc *DeduplicationCache) GetStats() map[string]interface{} {
	dc.mutex.Lock()
	defer dc.mutex.Unlock()

	size := dc.cache.Len()
	return map[string]interface{}{
		"capacity":    dc.capacity,
		"size":        size,
		"duplicates":  dc.hits,
		"first_seen":  dc.misses,
		"utilization": float64(size) / float64(dc.capacity),
	}
}
