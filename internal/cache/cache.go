// Package cache holds the bounded memo used for recomputed view bundles.
package cache

// Cache is a bounded key/value memo.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V)
	Purge()
	Size() int
	Stats() Stats
}

// Stats counts lookups since creation or the last Purge.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}
