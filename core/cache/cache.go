package cache

type Cache interface {
	Get(key string) (any, bool)
	Put(key string, val any)
}

// New returns an LRU holding size entries, a default-sized LRU for 0,
// and a Nop cache for a negative size.
func New(size int) Cache {
	if size < 0 {
		return NewNop()
	}
	return NewLRU(LRUOpts{Size: size})
}
