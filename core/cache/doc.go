// Package cache provides a small size-bounded cache.
//
// Persistence providers use it to remember which streams are already
// registered in their aggregation index, so repeated appends to the same
// stream do not rewrite index entries. A stream is marked only after its
// index write succeeded:
//
//	indexed := cache.New(cfg.IndexCacheSize)
//	if _, ok := indexed.Get(stream.Key()); !ok {
//	    // write index entry, then
//	    indexed.Put(stream.Key(), struct{}{})
//	}
//
// [LRU] is safe for concurrent use. [Nop] never stores anything and turns
// the optimization off.
package cache
