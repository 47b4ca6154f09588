// Package pool provides object pooling to reduce GC pressure on the
// query hot path, where every search request builds a transient
// lowercased term slice from the query text (internal/corpus).
package pool

import "sync"

// TokenSlicePool pools []string slices used to hold a passage's lowercased
// query terms during retrieval.
var TokenSlicePool = sync.Pool{
	New: func() interface{} {
		return make([]string, 0, 32)
	},
}

// GetTokenSlice gets an empty []string from the pool.
func GetTokenSlice() []string {
	s := TokenSlicePool.Get().([]string)
	return s[:0]
}

// PutTokenSlice returns a []string to the pool.
func PutTokenSlice(s []string) {
	TokenSlicePool.Put(s)
}
