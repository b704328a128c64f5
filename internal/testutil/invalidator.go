package testutil

import "sync"

// RecordingInvalidator records cache invalidations.
// Implements engine.Invalidator.
//
// Thread-safety: safe for concurrent use.
type RecordingInvalidator struct {
	mu   sync.Mutex
	keys []string
}

// Invalidate records key.
func (r *RecordingInvalidator) Invalidate(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
}

// Keys returns every invalidated key, in order.
func (r *RecordingInvalidator) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

// Count returns how many times key was invalidated.
func (r *RecordingInvalidator) Count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.keys {
		if k == key {
			n++
		}
	}
	return n
}
