package supervisor

import (
	"sync"

	"github.com/john/chatkeep/internal/message"
)

// registry is a concurrency-safe map keyed by ChannelKey. Operations on one key never
// block operations on another.
type registry[V comparable] struct {
	m sync.Map
}

func (r *registry[V]) Load(key message.ChannelKey) (V, bool) {
	v, ok := r.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// LoadOrStore stores value unless key is present; loaded reports whether an existing value was kept
func (r *registry[V]) LoadOrStore(key message.ChannelKey, value V) (actual V, loaded bool) {
	v, loaded := r.m.LoadOrStore(key, value)
	return v.(V), loaded
}

func (r *registry[V]) Store(key message.ChannelKey, value V) {
	r.m.Store(key, value)
}

// CompareAndDelete deletes key only while it still maps to value
func (r *registry[V]) CompareAndDelete(key message.ChannelKey, value V) bool {
	return r.m.CompareAndDelete(key, value)
}

func (r *registry[V]) Range(fn func(key message.ChannelKey, value V) bool) {
	r.m.Range(func(k, v any) bool {
		return fn(k.(message.ChannelKey), v.(V))
	})
}

func (r *registry[V]) Len() int {
	n := 0
	r.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
