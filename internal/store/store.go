// Package store defines the persistent key-value contract that carries all
// cross-process coordination: leadership, the shared buffer, queue state,
// and captured records. Implementations must make writes visible to every
// cooperating process and deliver change notifications per key.
package store

import "context"

// Change describes one observed mutation of a watched key. Remote is true
// when another process performed the write.
type Change struct {
	Key    string
	Remote bool
}

// KV is the shared persistent store. Conflict resolution is last-writer-wins
// per key; every value written through it must stay idempotent under merge.
type KV interface {
	// Get returns the raw value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set writes the value and notifies watchers in every process.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes the key.
	Delete(ctx context.Context, key string) error
	// Watch subscribes to changes of key. The returned cancel func releases
	// the subscription; the channel closes afterwards.
	Watch(ctx context.Context, key string) (<-chan Change, func(), error)
	// Close releases the underlying connection.
	Close() error
}
