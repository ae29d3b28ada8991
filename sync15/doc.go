// Package sync15 implements a client-side engine for the Sync 1.5 storage
// protocol: bootstrapping global state (meta/global and crypto/keys),
// deriving per-collection sync state, and driving pluggable Store
// implementations through a fetch/decrypt/merge/encrypt/upload cycle.
//
// The engine is synchronous and single-threaded per sync session. It never
// persists anything itself; durable bookkeeping belongs to the Store, which
// is only told to persist once an upload has fully succeeded. Cancellation
// is cooperative: the engine polls the context immediately before each
// network request.
package sync15
