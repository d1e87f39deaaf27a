// Package memory provides an in-memory implementation of storage.Store.
//
// All state lives in maps guarded by a single sync.RWMutex, so every consume
// and rotate operation is one critical section. Expired states, codes and
// refresh tokens are removed by a background cleanup loop.
//
// The store is suitable for development, tests and single-instance
// deployments. Use storage/valkey or storage/postgres when several server
// instances share state or keys must survive restarts.
//
//	store := memory.New()
//	defer store.Stop()
package memory
