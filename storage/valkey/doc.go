// Package valkey provides a Valkey (or Redis) implementation of storage.Store
// for deployments where several server instances share state.
//
// Every operation that must be atomic (state and code consumption, refresh
// token rotation, family revocation, key activation) runs as a single Lua
// script, so concurrent callers observe exactly one winner.
//
// Keys carry a TTL derived from the artifact's own lifetime plus a grace
// period; expired entries disappear without a cleanup job.
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "authserver:",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
package valkey
