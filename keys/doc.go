// Package keys manages the lifecycle of the RSA keys that sign bearer tokens.
//
// A Manager keeps exactly one active key plus a bounded number of historical
// keys. Rotate generates a new active key and prunes the oldest historical
// keys beyond MaxRetainedKeys; the active key is never pruned. Retired keys
// stay resolvable by kid until pruned, so tokens signed shortly before a
// rotation keep validating.
//
// Key material is persisted as PKCS#8 PEM through a storage.KeyStore,
// optionally sealed with a security.Encryptor, so keys survive restarts.
//
//	mgr, err := keys.NewManager(keys.Config{Store: store, Encryptor: enc})
//	if err != nil {
//	    return err
//	}
//	if err := mgr.Load(ctx); err != nil {
//	    return err
//	}
//	if err := mgr.EnsureActiveKey(ctx); err != nil {
//	    return err
//	}
//	go mgr.Run(ctx)
package keys
