// Package pebblestore provides a thin wrapper around Pebble with fsync policy,
// atomic batches, and a serialized Update path for conditional writes.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	// Conditional multi-record transaction
//	err = db.Update(ctx, func(b *pebble.Batch) error {
//	    cur, err := db.Get(key)
//	    if err != nil { return err }
//	    // check guard on cur, then stage writes
//	    return b.Set(key, next, nil)
//	})
//
//	// Point ops
//	_ = db.Set([]byte("k2"), []byte("v2"))
//	v, _ := db.Get([]byte("k2"))
package pebblestore
