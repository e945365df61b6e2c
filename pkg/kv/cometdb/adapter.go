// Copyright 2025 Kestrel Systems
//
// KV Adapter for CometBFT's embedded database library.
// Wraps a github.com/cometbft/cometbft-db dbm.DB so the evidence log and
// state snapshot store can run on GoLevelDB/BoltDB/BadgerDB/MemDB backends
// without depending on cometbft-db directly in pkg/kv.

package cometdb

import (
	dbm "github.com/cometbft/cometbft-db"
)

// Adapter wraps a cometbft-db dbm.DB and exposes the kv.Store interface.
type Adapter struct {
	db dbm.DB
}

// New creates a new Adapter for the given underlying DB.
func New(db dbm.DB) *Adapter {
	return &Adapter{db: db}
}

// Get implements kv.Store.Get.
func (a *Adapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}
	v, err := a.db.Get(key)
	if err != nil {
		return nil, err
	}
	// v may be nil if key not found - that's fine, kv.Store treats nil as absent.
	return v, nil
}

// Set implements kv.Store.Set, writing durably (SetSync) since callers
// invoke it only from the kernel's serialized commit path.
func (a *Adapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.SetSync(key, value)
}
