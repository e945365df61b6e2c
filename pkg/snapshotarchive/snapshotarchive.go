// Copyright 2025 Kestrel Systems
//
// Snapshot archive: cold storage for snapshots older than a retention
// window. Archival is a pure compaction/operational concern - not a
// federation feature - so it stays in scope even though federation
// bridges themselves are an external collaborator per spec.md 1.

package snapshotarchive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/kestrel-systems/govkernel/pkg/kstate"
)

// Archive is the pluggable port for cold snapshot storage.
type Archive interface {
	Store(ctx context.Context, snap kstate.Snapshot) error
	Load(ctx context.Context, version uint64) (kstate.Snapshot, error)
}

// GCSArchive stores one object per snapshot version in a GCS bucket.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSArchive wraps an already-constructed storage.Client.
func NewGCSArchive(client *storage.Client, bucket, prefix string) *GCSArchive {
	if prefix == "" {
		prefix = "snapshots/"
	}
	return &GCSArchive{client: client, bucket: bucket, prefix: prefix}
}

func (a *GCSArchive) objectName(version uint64) string {
	return fmt.Sprintf("%s%020d.json", a.prefix, version)
}

// Store writes snap as a JSON object, overwriting any prior object at
// the same version (archival is idempotent by version number).
func (a *GCSArchive) Store(ctx context.Context, snap kstate.Snapshot) error {
	w := a.client.Bucket(a.bucket).Object(a.objectName(snap.State.Version)).NewWriter(ctx)
	enc := json.NewEncoder(w)
	if err := enc.Encode(snap); err != nil {
		w.Close()
		return fmt.Errorf("snapshotarchive: encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("snapshotarchive: close writer: %w", err)
	}
	return nil
}

// Load reads back the snapshot stored at version.
func (a *GCSArchive) Load(ctx context.Context, version uint64) (kstate.Snapshot, error) {
	r, err := a.client.Bucket(a.bucket).Object(a.objectName(version)).NewReader(ctx)
	if err != nil {
		return kstate.Snapshot{}, fmt.Errorf("snapshotarchive: open: %w", err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return kstate.Snapshot{}, fmt.Errorf("snapshotarchive: read: %w", err)
	}

	var snap kstate.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return kstate.Snapshot{}, fmt.Errorf("snapshotarchive: decode: %w", err)
	}
	return snap, nil
}
