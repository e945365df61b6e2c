// Copyright 2025 Kestrel Systems
//
// evidence.Store backed by Google Cloud Firestore, for deployments
// that want a managed, horizontally-scaled evidence log rather than a
// self-hosted Postgres instance. One document per sequence number in
// a flat collection - the teacher's pkg/firestore package used the
// same client for attestation persistence.

package firestorestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/kestrel-systems/govkernel/pkg/evidence"
)

const defaultCollection = "kernel_evidence"

// Store is a Firestore-backed evidence.Store.
type Store struct {
	client     *firestore.Client
	collection string
}

// New wraps an already-constructed Firestore client. collection
// defaults to "kernel_evidence" when empty.
func New(client *firestore.Client, collection string) *Store {
	if collection == "" {
		collection = defaultCollection
	}
	return &Store{client: client, collection: collection}
}

func (s *Store) docID(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// Append, GetLatest, and GetHistory take no context parameter so Store
// satisfies evidence.Store directly, matching the pgstore/kvstore
// adapters; each call is scoped to context.Background() internally.

func (s *Store) Append(e evidence.Evidence) error {
	ctx := context.Background()
	_, err := s.client.Collection(s.collection).Doc(s.docID(e.Sequence)).Set(ctx, e)
	if err != nil {
		return fmt.Errorf("firestorestore: set: %w", err)
	}
	return nil
}

func (s *Store) GetLatest() (*evidence.Evidence, error) {
	ctx := context.Background()
	iter := s.client.Collection(s.collection).OrderBy("Sequence", firestore.Desc).Limit(1).Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("firestorestore: query latest: %w", err)
	}
	var e evidence.Evidence
	if err := doc.DataTo(&e); err != nil {
		return nil, fmt.Errorf("firestorestore: decode latest: %w", err)
	}
	return &e, nil
}

func (s *Store) GetHistory() ([]evidence.Evidence, error) {
	ctx := context.Background()
	iter := s.client.Collection(s.collection).OrderBy("Sequence", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var out []evidence.Evidence
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestorestore: iterate history: %w", err)
		}
		var e evidence.Evidence
		if err := doc.DataTo(&e); err != nil {
			return nil, fmt.Errorf("firestorestore: decode entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
