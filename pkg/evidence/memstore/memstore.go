// Copyright 2025 Kestrel Systems
//
// In-memory evidence.Store, used by tests and by ephemeral/rehearsal
// kernels that never need durability.

package memstore

import (
	"fmt"
	"sync"

	"github.com/kestrel-systems/govkernel/pkg/evidence"
)

// Store is a simple append-only, slice-backed evidence.Store.
type Store struct {
	mu      sync.Mutex
	entries []evidence.Evidence
}

// New creates an empty in-memory evidence store.
func New() *Store {
	return &Store{}
}

func (s *Store) Append(e evidence.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *Store) GetHistory() ([]evidence.Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]evidence.Evidence, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *Store) GetLatest() (*evidence.Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	e := s.entries[len(s.entries)-1]
	return &e, nil
}

// String is a debug helper mirroring the teacher's terse Stringer
// implementations on small store types.
func (s *Store) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("memstore.Store{entries=%d}", len(s.entries))
}
