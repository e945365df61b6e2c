// Copyright 2025 Kestrel Systems
//
// evidence.Store backed by a pkg/kv.Store (in-memory map or
// cometbft-db). Key layout is a direct generalization of the
// teacher's keySysBlockPrefix/keySysLatestBlock big-endian height-key
// scheme: here the "height" is the evidence sequence number instead
// of a block height.

package kvstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/kestrel-systems/govkernel/pkg/evidence"
	"github.com/kestrel-systems/govkernel/pkg/kv"
)

const (
	prefixSeq   = "evidence:seq:"
	keyLatest   = "evidence:latest"
	keySeqCount = "evidence:count"
)

// Store adapts a kv.Store into an evidence.Store.
type Store struct {
	kv kv.Store
}

// New wraps the given kv.Store as an evidence.Store.
func New(store kv.Store) *Store {
	return &Store{kv: store}
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, len(prefixSeq)+8)
	copy(buf, prefixSeq)
	binary.BigEndian.PutUint64(buf[len(prefixSeq):], seq)
	return buf
}

func (s *Store) Append(e evidence.Evidence) error {
	enc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("kvstore: marshal evidence: %w", err)
	}
	if err := s.kv.Set(seqKey(e.Sequence), enc); err != nil {
		return fmt.Errorf("kvstore: write entry: %w", err)
	}
	if err := s.kv.Set([]byte(keyLatest), enc); err != nil {
		return fmt.Errorf("kvstore: write latest pointer: %w", err)
	}

	countBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(countBuf, e.Sequence+1)
	if err := s.kv.Set([]byte(keySeqCount), countBuf); err != nil {
		return fmt.Errorf("kvstore: write count: %w", err)
	}
	return nil
}

func (s *Store) GetLatest() (*evidence.Evidence, error) {
	raw, err := s.kv.Get([]byte(keyLatest))
	if err != nil {
		return nil, fmt.Errorf("kvstore: read latest: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var e evidence.Evidence
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("kvstore: unmarshal latest: %w", err)
	}
	return &e, nil
}

func (s *Store) GetHistory() ([]evidence.Evidence, error) {
	countBuf, err := s.kv.Get([]byte(keySeqCount))
	if err != nil {
		return nil, fmt.Errorf("kvstore: read count: %w", err)
	}
	if countBuf == nil {
		return nil, nil
	}
	count := binary.BigEndian.Uint64(countBuf)

	out := make([]evidence.Evidence, 0, count)
	for i := uint64(0); i < count; i++ {
		raw, err := s.kv.Get(seqKey(i))
		if err != nil {
			return nil, fmt.Errorf("kvstore: read entry %d: %w", i, err)
		}
		if raw == nil {
			return nil, fmt.Errorf("kvstore: missing entry at sequence %d", i)
		}
		var e evidence.Evidence
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("kvstore: unmarshal entry %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}
