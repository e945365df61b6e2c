// Copyright 2025 Kestrel Systems
//
// Evidence Log: the hash-chained, append-only record of every
// action's fate. It is the authoritative source for state
// reconstruction - pkg/kernel's Replay Engine re-derives the entire
// snapshot chain from nothing but this log.

package evidence

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/kestrel-systems/govkernel/pkg/action"
	"github.com/kestrel-systems/govkernel/pkg/kcrypto"
)

// Status is an evidence entry's outcome marker.
type Status string

const (
	StatusAttempt  Status = "ATTEMPT"
	StatusAccepted Status = "ACCEPTED"
	StatusReject   Status = "REJECT"
	StatusAborted  Status = "ABORTED"
	StatusSuccess  Status = "SUCCESS"
	StatusFailure  Status = "FAILURE"
)

var ErrChainBroken = errors.New("evidence: chain integrity check failed")

// Evidence is one immutable, hash-linked log entry.
type Evidence struct {
	EvidenceID         string
	PreviousEvidenceID string
	Action             action.Action
	Status             Status
	Reason             string
	Metadata           map[string]interface{}
	Timestamp          action.LogicalTime
	Sequence           uint64
}

// genesisEvidenceID seeds the chain the same way kstate seeds its
// snapshot chain, so a freshly constructed log and a freshly
// constructed state model agree on what "nothing has happened yet"
// hashes to.
func genesisEvidenceID() string {
	h := kcrypto.Hash([]byte("GENESIS"))
	return hex.EncodeToString(h[:])
}

// ComputeEvidenceID derives evidenceId = H(canonical([prev, actionId,
// status, timestamp, H(reason), H(canonical(metadata))])).
func ComputeEvidenceID(previousID, actionID string, status Status, timestamp action.LogicalTime, reason string, metadata map[string]interface{}) (string, error) {
	reasonHash := kcrypto.Hash([]byte(reason))

	canonMeta, err := kcrypto.Canonical(metadata)
	if err != nil {
		return "", fmt.Errorf("evidence: canonicalize metadata: %w", err)
	}
	metaHash := kcrypto.Hash(canonMeta)

	material := []interface{}{
		previousID, actionID, string(status), timestamp,
		hex.EncodeToString(reasonHash[:]), hex.EncodeToString(metaHash[:]),
	}
	sum, err := kcrypto.CanonicalHash(material)
	if err != nil {
		return "", fmt.Errorf("evidence: canonicalize id material: %w", err)
	}
	return hex.EncodeToString(sum[:]), nil
}

// Store is the pluggable persistence port for the evidence log (see
// the memory, kv, Postgres, and Firestore adapters in this package
// tree). append must persist before returning, per spec section 4.7 -
// Log.Append relies on that to keep the in-memory head consistent
// with durable storage across a crash.
type Store interface {
	Append(e Evidence) error
	GetHistory() ([]Evidence, error)
	GetLatest() (*Evidence, error)
}

// Log is the kernel-facing evidence chain. It wraps a Store and
// derives each new entry's hash from the previous one, so the Store
// itself never needs to know about hash chaining.
type Log struct {
	store Store
	head  *Evidence
	seq   uint64
}

// NewLog constructs a Log over store, re-seeding its in-memory head
// from whatever history the store already holds (the re-seed-on-
// construction behavior spec section 4.7 requires of external stores).
func NewLog(store Store) (*Log, error) {
	l := &Log{store: store}
	latest, err := store.GetLatest()
	if err != nil {
		return nil, fmt.Errorf("evidence: load latest: %w", err)
	}
	if latest != nil {
		l.head = latest
		l.seq = latest.Sequence + 1
	}
	return l, nil
}

// previousID returns the id the next entry should chain from.
func (l *Log) previousID() string {
	if l.head == nil {
		return genesisEvidenceID()
	}
	return l.head.EvidenceID
}

// Append appends a new evidence entry and persists it through the
// underlying Store before advancing the in-memory head.
func (l *Log) Append(a action.Action, status Status, reason string, metadata map[string]interface{}, timestamp action.LogicalTime) (Evidence, error) {
	prev := l.previousID()
	id, err := ComputeEvidenceID(prev, a.ActionID, status, timestamp, reason, metadata)
	if err != nil {
		return Evidence{}, err
	}

	e := Evidence{
		EvidenceID:         id,
		PreviousEvidenceID: prev,
		Action:             a,
		Status:             status,
		Reason:             reason,
		Metadata:           metadata,
		Timestamp:          timestamp,
		Sequence:           l.seq,
	}

	if err := l.store.Append(e); err != nil {
		return Evidence{}, fmt.Errorf("evidence: persist: %w", err)
	}

	l.head = &e
	l.seq++
	return e, nil
}

// Latest returns the most recently appended entry, or nil if the log is empty.
func (l *Log) Latest() *Evidence {
	return l.head
}

// History returns the full ordered chain from the underlying store.
func (l *Log) History() ([]Evidence, error) {
	return l.store.GetHistory()
}

// VerifyChain walks the chain recomputing hashes and checking
// linkage; it returns the first mismatch encountered.
func (l *Log) VerifyChain() error {
	history, err := l.store.GetHistory()
	if err != nil {
		return fmt.Errorf("evidence: load history: %w", err)
	}

	prev := genesisEvidenceID()
	for i, e := range history {
		if e.PreviousEvidenceID != prev {
			return fmt.Errorf("%w: entry %d previousEvidenceId mismatch", ErrChainBroken, i)
		}
		recomputed, err := ComputeEvidenceID(e.PreviousEvidenceID, e.Action.ActionID, e.Status, e.Timestamp, e.Reason, e.Metadata)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrChainBroken, i, err)
		}
		if recomputed != e.EvidenceID {
			return fmt.Errorf("%w: entry %d evidenceId mismatch", ErrChainBroken, i)
		}
		prev = e.EvidenceID
	}
	return nil
}
