// Copyright 2025 Kestrel Systems

package evidence

import (
	"testing"

	"github.com/kestrel-systems/govkernel/pkg/action"
)

type memStore struct {
	entries []Evidence
}

func (m *memStore) Append(e Evidence) error {
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) GetHistory() ([]Evidence, error) {
	out := make([]Evidence, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *memStore) GetLatest() (*Evidence, error) {
	if len(m.entries) == 0 {
		return nil, nil
	}
	e := m.entries[len(m.entries)-1]
	return &e, nil
}

func sampleAction(id string, ts action.LogicalTime) action.Action {
	return action.Action{
		ActionID:  id,
		Initiator: "alice",
		Payload:   action.Payload{MetricID: "treasury.balance", Value: 1.0},
		Timestamp: ts,
	}
}

func TestLogAppendChainsFromGenesis(t *testing.T) {
	store := &memStore{}
	log, err := NewLog(store)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}

	ts := action.LogicalTime{Epoch: 1, Logical: 1}
	e, err := log.Append(sampleAction("ACT-1", ts), StatusAttempt, "", nil, ts)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.PreviousEvidenceID != genesisEvidenceID() {
		t.Fatalf("expected first entry to chain from genesis, got %s", e.PreviousEvidenceID)
	}
}

func TestLogAppendChainsSequentially(t *testing.T) {
	store := &memStore{}
	log, _ := NewLog(store)
	ts := action.LogicalTime{Epoch: 1, Logical: 1}

	e1, err := log.Append(sampleAction("ACT-1", ts), StatusAttempt, "", nil, ts)
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	e2, err := log.Append(sampleAction("ACT-2", ts), StatusAccepted, "", nil, ts)
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if e2.PreviousEvidenceID != e1.EvidenceID {
		t.Fatalf("expected entry 2 to chain from entry 1's id")
	}
}

func TestNewLogReseedsHeadFromStore(t *testing.T) {
	store := &memStore{}
	log1, _ := NewLog(store)
	ts := action.LogicalTime{Epoch: 1, Logical: 1}
	e, err := log1.Append(sampleAction("ACT-1", ts), StatusAttempt, "", nil, ts)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	log2, err := NewLog(store)
	if err != nil {
		t.Fatalf("new log 2: %v", err)
	}
	if log2.Latest() == nil || log2.Latest().EvidenceID != e.EvidenceID {
		t.Fatal("expected re-seeded log to pick up the store's latest entry")
	}

	ts2 := action.LogicalTime{Epoch: 1, Logical: 2}
	e2, err := log2.Append(sampleAction("ACT-2", ts2), StatusAccepted, "", nil, ts2)
	if err != nil {
		t.Fatalf("append after reseed: %v", err)
	}
	if e2.PreviousEvidenceID != e.EvidenceID {
		t.Fatal("expected reseeded log to chain new entries from the store's prior head")
	}
}

func TestVerifyChainDetectsTamperedReason(t *testing.T) {
	store := &memStore{}
	log, _ := NewLog(store)
	ts := action.LogicalTime{Epoch: 1, Logical: 1}
	if _, err := log.Append(sampleAction("ACT-1", ts), StatusAttempt, "", nil, ts); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.VerifyChain(); err != nil {
		t.Fatalf("expected clean chain to verify, got: %v", err)
	}

	store.entries[0].Reason = "tampered"
	if err := log.VerifyChain(); err == nil {
		t.Fatal("expected tampered entry to break chain verification")
	}
}

func TestComputeEvidenceIDDeterministic(t *testing.T) {
	ts := action.LogicalTime{Epoch: 1, Logical: 1}
	id1, err := ComputeEvidenceID("prev", "ACT-1", StatusSuccess, ts, "reason", map[string]interface{}{"a": 1})
	if err != nil {
		t.Fatalf("compute id: %v", err)
	}
	id2, err := ComputeEvidenceID("prev", "ACT-1", StatusSuccess, ts, "reason", map[string]interface{}{"a": 1})
	if err != nil {
		t.Fatalf("compute id: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected deterministic evidenceId, got %s != %s", id1, id2)
	}
}
