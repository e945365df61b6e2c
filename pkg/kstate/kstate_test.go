// Copyright 2025 Kestrel Systems

package kstate

import (
	"errors"
	"testing"

	"github.com/kestrel-systems/govkernel/pkg/action"
)

func newManagerWithMetric(t *testing.T) *Manager {
	t.Helper()
	m := NewManager()
	m.RegisterMetric(Metric{ID: "treasury.balance", Type: MetricGauge})
	return m
}

func TestApplyTrustedAppendsSnapshot(t *testing.T) {
	m := newManagerWithMetric(t)
	ts := action.LogicalTime{Epoch: 1, Logical: 1}

	snap, err := m.ApplyTrusted([]Mutation{{MetricID: "treasury.balance", Value: 100.0}}, ts, "alice", "ACT-1", "e1")
	if err != nil {
		t.Fatalf("apply trusted: %v", err)
	}
	if snap.State.Version != 1 {
		t.Fatalf("expected version 1, got %d", snap.State.Version)
	}
	if len(m.Snapshots()) != 2 { // genesis + this one
		t.Fatalf("expected 2 snapshots, got %d", len(m.Snapshots()))
	}
}

func TestApplyTrustedRejectsEmptyMutationSet(t *testing.T) {
	m := newManagerWithMetric(t)
	ts := action.LogicalTime{Epoch: 1, Logical: 1}
	if _, err := m.ApplyTrusted(nil, ts, "alice", "ACT-1", "e1"); !errors.Is(err, ErrEmptyMutationSet) {
		t.Fatalf("expected ErrEmptyMutationSet, got: %v", err)
	}
}

func TestApplyTrustedRejectsMissingEvidenceID(t *testing.T) {
	m := newManagerWithMetric(t)
	ts := action.LogicalTime{Epoch: 1, Logical: 1}
	mut := []Mutation{{MetricID: "treasury.balance", Value: 1.0}}
	if _, err := m.ApplyTrusted(mut, ts, "alice", "ACT-1", ""); !errors.Is(err, ErrMissingEvidenceID) {
		t.Fatalf("expected ErrMissingEvidenceID, got: %v", err)
	}
}

func TestApplyTrustedRejectsUnknownMetric(t *testing.T) {
	m := newManagerWithMetric(t)
	ts := action.LogicalTime{Epoch: 1, Logical: 1}
	mut := []Mutation{{MetricID: "unregistered.metric", Value: 1.0}}
	if _, err := m.ApplyTrusted(mut, ts, "alice", "ACT-1", "e1"); !errors.Is(err, ErrUnknownMetric) {
		t.Fatalf("expected ErrUnknownMetric, got: %v", err)
	}
}

func TestApplyTrustedRejectsReservedMetric(t *testing.T) {
	m := newManagerWithMetric(t)
	ts := action.LogicalTime{Epoch: 1, Logical: 1}
	mut := []Mutation{{MetricID: "__proto__", Value: 1.0}}
	if _, err := m.ApplyTrusted(mut, ts, "alice", "ACT-1", "e1"); !errors.Is(err, ErrReservedMetricID) {
		t.Fatalf("expected ErrReservedMetricID, got: %v", err)
	}
}

func TestApplyTrustedRejectsGlobalNonMonotonicTimestamp(t *testing.T) {
	m := newManagerWithMetric(t)
	later := action.LogicalTime{Epoch: 1, Logical: 10}
	earlier := action.LogicalTime{Epoch: 1, Logical: 5}

	if _, err := m.ApplyTrusted([]Mutation{{MetricID: "treasury.balance", Value: 1.0}}, later, "alice", "ACT-1", "e1"); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if _, err := m.ApplyTrusted([]Mutation{{MetricID: "treasury.balance", Value: 2.0}}, earlier, "alice", "ACT-2", "e2"); !errors.Is(err, ErrGlobalMonotonic) {
		t.Fatalf("expected ErrGlobalMonotonic, got: %v", err)
	}
}

func TestApplyTrustedLeavesStateUntouchedOnValidationFailure(t *testing.T) {
	m := newManagerWithMetric(t)
	ts := action.LogicalTime{Epoch: 1, Logical: 1}

	// Mix one valid and one invalid mutation; the whole batch must be
	// rejected and the live state must remain at its prior version.
	before := m.CurrentState().Version
	_, err := m.ApplyTrusted([]Mutation{
		{MetricID: "treasury.balance", Value: 1.0},
		{MetricID: "unregistered.metric", Value: 1.0},
	}, ts, "alice", "ACT-1", "e1")
	if err == nil {
		t.Fatal("expected an error for the unknown metric in the batch")
	}
	if m.CurrentState().Version != before {
		t.Fatalf("expected state version unchanged on failed batch, got %d", m.CurrentState().Version)
	}
}

func TestStateHashChainsAcrossMutations(t *testing.T) {
	m := newManagerWithMetric(t)
	ts1 := action.LogicalTime{Epoch: 1, Logical: 1}
	ts2 := action.LogicalTime{Epoch: 1, Logical: 2}

	snap1, err := m.ApplyTrusted([]Mutation{{MetricID: "treasury.balance", Value: 1.0}}, ts1, "alice", "ACT-1", "e1")
	if err != nil {
		t.Fatalf("apply 1: %v", err)
	}
	snap2, err := m.ApplyTrusted([]Mutation{{MetricID: "treasury.balance", Value: 2.0}}, ts2, "alice", "ACT-2", "e2")
	if err != nil {
		t.Fatalf("apply 2: %v", err)
	}

	if snap1.State.Metrics["treasury.balance"].StateHash == snap2.State.Metrics["treasury.balance"].StateHash {
		t.Fatal("expected stateHash to change across mutations")
	}
	if snap2.PreviousHash != snap1.Hash {
		t.Fatal("expected snapshot chain to link previousHash to the prior snapshot's hash")
	}
}

func TestVerifyIntegrityDetectsNothingOnCleanChain(t *testing.T) {
	m := newManagerWithMetric(t)
	ts := action.LogicalTime{Epoch: 1, Logical: 1}
	if _, err := m.ApplyTrusted([]Mutation{{MetricID: "treasury.balance", Value: 1.0}}, ts, "alice", "ACT-1", "e1"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := m.VerifyIntegrity(); err != nil {
		t.Fatalf("expected clean chain to verify, got: %v", err)
	}
}

func TestProveMetricProducesSelfValidatingReceipt(t *testing.T) {
	m := NewManager()
	m.RegisterMetric(Metric{ID: "treasury.balance", Type: MetricGauge})
	m.RegisterMetric(Metric{ID: "treasury.reserve", Type: MetricGauge})
	ts := action.LogicalTime{Epoch: 1, Logical: 1}

	snap, err := m.ApplyTrusted([]Mutation{
		{MetricID: "treasury.balance", Value: 10.0},
		{MetricID: "treasury.reserve", Value: 20.0},
	}, ts, "alice", "ACT-1", "e1")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	receipt, err := m.ProveMetric(snap.State.Version, "treasury.balance")
	if err != nil {
		t.Fatalf("prove metric: %v", err)
	}
	if receipt.Anchor != snap.GlobalMerkleRoot {
		t.Fatalf("expected receipt anchor to equal the snapshot's globalMerkleRoot, got %s want %s", receipt.Anchor, snap.GlobalMerkleRoot)
	}
	if err := receipt.Validate(); err != nil {
		t.Fatalf("expected receipt to self-validate, got: %v", err)
	}
}

func TestProveMetricUnknownMetricFails(t *testing.T) {
	m := newManagerWithMetric(t)
	ts := action.LogicalTime{Epoch: 1, Logical: 1}
	snap, err := m.ApplyTrusted([]Mutation{{MetricID: "treasury.balance", Value: 1.0}}, ts, "alice", "ACT-1", "e1")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := m.ProveMetric(snap.State.Version, "treasury.missing"); !errors.Is(err, ErrUnknownMetric) {
		t.Fatalf("expected ErrUnknownMetric, got: %v", err)
	}
}

func TestProveMetricUnknownVersionFails(t *testing.T) {
	m := newManagerWithMetric(t)
	if _, err := m.ProveMetric(99, "treasury.balance"); err == nil {
		t.Fatal("expected error for a version with no snapshot")
	}
}
