// Copyright 2025 Kestrel Systems
//
// State Model: per-metric provenance hash chains plus a global
// Merkle-linked snapshot chain. applyTrusted is the kernel's sole
// mutation entry point - it builds a full draft KernelState and only
// ever swaps the live pointer once the draft is entirely valid,
// mirroring the teacher's LedgerStore.UpdateSystemLedgerOnCommit
// "build full meta, marshal, then single Set" pattern generalized from
// a KV write to an in-memory immutable swap.

package kstate

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kestrel-systems/govkernel/pkg/action"
	"github.com/kestrel-systems/govkernel/pkg/kcrypto"
	"github.com/kestrel-systems/govkernel/pkg/merkle"
)

// MetricType enumerates the metric value shapes the kernel tracks.
type MetricType string

const (
	MetricCounter MetricType = "COUNTER"
	MetricGauge   MetricType = "GAUGE"
	MetricBoolean MetricType = "BOOLEAN"
)

var (
	ErrReservedMetricID  = errors.New("kstate: metric id is reserved")
	ErrUnknownMetric     = errors.New("kstate: metric is not registered")
	ErrValidationFailed  = errors.New("kstate: mutation failed metric validator")
	ErrGlobalMonotonic   = errors.New("kstate: timestamp precedes kernel lastUpdate")
	ErrMetricMonotonic   = errors.New("kstate: timestamp precedes metric's last update")
	ErrEmptyMutationSet  = errors.New("kstate: mutation set is empty")
	ErrMissingEvidenceID = errors.New("kstate: evidenceId is required to apply a mutation")
	ErrChainBroken       = errors.New("kstate: snapshot chain integrity check failed")
)

// Metric is a registered mutation target.
type Metric struct {
	ID          string
	Type        MetricType
	Validator   func(value interface{}) error
	Description string
	Unit        string
}

// Mutation is one (metricId, value) pair to apply.
type Mutation struct {
	MetricID string
	Value    interface{}
}

// StateValue is a metric's current value plus its provenance chain.
type StateValue struct {
	Value        interface{}
	UpdatedAt    action.LogicalTime
	EvidenceHash string // hex evidenceId that produced this value
	StateHash    string // hex: H(prevStateHash || evidenceId)
}

// KernelState is the full set of metric values at a point in the chain.
type KernelState struct {
	Metrics    map[string]StateValue
	Version    uint64
	LastUpdate action.LogicalTime
}

func (s KernelState) clone() KernelState {
	cp := KernelState{
		Metrics:    make(map[string]StateValue, len(s.Metrics)),
		Version:    s.Version,
		LastUpdate: s.LastUpdate,
	}
	for k, v := range s.Metrics {
		cp.Metrics[k] = v
	}
	return cp
}

// Snapshot is a Merkle-linked, hash-chained view of KernelState
// immediately after one committed action.
type Snapshot struct {
	State            KernelState
	Hash             string
	PreviousHash     string
	ActionID         string
	Timestamp        action.LogicalTime
	GlobalMerkleRoot string
}

// genesisHash is H("GENESIS"), the root of every snapshot chain.
func genesisHash() string {
	h := kcrypto.Hash([]byte("GENESIS"))
	return hex.EncodeToString(h[:])
}

// Manager owns the live KernelState, the full snapshot chain, and the
// registered metric set. All writes happen through ApplyTrusted; reads
// are safe for concurrent callers.
type Manager struct {
	mu        sync.RWMutex
	metrics   map[string]Metric
	state     KernelState
	snapshots []Snapshot
}

// NewManager creates a Manager seeded with a genesis snapshot.
func NewManager() *Manager {
	genesis := Snapshot{
		State:            KernelState{Metrics: map[string]StateValue{}, Version: 0},
		Hash:             genesisHash(),
		PreviousHash:     "",
		GlobalMerkleRoot: "",
	}
	return &Manager{
		metrics:   make(map[string]Metric),
		state:     genesis.State,
		snapshots: []Snapshot{genesis},
	}
}

// RegisterMetric adds a metric definition. Metrics are registered
// before any action referencing them can pass ValidateMutation.
func (m *Manager) RegisterMetric(metric Metric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[metric.ID] = metric
}

// ValidateMutation checks that mut targets a non-reserved, registered
// metric and passes that metric's optional validator.
func (m *Manager) ValidateMutation(mut Mutation) error {
	if action.ReservedMetricIDs[mut.MetricID] {
		return fmt.Errorf("%w: %s", ErrReservedMetricID, mut.MetricID)
	}

	m.mu.RLock()
	metric, ok := m.metrics[mut.MetricID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMetric, mut.MetricID)
	}
	if metric.Validator != nil {
		if err := metric.Validator(mut.Value); err != nil {
			return fmt.Errorf("%w: metric=%s: %v", ErrValidationFailed, mut.MetricID, err)
		}
	}
	return nil
}

// CurrentState returns a copy of the live KernelState.
func (m *Manager) CurrentState() KernelState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.clone()
}

// LatestSnapshot returns a copy of the most recent snapshot.
func (m *Manager) LatestSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshots[len(m.snapshots)-1]
}

// Snapshots returns a copy of the full snapshot chain.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, len(m.snapshots))
	copy(out, m.snapshots)
	return out
}

// ApplyTrusted is the sole mutation entry point. It validates every
// mutation and both monotonicity constraints against a draft state
// before touching the live state - either the entire draft replaces
// state and a new snapshot is appended, or nothing does. Callers must
// have already established evidenceID (the evidence log entry for
// this action) before calling.
func (m *Manager) ApplyTrusted(mutations []Mutation, timestamp action.LogicalTime, initiator, actionID, evidenceID string) (Snapshot, error) {
	if len(mutations) == 0 {
		return Snapshot{}, ErrEmptyMutationSet
	}
	if evidenceID == "" {
		return Snapshot{}, ErrMissingEvidenceID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if timestamp.Before(m.state.LastUpdate) {
		return Snapshot{}, fmt.Errorf("%w: action=%s", ErrGlobalMonotonic, actionID)
	}

	draft := m.state.clone()

	for _, mut := range mutations {
		if err := m.validateMutationLocked(mut); err != nil {
			return Snapshot{}, err
		}
		prev, existed := draft.Metrics[mut.MetricID]
		if existed && timestamp.Before(prev.UpdatedAt) {
			return Snapshot{}, fmt.Errorf("%w: metric=%s action=%s", ErrMetricMonotonic, mut.MetricID, actionID)
		}

		prevStateHash := prev.StateHash
		if !existed {
			prevStateHash = genesisHash()
		}
		prevHashBytes, err := hex.DecodeString(prevStateHash)
		if err != nil {
			return Snapshot{}, fmt.Errorf("kstate: corrupt prior state hash for %s: %w", mut.MetricID, err)
		}
		evidenceIDBytes, err := hex.DecodeString(evidenceID)
		if err != nil {
			return Snapshot{}, fmt.Errorf("kstate: invalid evidenceId: %w", err)
		}
		newHash := kcrypto.HashConcat(prevHashBytes, evidenceIDBytes)

		draft.Metrics[mut.MetricID] = StateValue{
			Value:        mut.Value,
			UpdatedAt:    timestamp,
			EvidenceHash: evidenceID,
			StateHash:    hex.EncodeToString(newHash[:]),
		}
	}

	draft.Version = m.state.Version + 1
	draft.LastUpdate = timestamp

	root, err := computeGlobalMerkleRoot(draft)
	if err != nil {
		return Snapshot{}, fmt.Errorf("kstate: merkle root: %w", err)
	}

	prevSnapshot := m.snapshots[len(m.snapshots)-1]
	snapshotHash, err := computeSnapshotHash(draft.Version, actionID, timestamp, root, prevSnapshot.Hash)
	if err != nil {
		return Snapshot{}, fmt.Errorf("kstate: snapshot hash: %w", err)
	}

	snap := Snapshot{
		State:            draft,
		Hash:             snapshotHash,
		PreviousHash:     prevSnapshot.Hash,
		ActionID:         actionID,
		Timestamp:        timestamp,
		GlobalMerkleRoot: root,
	}

	// Atomic swap: nothing above this line has touched m.state or m.snapshots.
	m.state = draft
	m.snapshots = append(m.snapshots, snap)
	return snap, nil
}

func (m *Manager) validateMutationLocked(mut Mutation) error {
	if action.ReservedMetricIDs[mut.MetricID] {
		return fmt.Errorf("%w: %s", ErrReservedMetricID, mut.MetricID)
	}
	metric, ok := m.metrics[mut.MetricID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMetric, mut.MetricID)
	}
	if metric.Validator != nil {
		if err := metric.Validator(mut.Value); err != nil {
			return fmt.Errorf("%w: metric=%s: %v", ErrValidationFailed, mut.MetricID, err)
		}
	}
	return nil
}

// globalMerkleLeaves renders the ordered leaf set the global root is
// built over: one "metricId:stateHash" leaf per metric, sorted by id
// for determinism, plus a trailing "version:N" leaf binding the root
// to the snapshot's version as spec.md 3 requires.
func globalMerkleLeaves(state KernelState) ([]string, [][]byte) {
	ids := make([]string, 0, len(state.Metrics))
	for id := range state.Metrics {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	labels := make([]string, 0, len(ids)+1)
	leaves := make([][]byte, 0, len(ids)+1)
	for _, id := range ids {
		label := fmt.Sprintf("%s:%s", id, state.Metrics[id].StateHash)
		labels = append(labels, label)
		leaves = append(leaves, merkle.HashData([]byte(label)))
	}
	versionLabel := fmt.Sprintf("version:%d", state.Version)
	labels = append(labels, versionLabel)
	leaves = append(leaves, merkle.HashData([]byte(versionLabel)))

	return labels, leaves
}

// computeGlobalMerkleRoot hashes the metrics map sorted by key plus
// the version leaf, using pkg/merkle verbatim - InclusionProof over
// this tree proves a single metric's membership, or the version
// binding, without exposing the rest of the map.
func computeGlobalMerkleRoot(state KernelState) (string, error) {
	if len(state.Metrics) == 0 {
		return "", nil
	}

	_, leaves := globalMerkleLeaves(state)
	tree, err := merkle.BuildTree(leaves)
	if err != nil {
		return "", err
	}
	return tree.RootHex(), nil
}

// ProveMetric builds a portable Merkle receipt proving that metricId's
// current stateHash is included in version's globalMerkleRoot. The
// receipt is self-contained: an external auditor can call
// merkle.Receipt.Validate() without trusting this kernel or holding
// the rest of the metrics map.
func (m *Manager) ProveMetric(version uint64, metricID string) (*merkle.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var snap *Snapshot
	for i := range m.snapshots {
		if m.snapshots[i].State.Version == version {
			snap = &m.snapshots[i]
			break
		}
	}
	if snap == nil {
		return nil, fmt.Errorf("kstate: no snapshot at version %d", version)
	}
	if _, ok := snap.State.Metrics[metricID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, metricID)
	}

	labels, leaves := globalMerkleLeaves(snap.State)
	tree, err := merkle.BuildTree(leaves)
	if err != nil {
		return nil, fmt.Errorf("kstate: build proof tree: %w", err)
	}

	wantLabel := fmt.Sprintf("%s:%s", metricID, snap.State.Metrics[metricID].StateHash)
	leafIndex := -1
	for i, label := range labels {
		if label == wantLabel {
			leafIndex = i
			break
		}
	}
	if leafIndex == -1 {
		return nil, fmt.Errorf("kstate: leaf for metric %s not found in version %d", metricID, version)
	}

	proof, err := tree.GenerateProof(leafIndex)
	if err != nil {
		return nil, fmt.Errorf("kstate: generate proof: %w", err)
	}

	entries := make([]merkle.ReceiptEntry, len(proof.Path))
	for i, node := range proof.Path {
		entries[i] = merkle.ReceiptEntry{Hash: node.Hash, Right: node.Position == merkle.Right}
	}

	return &merkle.Receipt{
		Start:           proof.LeafHash,
		Anchor:          proof.MerkleRoot,
		SnapshotVersion: version,
		Entries:         entries,
	}, nil
}

func computeSnapshotHash(version uint64, actionID string, timestamp action.LogicalTime, merkleRoot, previousHash string) (string, error) {
	material := []interface{}{version, actionID, timestamp, merkleRoot, previousHash}
	sum, err := kcrypto.CanonicalHash(material)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

// VerifyIntegrity walks the snapshot chain confirming each
// previousHash links and each hash is reproducible from its own
// stored fields, returning the first break encountered.
func (m *Manager) VerifyIntegrity() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := 1; i < len(m.snapshots); i++ {
		prev := m.snapshots[i-1]
		cur := m.snapshots[i]

		if cur.PreviousHash != prev.Hash {
			return fmt.Errorf("%w: snapshot %d previousHash mismatch", ErrChainBroken, i)
		}
		recomputed, err := computeSnapshotHash(cur.State.Version, cur.ActionID, cur.Timestamp, cur.GlobalMerkleRoot, cur.PreviousHash)
		if err != nil {
			return fmt.Errorf("%w: snapshot %d: %v", ErrChainBroken, i, err)
		}
		if recomputed != cur.Hash {
			return fmt.Errorf("%w: snapshot %d hash mismatch", ErrChainBroken, i)
		}
	}
	return nil
}
