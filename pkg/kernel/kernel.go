// Copyright 2025 Kestrel Systems
//
// Kernel: the orchestrator. It owns the attempts map, the seen-action
// set, and the lifecycle state, and serializes submit+guard+commit
// behind a single lock - generalized from the teacher's single ABCI
// application struct that owns all consensus-critical in-memory state
// and serializes DeliverTx+Commit through one goroutine.

package kernel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kestrel-systems/govkernel/pkg/action"
	"github.com/kestrel-systems/govkernel/pkg/authority"
	"github.com/kestrel-systems/govkernel/pkg/config"
	"github.com/kestrel-systems/govkernel/pkg/evidence"
	"github.com/kestrel-systems/govkernel/pkg/guard"
	"github.com/kestrel-systems/govkernel/pkg/identity"
	"github.com/kestrel-systems/govkernel/pkg/kstate"
	"github.com/kestrel-systems/govkernel/pkg/merkle"
	"github.com/kestrel-systems/govkernel/pkg/protocol"
	"github.com/kestrel-systems/govkernel/pkg/telemetry"
)

// Lifecycle is the kernel's own state machine, distinct from any
// entity or delegation/protocol lifecycle.
type Lifecycle string

const (
	LifecycleUninitialized Lifecycle = "UNINITIALIZED"
	LifecycleConstituted   Lifecycle = "CONSTITUTED"
	LifecycleActive        Lifecycle = "ACTIVE"
	LifecycleSuspended     Lifecycle = "SUSPENDED"
	LifecycleViolated      Lifecycle = "VIOLATED"
	LifecycleRecovered     Lifecycle = "RECOVERED"
	LifecycleDissolved     Lifecycle = "DISSOLVED"
)

// AttemptStatus is the transient in-flight state of one submitted action.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "PENDING"
	AttemptAccepted  AttemptStatus = "ACCEPTED"
	AttemptRejected  AttemptStatus = "REJECTED"
	AttemptCommitted AttemptStatus = "COMMITTED"
	AttemptAborted   AttemptStatus = "ABORTED"
)

// Attempt is the transient record held between submit and commit/reject.
type Attempt struct {
	ID         string
	Initiator  string
	ProtocolID string
	Action     action.Action
	Cost       int
	Timestamp  action.LogicalTime
	Status     AttemptStatus
	Rejection  *guard.Rejection
}

// CommitResult is returned by commitAttempt and Execute on success.
type CommitResult struct {
	AttemptID    string
	OldStateHash string
	NewStateHash string
	Cost         int
	Timestamp    action.LogicalTime
	Status       AttemptStatus
}

var (
	ErrNotActive          = errors.New("kernel: lifecycle is not ACTIVE")
	ErrIllegalTransition  = errors.New("kernel: illegal lifecycle transition")
	ErrAttemptNotFound    = errors.New("kernel: attempt not found")
	ErrAttemptWrongState  = errors.New("kernel: attempt is not in the expected state")
	ErrBudgetExhausted    = errors.New("kernel: budget exhausted")
	ErrProtocolConflict   = errors.New("kernel: protocol conflict aborted commit")
	ErrMutationInvalid    = errors.New("kernel: mutation failed validation, commit aborted")
	ErrGuardRejected      = errors.New("kernel: guard rejected action")
	ErrOverrideSignatures = errors.New("kernel: insufficient distinct override signatures")
	ErrOverrideUnauthorized = errors.New("kernel: caller lacks GOVERNANCE:OVERRIDE")
)

// criticalRejectionCodes trigger automatic revocation of the
// initiator per spec.md 4.9, except when the attempt is a rehearsal or
// the initiator is a root entity.
var criticalRejectionCodes = map[string]bool{
	"SIGNATURE_INVALID": true,
	"OVERSCOPE_ATTEMPT": true,
	"REVOKED_ENTITY":    true,
}

// Kernel is the governance kernel orchestrator. Construct with New.
type Kernel struct {
	mu sync.Mutex

	registry  *identity.Registry
	authority *authority.Engine
	state     *kstate.Manager
	protocols *protocol.Engine
	evidence  *evidence.Log
	pressure  *guard.PressureMonitor
	metrics   *telemetry.Metrics
	logger    telemetry.Logger
	cfg       config.Config

	attempts map[string]*Attempt
	seen     map[string]bool
	lifecycle Lifecycle
}

// Options bundles the dependencies New needs beyond cfg, so
// constructing a Kernel in tests doesn't require a real Prometheus
// registry or a non-nop logger.
type Options struct {
	EvidenceStore evidence.Store
	Metrics       *telemetry.Metrics
	Logger        telemetry.Logger
	PressureSink  func(invariantID string, count float64)
	// InitialMetrics registers every metric definition the kernel's
	// state model will track. These must be in place before replay
	// runs, since a replayed mutation against an unregistered metric
	// would otherwise fail ErrUnknownMetric on a history that was
	// accepted the first time around.
	InitialMetrics []kstate.Metric
}

// New constructs a kernel from cfg and opts, seeds the identity
// registry from cfg.InitialEntities, and runs the Replay Engine over
// whatever evidence the store already holds before transitioning to
// ACTIVE.
func New(cfg config.Config, opts Options) (*Kernel, error) {
	if opts.EvidenceStore == nil {
		return nil, errors.New("kernel: Options.EvidenceStore is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	registry := identity.NewRegistry()
	authorityEngine := authority.New(registry)
	stateManager := kstate.NewManager()
	protocolEngine := protocol.New()

	evLog, err := evidence.NewLog(opts.EvidenceStore)
	if err != nil {
		return nil, fmt.Errorf("kernel: construct evidence log: %w", err)
	}

	sink := opts.PressureSink
	pressure, err := guard.NewPressureMonitor(nil, cfg.PressureThreshold, func(invariantID string, count float64) {
		logger.Info("guard pressure", "invariantId", invariantID, "count", count)
		if sink != nil {
			sink(invariantID, count)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: construct pressure monitor: %w", err)
	}

	k := &Kernel{
		registry:  registry,
		authority: authorityEngine,
		state:     stateManager,
		protocols: protocolEngine,
		evidence:  evLog,
		pressure:  pressure,
		metrics:   opts.Metrics,
		logger:    logger,
		cfg:       cfg,
		attempts:  make(map[string]*Attempt),
		seen:      make(map[string]bool),
		lifecycle: LifecycleUninitialized,
	}

	for _, m := range opts.InitialMetrics {
		stateManager.RegisterMetric(m)
	}

	if err := k.seedEntities(cfg.InitialEntities); err != nil {
		return nil, fmt.Errorf("kernel: seed entities: %w", err)
	}
	k.lifecycle = LifecycleConstituted

	if err := k.replay(); err != nil {
		k.lifecycle = LifecycleViolated
		return nil, fmt.Errorf("kernel: replay: %w", err)
	}
	k.lifecycle = LifecycleActive

	return k, nil
}

func (k *Kernel) seedEntities(entities []config.EntityConfig) error {
	for _, ec := range entities {
		pubKey, err := decodeHexPublicKey(ec.PublicKeyHex)
		if err != nil {
			return fmt.Errorf("entity %s: %w", ec.ID, err)
		}
		e := identity.Entity{
			ID:        ec.ID,
			PublicKey: pubKey,
			Type:      identity.EntityType(ec.Type),
			Status:    identity.StatusActive,
			Parents:   ec.Parents,
			IsRoot:    ec.IsRoot,
		}
		if err := k.registry.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// Lifecycle returns the kernel's current lifecycle state.
func (k *Kernel) Lifecycle() Lifecycle {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lifecycle
}

// requireActiveLocked must be called with k.mu held.
func (k *Kernel) requireActiveLocked() error {
	if k.lifecycle != LifecycleActive {
		return fmt.Errorf("%w: current=%s", ErrNotActive, k.lifecycle)
	}
	return nil
}

// Contains implements guard.SeenChecker for callers outside the
// pipeline, taking k.mu itself.
func (k *Kernel) Contains(actionID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.containsLocked(actionID)
}

// containsLocked must be called with k.mu already held - it backs
// guardAttempt's ReplayGuard check, which runs inside the same
// critical section that submit/guard/commit already holds. Calling
// the locking Contains from there would deadlock on the non-reentrant
// sync.Mutex.
func (k *Kernel) containsLocked(actionID string) bool {
	return k.seen[actionID]
}

// lockedSeenView adapts a *Kernel already holding k.mu into a
// guard.SeenChecker that reads the seen-set directly, without
// re-locking.
type lockedSeenView struct {
	k *Kernel
}

func (v lockedSeenView) Contains(actionID string) bool {
	return v.k.containsLocked(actionID)
}

// CurrentState exposes the read-only current KernelState.
func (k *Kernel) CurrentState() kstate.KernelState {
	return k.state.CurrentState()
}

// Snapshots exposes the read-only snapshot chain.
func (k *Kernel) Snapshots() []kstate.Snapshot {
	return k.state.Snapshots()
}

// EvidenceHistory exposes the read-only evidence chain.
func (k *Kernel) EvidenceHistory() ([]evidence.Evidence, error) {
	return k.evidence.History()
}

// Registry exposes read-only identity lookups.
func (k *Kernel) Registry() *identity.Registry {
	return k.registry
}

// Authority exposes read-only authorization checks.
func (k *Kernel) Authority() *authority.Engine {
	return k.authority
}

// Protocols exposes read-only protocol lookups.
func (k *Kernel) Protocols() *protocol.Engine {
	return k.protocols
}

// ProveMetric returns a portable Merkle receipt proving metricID's
// membership in the globalMerkleRoot of the given snapshot version,
// for an external auditor that doesn't want to trust this kernel.
func (k *Kernel) ProveMetric(version uint64, metricID string) (*merkle.Receipt, error) {
	return k.state.ProveMetric(version, metricID)
}
