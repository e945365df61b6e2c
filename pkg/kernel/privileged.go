// Copyright 2025 Kestrel Systems
//
// Privileged operations: entity and delegation management, plus the
// governance override path. Each requires the caller to be authorized
// for a GOVERNANCE capacity and logs its own SUCCESS evidence,
// independent of the submit/guard/commit pipeline used for ordinary
// metric-mutating actions.

package kernel

import (
	"encoding/hex"
	"fmt"

	"github.com/kestrel-systems/govkernel/pkg/action"
	"github.com/kestrel-systems/govkernel/pkg/authority"
	"github.com/kestrel-systems/govkernel/pkg/evidence"
	"github.com/kestrel-systems/govkernel/pkg/identity"
	"github.com/kestrel-systems/govkernel/pkg/kstate"
)

// GovernanceCapacity and GovernanceOverrideCapacity are the capacities
// privileged operations check via the Authority Engine.
const (
	GovernanceCapacity         = "GOVERNANCE"
	GovernanceOverrideCapacity = "GOVERNANCE.OVERRIDE"
	GovernanceJurisdiction     = "*"
)

func (k *Kernel) requireGovernanceLocked(caller string, now action.LogicalTime) error {
	if !k.authority.Authorized(caller, GovernanceCapacity, GovernanceJurisdiction, authority.CheckContext{Time: now}) {
		return fmt.Errorf("kernel: caller %s lacks %s:%s", caller, GovernanceCapacity, GovernanceJurisdiction)
	}
	return nil
}

// logPrivilegedSuccess appends a SUCCESS evidence entry for a
// privileged op that bypasses the normal attempt pipeline - it
// synthesizes a minimal Action so the evidence chain still has
// something to hash against.
func (k *Kernel) logPrivilegedSuccess(caller, kind string, metadata map[string]interface{}, now action.LogicalTime) error {
	synthetic := action.Action{
		ActionID:  fmt.Sprintf("priv-%s-%d-%d", kind, now.Epoch, now.Logical),
		Initiator: caller,
		Payload:   action.Payload{MetricID: kind, ProtocolID: "SYSTEM"},
		Timestamp: now,
		Signature: action.SentinelGovernanceSignature,
	}
	_, err := k.evidence.Append(synthetic, evidence.StatusSuccess, "", metadata, now)
	return err
}

// CreateEntity registers a new identity entity. caller must be
// authorized for GOVERNANCE:*.
func (k *Kernel) CreateEntity(caller string, e identity.Entity, now action.LogicalTime) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.requireGovernanceLocked(caller, now); err != nil {
		return err
	}
	if err := k.registry.Register(e); err != nil {
		return err
	}
	meta := map[string]interface{}{
		"entityId":     e.ID,
		"publicKeyHex": hex.EncodeToString(e.PublicKey),
		"type":         string(e.Type),
		"isRoot":       e.IsRoot,
		"parents":      e.Parents,
	}
	return k.logPrivilegedSuccess(caller, "createEntity", meta, now)
}

// GrantAuthority records a new delegation. caller must be authorized
// for GOVERNANCE:* (the Authority Engine separately enforces the
// non-escalation rule against the delegation's own granter field).
func (k *Kernel) GrantAuthority(caller string, d authority.Delegation, now action.LogicalTime) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.requireGovernanceLocked(caller, now); err != nil {
		return "", err
	}
	authorityID, err := k.authority.Grant(d, now)
	if err != nil {
		return "", err
	}

	meta := map[string]interface{}{
		"authorityId":  authorityID,
		"granter":      d.Granter,
		"grantee":      d.Grantee,
		"capacity":     d.Capacity,
		"jurisdiction": d.Jurisdiction,
	}
	if d.ExpiresAt != nil {
		meta["expiresAt"] = *d.ExpiresAt
	}
	if d.Limits != nil && d.Limits.MaxValue != nil {
		meta["maxValue"] = *d.Limits.MaxValue
	}
	if err := k.logPrivilegedSuccess(caller, "grantAuthority", meta, now); err != nil {
		return "", err
	}
	return authorityID, nil
}

// RevokeAuthority flips a delegation to REVOKED. caller must be
// authorized for GOVERNANCE:*.
func (k *Kernel) RevokeAuthority(caller, authorityID string, now action.LogicalTime) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.requireGovernanceLocked(caller, now); err != nil {
		return err
	}
	if err := k.authority.Revoke(authorityID); err != nil {
		return err
	}
	return k.logPrivilegedSuccess(caller, "revokeAuthority", map[string]interface{}{"authorityId": authorityID}, now)
}

// RevokeEntity revokes an identity entity. caller must be authorized
// for GOVERNANCE:*; root entities cannot be revoked regardless.
func (k *Kernel) RevokeEntity(caller, entityID string, now action.LogicalTime) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.requireGovernanceLocked(caller, now); err != nil {
		return err
	}
	if err := k.registry.Revoke(entityID, now.Logical); err != nil {
		return err
	}
	return k.logPrivilegedSuccess(caller, "revokeEntity", map[string]interface{}{"entityId": entityID}, now)
}

// Override bypasses normal protocol binding for a single action. The
// caller must hold GOVERNANCE.OVERRIDE, and signatures must contain at
// least cfg.MultiSigThreshold distinct valid signatures from the
// config-driven signer registry (pkg/config.MultiSigSigners) - the
// spec's named hard-coded-signer-set gap is closed by sourcing the set
// from config rather than inventing a new subsystem.
func (k *Kernel) Override(caller string, a action.Action, justification string, signatures []string, now action.LogicalTime) (*CommitResult, error) {
	k.mu.Lock()

	if !k.authority.Authorized(caller, GovernanceOverrideCapacity, GovernanceJurisdiction, authority.CheckContext{Time: now}) {
		k.mu.Unlock()
		return nil, ErrOverrideUnauthorized
	}

	validSigners := make(map[string]bool, len(k.cfg.MultiSigSigners))
	for _, s := range k.cfg.MultiSigSigners {
		validSigners[s] = true
	}
	var distinctValid []string
	seen := make(map[string]bool)
	for _, sig := range signatures {
		if validSigners[sig] && !seen[sig] {
			seen[sig] = true
			distinctValid = append(distinctValid, sig)
		}
	}
	if len(distinctValid) < k.cfg.MultiSigThreshold {
		k.mu.Unlock()
		return nil, fmt.Errorf("%w: have %d, need %d", ErrOverrideSignatures, len(distinctValid), k.cfg.MultiSigThreshold)
	}

	prevSnapshot := k.state.LatestSnapshot()
	mutation := kstate.Mutation{MetricID: a.Payload.MetricID, Value: a.Payload.Value}
	meta := map[string]interface{}{
		"justification": justification,
		"signers":       distinctValid,
		"override":      true,
		"mutations": []map[string]interface{}{
			{"metricId": mutation.MetricID, "value": mutation.Value},
		},
	}
	ev, err := k.evidence.Append(a, evidence.StatusSuccess, justification, meta, a.Timestamp)
	if err != nil {
		k.mu.Unlock()
		return nil, fmt.Errorf("kernel: append override SUCCESS evidence: %w", err)
	}

	snap, err := k.state.ApplyTrusted([]kstate.Mutation{mutation}, a.Timestamp, caller, a.ActionID, ev.EvidenceID)
	if err != nil {
		k.mu.Unlock()
		return nil, fmt.Errorf("kernel: override apply: %w", err)
	}
	k.seen[a.ActionID] = true
	k.mu.Unlock()

	return &CommitResult{
		AttemptID:    a.ActionID,
		OldStateHash: prevSnapshot.Hash,
		NewStateHash: snap.Hash,
		Timestamp:    a.Timestamp,
		Status:       AttemptCommitted,
	}, nil
}
