// Copyright 2025 Kestrel Systems
//
// Action is the sole mutation request the kernel accepts. Every other
// package (invariant, guard, kstate, evidence, kernel) takes an Action
// as input; this package owns its shape and its canonical derivations
// (actionId, signing string) so every caller computes them identically.

package action

import (
	"encoding/hex"
	"fmt"

	"github.com/kestrel-systems/govkernel/pkg/kcrypto"
)

// Sentinel signature values that bypass cryptographic verification.
// Their use is gated by callers (kernel-internal system paths only),
// never by the guards themselves - see pkg/guard.SignatureGuard.
const (
	SentinelTrusted             = "TRUSTED"
	SentinelGovernanceSignature = "GOVERNANCE_SIGNATURE"
)

// CollectiveType marks an action as a collective decision requiring
// owner/synthesizer/dissent fields (see CollectiveGuard).
const CollectiveType = "COLLECTIVE"

// ReservedMetricIDs must never be accepted as a mutation target -
// they shadow prototype-pollution-style footguns carried over from
// the object-oriented systems this kernel's semantics were distilled
// from, and are rejected unconditionally by kstate.ValidateMutation.
var ReservedMetricIDs = map[string]bool{
	"__proto__":   true,
	"prototype":   true,
	"constructor": true,
}

// Payload is the mutation body of an Action.
type Payload struct {
	MetricID    string      `json:"metricId"`
	Value       interface{} `json:"value"`
	ProtocolID  string      `json:"protocolId,omitempty"`
	Irreversible bool       `json:"irreversible,omitempty"`
	Rehearsal   bool        `json:"rehearsal,omitempty"`
	Type        string      `json:"type,omitempty"`
	Owner       string      `json:"owner,omitempty"`
	Synthesizer string      `json:"synthesizer,omitempty"`
	// Dissent is a pointer so "explicitly null" (present, no value) is
	// distinguishable from "field absent" - CollectiveGuard requires
	// the former, not the latter.
	Dissent *string `json:"dissent,omitempty"`
}

// Action is the signed, canonicalized unit of admission into the kernel.
type Action struct {
	ActionID  string  `json:"actionId"`
	Initiator string  `json:"initiator"`
	Payload   Payload `json:"payload"`
	Timestamp LogicalTime `json:"timestamp"`
	ExpiresAt LogicalTime `json:"expiresAt"`
	Signature string  `json:"signature"`
}

// LogicalTime is the (epoch, logical) pair spec.md orders all kernel
// decisions by. Wall-clock (time.Now) only enters through INV-RES-02's
// future-bound check, which compares against a caller-supplied "now".
type LogicalTime struct {
	Epoch   int64 `json:"epoch"`
	Logical int64 `json:"logical"`
}

// Before reports whether t precedes other in lexicographic (epoch, logical) order.
func (t LogicalTime) Before(other LogicalTime) bool {
	if t.Epoch != other.Epoch {
		return t.Epoch < other.Epoch
	}
	return t.Logical < other.Logical
}

// Compare returns -1, 0, or 1 as t is less than, equal to, or greater than other.
func (t LogicalTime) Compare(other LogicalTime) int {
	switch {
	case t.Before(other):
		return -1
	case other.Before(t):
		return 1
	default:
		return 0
	}
}

// ComputeActionID derives actionId = SHA-256(canonical([initiator, canonical(payload), timestamp, expiresAt])):
// the signing string's fields after the actionId, encoded as one canonical array.
func ComputeActionID(initiator string, payload Payload, timestamp, expiresAt LogicalTime) (string, error) {
	canonPayload, err := kcrypto.Canonical(payload)
	if err != nil {
		return "", fmt.Errorf("action: canonicalize payload: %w", err)
	}

	material, err := kcrypto.Canonical([]interface{}{
		initiator, string(canonPayload), timestamp, expiresAt,
	})
	if err != nil {
		return "", fmt.Errorf("action: canonicalize id material: %w", err)
	}

	sum := kcrypto.Hash(material)
	return hex.EncodeToString(sum[:]), nil
}

// SigningString builds the exact byte string an initiator signs:
// actionId ":" initiator ":" canonical(payload) ":" timestamp ":" expiresAt.
func SigningString(a Action) (string, error) {
	canonPayload, err := kcrypto.Canonical(a.Payload)
	if err != nil {
		return "", fmt.Errorf("action: canonicalize payload: %w", err)
	}
	canonTimestamp, err := kcrypto.Canonical(a.Timestamp)
	if err != nil {
		return "", fmt.Errorf("action: canonicalize timestamp: %w", err)
	}
	canonExpiry, err := kcrypto.Canonical(a.ExpiresAt)
	if err != nil {
		return "", fmt.Errorf("action: canonicalize expiresAt: %w", err)
	}

	return fmt.Sprintf("%s:%s:%s:%s:%s",
		a.ActionID, a.Initiator, canonPayload, canonTimestamp, canonExpiry), nil
}

// IsSentinelSignature reports whether sig is one of the two strings
// that bypass ed25519 verification. Gating their use is the caller's
// responsibility (see pkg/kernel's privileged operations).
func IsSentinelSignature(sig string) bool {
	return sig == SentinelTrusted || sig == SentinelGovernanceSignature
}
