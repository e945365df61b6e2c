// Copyright 2025 Kestrel Systems
//
// Invariants are the static preconditions evaluated first during
// Guard. Each is a pure predicate over (action, identity registry);
// violations accumulate in a slice exactly the way the teacher's
// VerifyValidatorBlockInvariants builds up a list of findings before
// returning, rather than failing fast inside the predicate itself.

package invariant

import (
	"encoding/hex"
	"fmt"
	"math"

	"github.com/kestrel-systems/govkernel/pkg/action"
	"github.com/kestrel-systems/govkernel/pkg/kcrypto"
	"github.com/kestrel-systems/govkernel/pkg/identity"
)

// MaxPayloadBytes is INV-RES-03's ceiling on canonical(payload) size.
const MaxPayloadBytes = 16 * 1024

// ClockSkewWindowMillis is INV-RES-02's tolerance for a future timestamp.
const ClockSkewWindowMillis = 60_000

// Violation is the structured rejection contract every invariant
// returns on failure - this shape is the kernel's principal
// user-facing error, propagated unchanged into Rejection.Details.
type Violation struct {
	Code        string
	InvariantID string
	Boundary    string
	Permissible string
	Message     string
}

// IdentityLookup is the narrow read surface invariants need from the
// identity registry - just enough to avoid invariant depending on the
// whole of pkg/identity's write API.
type IdentityLookup interface {
	Get(id string) (identity.Entity, error)
}

// Check is one invariant predicate. now is the caller-supplied logical
// "present" used by INV-RES-02's future-bound check.
type Check func(a action.Action, registry IdentityLookup, now action.LogicalTime) *Violation

// All is the fixed, ordered battery of invariants run by InvariantGuard.
var All = []Check{
	checkSignatureFormat,  // INV-ID-01
	checkInitiatorRegistered, // INV-ID-02
	checkInitiatorActive,  // INV-ID-03
	checkFiniteValue,      // INV-RES-01
	checkFutureBound,      // INV-RES-02
	checkPayloadSize,      // INV-RES-03
	checkActionIDPresent,  // INV-PRO-01
	checkMetricIDPresent,  // INV-PRO-02
}

// CheckAll runs every invariant against a, accumulating every
// violation rather than stopping at the first - callers (InvariantGuard)
// decide whether to surface only the first or all of them.
func CheckAll(a action.Action, registry IdentityLookup, now action.LogicalTime) []Violation {
	var violations []Violation
	for _, check := range All {
		if v := check(a, registry, now); v != nil {
			violations = append(violations, *v)
		}
	}
	return violations
}

func checkSignatureFormat(a action.Action, _ IdentityLookup, _ action.LogicalTime) *Violation {
	if action.IsSentinelSignature(a.Signature) {
		return nil
	}
	if _, err := hex.DecodeString(a.Signature); err != nil {
		return &Violation{
			Code:        "INVALID_ID_FORMAT",
			InvariantID: "INV-ID-01",
			Boundary:    "action.signature",
			Permissible: "sentinel value or hex string",
			Message:     fmt.Sprintf("signature is neither a sentinel nor valid hex: %v", err),
		}
	}
	return nil
}

func checkInitiatorRegistered(a action.Action, registry IdentityLookup, _ action.LogicalTime) *Violation {
	if a.Payload.ProtocolID == "REGISTER" {
		return nil
	}
	if _, err := registry.Get(a.Initiator); err != nil {
		return &Violation{
			Code:        "REVOKED_ENTITY",
			InvariantID: "INV-ID-02",
			Boundary:    "action.initiator",
			Permissible: "must reference a registered entity",
			Message:     fmt.Sprintf("initiator %q is not registered", a.Initiator),
		}
	}
	return nil
}

func checkInitiatorActive(a action.Action, registry IdentityLookup, _ action.LogicalTime) *Violation {
	if a.Payload.ProtocolID == "REGISTER" {
		return nil
	}
	e, err := registry.Get(a.Initiator)
	if err != nil {
		return nil // INV-ID-02 already reports the missing-entity case
	}
	if e.Status != identity.StatusActive {
		return &Violation{
			Code:        "REVOKED_ENTITY",
			InvariantID: "INV-ID-03",
			Boundary:    "action.initiator.status",
			Permissible: "ACTIVE",
			Message:     fmt.Sprintf("initiator %q has status %s", a.Initiator, e.Status),
		}
	}
	return nil
}

func checkFiniteValue(a action.Action, _ IdentityLookup, _ action.LogicalTime) *Violation {
	f, ok := a.Payload.Value.(float64)
	if !ok {
		return nil // non-numeric payload values are out of scope for this check
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &Violation{
			Code:        "NON_FINITE_METRIC",
			InvariantID: "INV-RES-01",
			Boundary:    "action.payload.value",
			Permissible: "finite real number",
			Message:     fmt.Sprintf("value %v is not finite", f),
		}
	}
	return nil
}

func checkFutureBound(a action.Action, _ IdentityLookup, now action.LogicalTime) *Violation {
	if a.Timestamp.Epoch != now.Epoch {
		if a.Timestamp.Epoch > now.Epoch {
			return &Violation{
				Code:        "TEMPORAL_PARADOX",
				InvariantID: "INV-RES-02",
				Boundary:    "action.timestamp",
				Permissible: fmt.Sprintf("<= now + %dms", ClockSkewWindowMillis),
				Message:     "action timestamp epoch is ahead of now",
			}
		}
		return nil
	}
	if a.Timestamp.Logical > now.Logical+ClockSkewWindowMillis {
		return &Violation{
			Code:        "TEMPORAL_PARADOX",
			InvariantID: "INV-RES-02",
			Boundary:    "action.timestamp",
			Permissible: fmt.Sprintf("<= now + %dms", ClockSkewWindowMillis),
			Message:     fmt.Sprintf("timestamp %d exceeds now(%d) + skew window", a.Timestamp.Logical, now.Logical),
		}
	}
	return nil
}

func checkPayloadSize(a action.Action, _ IdentityLookup, _ action.LogicalTime) *Violation {
	enc, err := kcrypto.Canonical(a.Payload)
	if err != nil {
		return &Violation{
			Code:        "PAYLOAD_OVERSIZE",
			InvariantID: "INV-RES-03",
			Boundary:    "action.payload",
			Permissible: fmt.Sprintf("<= %d bytes canonical", MaxPayloadBytes),
			Message:     fmt.Sprintf("payload could not be canonicalized: %v", err),
		}
	}
	if len(enc) > MaxPayloadBytes {
		return &Violation{
			Code:        "PAYLOAD_OVERSIZE",
			InvariantID: "INV-RES-03",
			Boundary:    "action.payload",
			Permissible: fmt.Sprintf("<= %d bytes canonical", MaxPayloadBytes),
			Message:     fmt.Sprintf("canonical payload is %d bytes", len(enc)),
		}
	}
	return nil
}

func checkActionIDPresent(a action.Action, _ IdentityLookup, _ action.LogicalTime) *Violation {
	if a.ActionID == "" {
		return &Violation{
			Code:        "INVALID_ID_FORMAT",
			InvariantID: "INV-PRO-01",
			Boundary:    "action.actionId",
			Permissible: "non-empty string",
			Message:     "actionId is empty",
		}
	}
	return nil
}

func checkMetricIDPresent(a action.Action, _ IdentityLookup, _ action.LogicalTime) *Violation {
	if a.Payload.MetricID == "" {
		return &Violation{
			Code:        "MISSING_METRIC_ID",
			InvariantID: "INV-PRO-02",
			Boundary:    "action.payload.metricId",
			Permissible: "non-empty string",
			Message:     "payload.metricId is empty",
		}
	}
	return nil
}
