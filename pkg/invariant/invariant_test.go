// Copyright 2025 Kestrel Systems

package invariant

import (
	"math"
	"strings"
	"testing"

	"github.com/kestrel-systems/govkernel/pkg/action"
	"github.com/kestrel-systems/govkernel/pkg/identity"
)

type fakeRegistry struct {
	entities map[string]identity.Entity
}

func (f fakeRegistry) Get(id string) (identity.Entity, error) {
	e, ok := f.entities[id]
	if !ok {
		return identity.Entity{}, identity.ErrNotFound
	}
	return e, nil
}

func validAction(now action.LogicalTime) action.Action {
	return action.Action{
		ActionID:  "ACT-1",
		Initiator: "alice",
		Payload:   action.Payload{MetricID: "treasury.balance", Value: 5.0},
		Timestamp: now,
		ExpiresAt: action.LogicalTime{Epoch: now.Epoch, Logical: now.Logical + 1000},
		Signature: action.SentinelTrusted,
	}
}

func TestCheckAllPassesOnValidAction(t *testing.T) {
	now := action.LogicalTime{Epoch: 1, Logical: 100}
	reg := fakeRegistry{entities: map[string]identity.Entity{
		"alice": {ID: "alice", Status: identity.StatusActive},
	}}
	if v := CheckAll(validAction(now), reg, now); len(v) != 0 {
		t.Fatalf("expected no violations, got: %+v", v)
	}
}

func TestCheckSignatureFormatRejectsNonHex(t *testing.T) {
	now := action.LogicalTime{Epoch: 1, Logical: 100}
	a := validAction(now)
	a.Signature = "not-hex-!!"
	if v := checkSignatureFormat(a, nil, now); v == nil || v.InvariantID != "INV-ID-01" {
		t.Fatalf("expected INV-ID-01 violation, got: %+v", v)
	}
}

func TestCheckSignatureFormatAllowsSentinel(t *testing.T) {
	now := action.LogicalTime{Epoch: 1, Logical: 100}
	a := validAction(now)
	a.Signature = action.SentinelGovernanceSignature
	if v := checkSignatureFormat(a, nil, now); v != nil {
		t.Fatalf("expected sentinel signature to pass, got: %+v", v)
	}
}

func TestCheckInitiatorRegisteredRejectsUnknown(t *testing.T) {
	now := action.LogicalTime{Epoch: 1, Logical: 100}
	reg := fakeRegistry{entities: map[string]identity.Entity{}}
	a := validAction(now)
	if v := checkInitiatorRegistered(a, reg, now); v == nil || v.InvariantID != "INV-ID-02" {
		t.Fatalf("expected INV-ID-02 violation, got: %+v", v)
	}
}

func TestCheckInitiatorRegisteredAllowsRegisterProtocol(t *testing.T) {
	now := action.LogicalTime{Epoch: 1, Logical: 100}
	reg := fakeRegistry{entities: map[string]identity.Entity{}}
	a := validAction(now)
	a.Payload.ProtocolID = "REGISTER"
	if v := checkInitiatorRegistered(a, reg, now); v != nil {
		t.Fatalf("expected REGISTER protocol to bypass INV-ID-02, got: %+v", v)
	}
}

func TestCheckInitiatorActiveRejectsRevoked(t *testing.T) {
	now := action.LogicalTime{Epoch: 1, Logical: 100}
	reg := fakeRegistry{entities: map[string]identity.Entity{
		"alice": {ID: "alice", Status: identity.StatusRevoked},
	}}
	a := validAction(now)
	if v := checkInitiatorActive(a, reg, now); v == nil || v.InvariantID != "INV-ID-03" {
		t.Fatalf("expected INV-ID-03 violation, got: %+v", v)
	}
}

func TestCheckFiniteValueRejectsNaNAndInf(t *testing.T) {
	now := action.LogicalTime{Epoch: 1, Logical: 100}
	nan := validAction(now)
	nan.Payload.Value = math.NaN()
	if v := checkFiniteValue(nan, nil, now); v == nil || v.InvariantID != "INV-RES-01" {
		t.Fatalf("expected INV-RES-01 violation for NaN, got: %+v", v)
	}

	inf := validAction(now)
	inf.Payload.Value = math.Inf(1)
	if v := checkFiniteValue(inf, nil, now); v == nil {
		t.Fatal("expected INV-RES-01 violation for +Inf")
	}
}

func TestCheckFiniteValueIgnoresNonNumeric(t *testing.T) {
	now := action.LogicalTime{Epoch: 1, Logical: 100}
	a := validAction(now)
	a.Payload.Value = "not-a-number"
	if v := checkFiniteValue(a, nil, now); v != nil {
		t.Fatalf("expected non-numeric value to be out of scope, got: %+v", v)
	}
}

func TestCheckFutureBoundRejectsFarFuture(t *testing.T) {
	now := action.LogicalTime{Epoch: 1, Logical: 100}
	a := validAction(now)
	a.Timestamp = action.LogicalTime{Epoch: 1, Logical: 100 + ClockSkewWindowMillis + 1}
	if v := checkFutureBound(a, nil, now); v == nil || v.InvariantID != "INV-RES-02" {
		t.Fatalf("expected INV-RES-02 violation, got: %+v", v)
	}
}

func TestCheckFutureBoundRejectsFutureEpoch(t *testing.T) {
	now := action.LogicalTime{Epoch: 1, Logical: 100}
	a := validAction(now)
	a.Timestamp = action.LogicalTime{Epoch: 2, Logical: 0}
	if v := checkFutureBound(a, nil, now); v == nil || v.InvariantID != "INV-RES-02" {
		t.Fatalf("expected INV-RES-02 violation for future epoch, got: %+v", v)
	}
}

func TestCheckFutureBoundAllowsPastEpoch(t *testing.T) {
	now := action.LogicalTime{Epoch: 2, Logical: 100}
	a := validAction(now)
	a.Timestamp = action.LogicalTime{Epoch: 1, Logical: 999999}
	if v := checkFutureBound(a, nil, now); v != nil {
		t.Fatalf("expected past-epoch timestamp to pass, got: %+v", v)
	}
}

func TestCheckPayloadSizeRejectsOversize(t *testing.T) {
	now := action.LogicalTime{Epoch: 1, Logical: 100}
	a := validAction(now)
	a.Payload.Value = strings.Repeat("x", MaxPayloadBytes+1)
	if v := checkPayloadSize(a, nil, now); v == nil || v.InvariantID != "INV-RES-03" {
		t.Fatalf("expected INV-RES-03 violation, got: %+v", v)
	}
}

func TestCheckActionIDAndMetricIDPresent(t *testing.T) {
	now := action.LogicalTime{Epoch: 1, Logical: 100}

	a := validAction(now)
	a.ActionID = ""
	if v := checkActionIDPresent(a, nil, now); v == nil || v.InvariantID != "INV-PRO-01" {
		t.Fatalf("expected INV-PRO-01 violation, got: %+v", v)
	}

	b := validAction(now)
	b.Payload.MetricID = ""
	if v := checkMetricIDPresent(b, nil, now); v == nil || v.InvariantID != "INV-PRO-02" {
		t.Fatalf("expected INV-PRO-02 violation, got: %+v", v)
	}
}

func TestCheckAllAccumulatesMultipleViolations(t *testing.T) {
	now := action.LogicalTime{Epoch: 1, Logical: 100}
	reg := fakeRegistry{entities: map[string]identity.Entity{}}
	a := validAction(now)
	a.ActionID = ""
	a.Signature = "not-hex"

	violations := CheckAll(a, reg, now)
	if len(violations) < 3 {
		t.Fatalf("expected multiple accumulated violations (signature, initiator, actionId), got %d: %+v", len(violations), violations)
	}
}
