// Copyright 2025 Kestrel Systems
//
// Guards are the eight pipeline stages run in fixed order by
// guardAttempt, each a pure function over a GuardContext. This
// generalizes the teacher's per-target-chain strategy packages
// (pkg/strategy, pkg/chain/strategy, pkg/attestation/strategy) from
// "one strategy per external chain" to "one strategy per admission
// concern" - same Check(ctx)-returns-result shape, different axis.

package guard

import (
	"encoding/hex"
	"fmt"

	"github.com/kestrel-systems/govkernel/pkg/action"
	"github.com/kestrel-systems/govkernel/pkg/authority"
	"github.com/kestrel-systems/govkernel/pkg/identity"
	"github.com/kestrel-systems/govkernel/pkg/invariant"
	"github.com/kestrel-systems/govkernel/pkg/kcrypto"
	"github.com/kestrel-systems/govkernel/pkg/kstate"
)

// MetricWriteCapacity is the capacity name ScopeGuard checks against
// the Authority Engine for every mutating action.
const MetricWriteCapacity = "METRIC.WRITE"

// SeenChecker answers whether an actionId has already been committed.
// Satisfied by pkg/kernel's seen-action set.
type SeenChecker interface {
	Contains(actionID string) bool
}

// ProtocolLookup answers whether a protocolId is registered and its
// lifecycle status. Satisfied by pkg/protocol.Engine.
type ProtocolLookup interface {
	StatusOf(protocolID string) (status string, ok bool)
}

// MetricHistory answers per-metric monotonicity facts needed by
// TimeGuard. Satisfied by pkg/kstate.Manager via a thin accessor.
type MetricHistory interface {
	LastUpdateOf(metricID string) (action.LogicalTime, bool)
	GlobalLastUpdate() action.LogicalTime
}

// GuardContext carries everything a guard stage needs to decide.
// Approvals is the count of distinct signatures supplied alongside an
// irreversible action (IrreversibilityGuard); it is populated by the
// kernel from the submission envelope, not from the Action itself,
// since the action's own payload carries no signature list.
type GuardContext struct {
	Action    action.Action
	Now       action.LogicalTime
	Registry  *identity.Registry
	Authority *authority.Engine
	History   MetricHistory
	Seen      SeenChecker
	Protocols ProtocolLookup
	Approvals int
}

// Rejection is the structured result every guard returns on failure -
// never a Go error, per the "exceptions only at commit" design note.
type Rejection struct {
	Code        string
	InvariantID string
	Message     string
	Details     interface{}
}

func (r *Rejection) Error() string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// Guard is one pipeline stage.
type Guard interface {
	Name() string
	Check(ctx GuardContext) *Rejection
}

// Battery is the fixed, ordered list of guards run by guardAttempt.
var Battery = []Guard{
	InvariantGuard{},
	SignatureGuard{},
	ScopeGuard{},
	TimeGuard{},
	ReplayGuard{},
	IrreversibilityGuard{},
	CollectiveGuard{},
	ProtocolBindingGuard{},
}

// identityLookupAdapter satisfies invariant.IdentityLookup using a
// *identity.Registry without pkg/invariant importing pkg/identity's
// full write surface.
type identityLookupAdapter struct {
	registry *identity.Registry
}

func (a identityLookupAdapter) Get(id string) (identity.Entity, error) {
	return a.registry.Get(id)
}

// InvariantGuard runs the §4.2 static preconditions and surfaces the
// first violation found.
type InvariantGuard struct{}

func (InvariantGuard) Name() string { return "InvariantGuard" }

func (InvariantGuard) Check(ctx GuardContext) *Rejection {
	violations := invariant.CheckAll(ctx.Action, identityLookupAdapter{ctx.Registry}, ctx.Now)
	if len(violations) == 0 {
		return nil
	}
	first := violations[0]
	return &Rejection{
		Code:        first.Code,
		InvariantID: first.InvariantID,
		Message:     first.Message,
		Details:     violations,
	}
}

// SignatureGuard reconstructs the canonical signing string and
// verifies it under the initiator's registered public key, unless the
// signature is a sentinel (whose legitimacy is the caller's concern).
type SignatureGuard struct{}

func (SignatureGuard) Name() string { return "SignatureGuard" }

func (SignatureGuard) Check(ctx GuardContext) *Rejection {
	if action.IsSentinelSignature(ctx.Action.Signature) {
		return nil
	}

	entity, err := ctx.Registry.Get(ctx.Action.Initiator)
	if err != nil {
		return &Rejection{Code: "REVOKED_ENTITY", Message: fmt.Sprintf("initiator lookup failed: %v", err)}
	}

	signingString, err := action.SigningString(ctx.Action)
	if err != nil {
		return &Rejection{Code: "SIGNATURE_INVALID", Message: fmt.Sprintf("could not build signing string: %v", err)}
	}

	sigBytes, err := hex.DecodeString(ctx.Action.Signature)
	if err != nil {
		return &Rejection{Code: "SIGNATURE_INVALID", Message: "signature is not valid hex"}
	}

	if err := kcrypto.Verify(entity.PublicKey, []byte(signingString), sigBytes); err != nil {
		return &Rejection{Code: "SIGNATURE_INVALID", Message: err.Error()}
	}
	return nil
}

// ScopeGuard asks the Authority Engine whether the initiator is
// authorized for METRIC.WRITE over the targeted metric.
type ScopeGuard struct{}

func (ScopeGuard) Name() string { return "ScopeGuard" }

func (ScopeGuard) Check(ctx GuardContext) *Rejection {
	value, _ := ctx.Action.Payload.Value.(float64)
	checkCtx := authority.CheckContext{Time: ctx.Now, Value: value}

	if !ctx.Authority.Authorized(ctx.Action.Initiator, MetricWriteCapacity, ctx.Action.Payload.MetricID, checkCtx) {
		return &Rejection{
			Code:    "OVERSCOPE_ATTEMPT",
			Message: fmt.Sprintf("initiator %s lacks %s:%s", ctx.Action.Initiator, MetricWriteCapacity, ctx.Action.Payload.MetricID),
		}
	}
	return nil
}

// TimeGuard enforces monotonic ordering: the action's timestamp must
// not precede the metric's last committed update nor the kernel's
// global lastUpdate.
type TimeGuard struct{}

func (TimeGuard) Name() string { return "TimeGuard" }

func (TimeGuard) Check(ctx GuardContext) *Rejection {
	if ctx.Action.Timestamp.Before(ctx.History.GlobalLastUpdate()) {
		return &Rejection{Code: "TEMPORAL_PARADOX", Message: "timestamp precedes kernel lastUpdate"}
	}
	if last, ok := ctx.History.LastUpdateOf(ctx.Action.Payload.MetricID); ok {
		if ctx.Action.Timestamp.Before(last) {
			return &Rejection{Code: "TEMPORAL_PARADOX", Message: fmt.Sprintf("timestamp precedes metric %s's last update", ctx.Action.Payload.MetricID)}
		}
	}
	return nil
}

// ReplayGuard rejects an action whose actionId has already been committed.
type ReplayGuard struct{}

func (ReplayGuard) Name() string { return "ReplayGuard" }

func (ReplayGuard) Check(ctx GuardContext) *Rejection {
	if ctx.Seen.Contains(ctx.Action.ActionID) {
		return &Rejection{Code: "REPLAY_DETECTED", Message: fmt.Sprintf("actionId %s already committed", ctx.Action.ActionID)}
	}
	return nil
}

// MinIrreversibleApprovals is the number of distinct approvals an
// irreversible action requires. The approval count comes from the
// caller of the kernel's Execute/GuardAttempt (cmd/kernelctl's
// -approvals flag defaults to 0), so an irreversible action submitted
// without extra approvals is rejected.
const MinIrreversibleApprovals = 2

// IrreversibilityGuard requires at least two distinct approvals for
// any action flagged payload.irreversible.
type IrreversibilityGuard struct{}

func (IrreversibilityGuard) Name() string { return "IrreversibilityGuard" }

func (IrreversibilityGuard) Check(ctx GuardContext) *Rejection {
	if !ctx.Action.Payload.Irreversible {
		return nil
	}
	if ctx.Approvals < MinIrreversibleApprovals {
		return &Rejection{
			Code:    "IRREVERSIBILITY_VIOLATION",
			Message: fmt.Sprintf("irreversible action requires >= %d approvals, got %d", MinIrreversibleApprovals, ctx.Approvals),
		}
	}
	return nil
}

// CollectiveGuard requires owner, synthesizer, and an explicitly
// present (possibly null) dissent field on any payload.type=COLLECTIVE action.
type CollectiveGuard struct{}

func (CollectiveGuard) Name() string { return "CollectiveGuard" }

func (CollectiveGuard) Check(ctx GuardContext) *Rejection {
	if ctx.Action.Payload.Type != action.CollectiveType {
		return nil
	}
	p := ctx.Action.Payload
	if p.Owner == "" || p.Synthesizer == "" {
		return &Rejection{Code: "PROTOCOL_VIOLATION", Message: "collective action requires owner and synthesizer"}
	}
	if p.Dissent == nil {
		return &Rejection{Code: "PROTOCOL_VIOLATION", Message: "collective action requires an explicit dissent field"}
	}
	return nil
}

// ProtocolBindingGuard requires payload.protocolId, when not a system
// sentinel, to reference a registered, ACTIVE protocol.
type ProtocolBindingGuard struct{}

func (ProtocolBindingGuard) Name() string { return "ProtocolBindingGuard" }

func (ProtocolBindingGuard) Check(ctx GuardContext) *Rejection {
	id := ctx.Action.Payload.ProtocolID
	if id == "" || id == "SYSTEM" || id == "ROOT" {
		return nil
	}
	status, ok := ctx.Protocols.StatusOf(id)
	if !ok {
		return &Rejection{Code: "PROTOCOL_VIOLATION", Message: fmt.Sprintf("protocol %s is not registered", id)}
	}
	if status != "ACTIVE" {
		return &Rejection{Code: "PROTOCOL_VIOLATION", Message: fmt.Sprintf("protocol %s is not ACTIVE (status=%s)", id, status)}
	}
	return nil
}

// Run executes the fixed battery in order, short-circuiting and
// returning the first rejection. nil means the action is ACCEPTED.
func Run(ctx GuardContext) *Rejection {
	for _, g := range Battery {
		if rej := g.Check(ctx); rej != nil {
			return rej
		}
	}
	return nil
}

// kstate.Manager satisfies MetricHistory via this adapter so pkg/guard
// does not need a direct import cycle back through pkg/kernel.
type KStateHistory struct {
	Manager *kstate.Manager
}

func (h KStateHistory) LastUpdateOf(metricID string) (action.LogicalTime, bool) {
	state := h.Manager.CurrentState()
	v, ok := state.Metrics[metricID]
	if !ok {
		return action.LogicalTime{}, false
	}
	return v.UpdatedAt, true
}

func (h KStateHistory) GlobalLastUpdate() action.LogicalTime {
	return h.Manager.CurrentState().LastUpdate
}
