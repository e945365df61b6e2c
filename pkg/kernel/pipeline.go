// Copyright 2025 Kestrel Systems
//
// The two-phase submit -> guard -> commit pipeline. Each phase runs
// under k.mu, matching spec.md 5's single-lock serialization
// requirement. The lock is taken per phase: Execute releases it between
// phases, so another call can run between one action's guard and
// commit stages.

package kernel

import (
	"fmt"

	"github.com/kestrel-systems/govkernel/pkg/action"
	"github.com/kestrel-systems/govkernel/pkg/evidence"
	"github.com/kestrel-systems/govkernel/pkg/guard"
	"github.com/kestrel-systems/govkernel/pkg/protocol"
)

// submitAttempt records a new attempt and, unless the action is a
// rehearsal, appends an ATTEMPT evidence entry.
func (k *Kernel) submitAttempt(initiator, protocolID string, a action.Action, cost int) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.requireActiveLocked(); err != nil {
		return "", err
	}

	att := &Attempt{
		ID:         a.ActionID,
		Initiator:  initiator,
		ProtocolID: protocolID,
		Action:     a,
		Cost:       cost,
		Timestamp:  a.Timestamp,
		Status:     AttemptPending,
	}
	k.attempts[att.ID] = att

	if !a.Payload.Rehearsal {
		if _, err := k.evidence.Append(a, evidence.StatusAttempt, "", nil, a.Timestamp); err != nil {
			return "", fmt.Errorf("kernel: append ATTEMPT evidence: %w", err)
		}
	}

	return att.ID, nil
}

// guardAttempt runs the fixed guard battery against the attempt's
// action, logs ACCEPTED or REJECT evidence (skipped entirely for
// rehearsal attempts - full isolation per the resolved rehearsal
// open question), and on a critical rejection code triggers automatic
// revocation of the initiator unless rehearsal or the initiator is root.
func (k *Kernel) guardAttempt(id string, approvals int) (*guard.Rejection, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.requireActiveLocked(); err != nil {
		return nil, err
	}

	att, ok := k.attempts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAttemptNotFound, id)
	}
	if att.Status != AttemptPending {
		return nil, fmt.Errorf("%w: attempt=%s status=%s", ErrAttemptWrongState, id, att.Status)
	}

	ctx := guard.GuardContext{
		Action:    att.Action,
		Now:       att.Action.Timestamp,
		Registry:  k.registry,
		Authority: k.authority,
		History:   guard.KStateHistory{Manager: k.state},
		Seen:      lockedSeenView{k},
		Protocols: k.protocols,
		Approvals: approvals,
	}

	rejection := guard.Run(ctx)
	if rejection != nil {
		att.Status = AttemptRejected
		att.Rejection = rejection

		if k.metrics != nil {
			k.metrics.Rejections.Inc()
		}
		k.pressure.Record(rejection.InvariantID)

		if !att.Action.Payload.Rehearsal {
			meta := map[string]interface{}{
				"code":        rejection.Code,
				"invariantId": rejection.InvariantID,
				"message":     rejection.Message,
			}
			if _, err := k.evidence.Append(att.Action, evidence.StatusReject, rejection.Message, meta, att.Action.Timestamp); err != nil {
				return nil, fmt.Errorf("kernel: append REJECT evidence: %w", err)
			}

			if criticalRejectionCodes[rejection.Code] {
				if e, err := k.registry.Get(att.Initiator); err == nil && !e.IsRoot {
					_ = k.registry.Revoke(att.Initiator, att.Action.Timestamp.Logical)
				}
			}
		}

		return rejection, nil
	}

	att.Status = AttemptAccepted
	if !att.Action.Payload.Rehearsal {
		if _, err := k.evidence.Append(att.Action, evidence.StatusAccepted, "", nil, att.Action.Timestamp); err != nil {
			return nil, fmt.Errorf("kernel: append ACCEPTED evidence: %w", err)
		}
	}
	return nil, nil
}

// commitAttempt evaluates protocol side effects, validates the full
// mutation set, and either applies everything atomically or leaves
// state untouched - on any failure an ABORTED evidence is appended
// (unless rehearsal) and the actionId is deliberately NOT added to the
// seen-set, so the caller may retry.
func (k *Kernel) commitAttempt(id string, budget int) (*CommitResult, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.requireActiveLocked(); err != nil {
		return nil, err
	}

	att, ok := k.attempts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAttemptNotFound, id)
	}
	if att.Status != AttemptAccepted {
		return nil, fmt.Errorf("%w: attempt=%s status=%s", ErrAttemptWrongState, id, att.Status)
	}

	if att.Action.Payload.Rehearsal {
		att.Status = AttemptCommitted
		return &CommitResult{
			AttemptID:    id,
			OldStateHash: "REHEARSAL",
			NewStateHash: "REHEARSAL",
			Cost:         att.Cost,
			Timestamp:    att.Timestamp,
			Status:       AttemptCommitted,
		}, nil
	}

	if budget < att.Cost {
		return k.abort(att, fmt.Sprintf("budget %d insufficient for cost %d", budget, att.Cost), "BUDGET_EXHAUSTED", ErrBudgetExhausted)
	}

	proposed := protocol.Mutation{MetricID: att.Action.Payload.MetricID, Value: att.Action.Payload.Value}

	effects, err := k.protocols.Evaluate(k.state.CurrentState(), proposed)
	if err != nil {
		return k.abort(att, err.Error(), "PROTOCOL_VIOLATION", ErrProtocolConflict)
	}

	allMutations := append([]protocol.Mutation{proposed}, effects...)
	for _, m := range allMutations {
		if err := k.state.ValidateMutation(m); err != nil {
			return k.abort(att, err.Error(), "DATA_INTEGRITY", ErrMutationInvalid)
		}
	}

	prevSnapshot := k.state.LatestSnapshot()

	mutMeta := make([]map[string]interface{}, len(allMutations))
	for i, m := range allMutations {
		mutMeta[i] = map[string]interface{}{"metricId": m.MetricID, "value": m.Value}
	}
	meta := map[string]interface{}{"mutations": mutMeta}

	ev, err := k.evidence.Append(att.Action, evidence.StatusSuccess, "", meta, att.Action.Timestamp)
	if err != nil {
		return k.abort(att, err.Error(), "DATA_INTEGRITY", fmt.Errorf("kernel: append SUCCESS evidence: %w", err))
	}

	snap, err := k.state.ApplyTrusted(allMutations, att.Action.Timestamp, att.Initiator, att.Action.ActionID, ev.EvidenceID)
	if err != nil {
		return k.abort(att, err.Error(), "DATA_INTEGRITY", ErrMutationInvalid)
	}

	att.Status = AttemptCommitted
	k.seen[att.Action.ActionID] = true

	if k.metrics != nil {
		k.metrics.Commits.Inc()
		k.metrics.SnapshotVersion.Set(float64(snap.State.Version))
		if hist, err := k.evidence.History(); err == nil {
			k.metrics.EvidenceLength.Set(float64(len(hist)))
		}
	}

	return &CommitResult{
		AttemptID:    id,
		OldStateHash: prevSnapshot.Hash,
		NewStateHash: snap.Hash,
		Cost:         att.Cost,
		Timestamp:    att.Timestamp,
		Status:       AttemptCommitted,
	}, nil
}

// abort appends an ABORTED evidence (the attempt is not a rehearsal by
// the time abort is reached, since rehearsal short-circuits earlier)
// and returns wrappedErr to the caller - the attempt's actionId is
// never added to the seen-set.
func (k *Kernel) abort(att *Attempt, reason, code string, wrappedErr error) (*CommitResult, error) {
	att.Status = AttemptAborted

	meta := map[string]interface{}{"code": code}
	if _, err := k.evidence.Append(att.Action, evidence.StatusAborted, reason, meta, att.Action.Timestamp); err != nil {
		return nil, fmt.Errorf("kernel: append ABORTED evidence: %w (original error: %v)", err, wrappedErr)
	}

	if k.metrics != nil {
		k.metrics.Aborts.Inc()
	}
	return nil, fmt.Errorf("%w: %s", wrappedErr, reason)
}

// Execute is the convenience wrapper performing all three phases,
// returning ErrGuardRejected (wrapping the structured rejection) if
// the guard stage rejects.
func (k *Kernel) Execute(initiator, protocolID string, a action.Action, cost, budget, approvals int) (*CommitResult, error) {
	id, err := k.submitAttempt(initiator, protocolID, a, cost)
	if err != nil {
		return nil, err
	}

	rejection, err := k.guardAttempt(id, approvals)
	if err != nil {
		return nil, err
	}
	if rejection != nil {
		return nil, fmt.Errorf("%w: %s", ErrGuardRejected, rejection.Error())
	}

	return k.commitAttempt(id, budget)
}

// SubmitAttempt, GuardAttempt, and CommitAttempt are the exported
// three-phase entry points for callers that want to inspect
// intermediate state between phases.
func (k *Kernel) SubmitAttempt(initiator, protocolID string, a action.Action, cost int) (string, error) {
	return k.submitAttempt(initiator, protocolID, a, cost)
}

func (k *Kernel) GuardAttempt(id string, approvals int) (*guard.Rejection, error) {
	return k.guardAttempt(id, approvals)
}

func (k *Kernel) CommitAttempt(id string, budget int) (*CommitResult, error) {
	return k.commitAttempt(id, budget)
}
